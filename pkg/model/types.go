package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Tier is a warning severity class.
type Tier int

const (
	TierAdvisory  Tier = iota // 注意報
	TierWarning               // 警報
	TierEmergency             // 特別警報
)

// Tiers lists every tier in increasing severity.
var Tiers = []Tier{TierAdvisory, TierWarning, TierEmergency}

func (t Tier) String() string {
	switch t {
	case TierAdvisory:
		return "advisory"
	case TierWarning:
		return "warning"
	case TierEmergency:
		return "emergency"
	}
	return "tier(" + strconv.Itoa(int(t)) + ")"
}

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	return t >= TierAdvisory && t <= TierEmergency
}

// Name returns the display name of the tier in the given language.
func (t Tier) Name(lang Lang) string {
	if lang == LangEN {
		switch t {
		case TierAdvisory:
			return "Advisory"
		case TierWarning:
			return "Warning"
		case TierEmergency:
			return "Emergency Warning"
		}
		return t.String()
	}
	switch t {
	case TierAdvisory:
		return "注意報"
	case TierWarning:
		return "警報"
	case TierEmergency:
		return "特別警報"
	}
	return t.String()
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseTier accepts the lowercase tier names and the short JMA account prefixes (wa, ww, wew).
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "advisory", "wa":
		return TierAdvisory, nil
	case "warning", "ww":
		return TierWarning, nil
	case "emergency", "emergency_warning", "wew":
		return TierEmergency, nil
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

// Lang selects the language of composed text.
type Lang string

const (
	LangJA Lang = "ja"
	LangEN Lang = "en"
)

// Langs lists the supported languages.
var Langs = []Lang{LangJA, LangEN}

// Tag returns the locale tag handed to publishers.
func (l Lang) Tag() string {
	if l == LangEN {
		return "en-US"
	}
	return "ja-JP"
}

// ParseLang normalises a language name.
func ParseLang(s string) (Lang, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ja", "ja-jp", "jp":
		return LangJA, nil
	case "en", "en-us":
		return LangEN, nil
	}
	return "", fmt.Errorf("unknown language %q", s)
}

// Code is a JMA hazard code. Its tier is determined by numeric range.
type Code int

func (c Code) String() string {
	return fmt.Sprintf("%02d", int(c))
}

// ParseCode parses a hazard code such as "03".
func ParseCode(s string) (Code, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse hazard code %q: %w", s, err)
	}
	if n < 0 || n > 99 {
		return 0, fmt.Errorf("hazard code %q out of range", s)
	}
	return Code(n), nil
}

// CodeSet is a set of hazard codes.
type CodeSet map[Code]struct{}

// NewCodeSet builds a set from the given codes.
func NewCodeSet(codes ...Code) CodeSet {
	s := make(CodeSet, len(codes))
	for _, c := range codes {
		s[c] = struct{}{}
	}
	return s
}

func (s CodeSet) Has(c Code) bool {
	_, ok := s[c]
	return ok
}

func (s CodeSet) Add(c Code) {
	s[c] = struct{}{}
}

// Sorted returns the codes in ascending order.
func (s CodeSet) Sorted() []Code {
	out := make([]Code, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// String joins the sorted codes with commas, e.g. "03,10".
func (s CodeSet) String() string {
	parts := make([]string, 0, len(s))
	for _, c := range s.Sorted() {
		parts = append(parts, c.String())
	}
	return strings.Join(parts, ",")
}

func (s CodeSet) MarshalJSON() ([]byte, error) {
	parts := make([]string, 0, len(s))
	for _, c := range s.Sorted() {
		parts = append(parts, c.String())
	}
	return json.Marshal(parts)
}

func (s *CodeSet) UnmarshalJSON(b []byte) error {
	var parts []string
	if err := json.Unmarshal(b, &parts); err != nil {
		return err
	}
	set := make(CodeSet, len(parts))
	for _, p := range parts {
		c, err := ParseCode(p)
		if err != nil {
			return err
		}
		set.Add(c)
	}
	*s = set
	return nil
}

// ParseCodeSet reverses CodeSet.String. Empty input yields an empty set.
func ParseCodeSet(s string) (CodeSet, error) {
	set := make(CodeSet)
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		c, err := ParseCode(part)
		if err != nil {
			return nil, err
		}
		set.Add(c)
	}
	return set, nil
}

// Observation holds the hazards active for one area in one bulletin.
// Active maps tier -> code -> condition text.
type Observation struct {
	AreaCode string
	Active   map[Tier]map[Code]string
}

// NewObservation creates an empty observation for an area.
func NewObservation(areaCode string) *Observation {
	return &Observation{
		AreaCode: areaCode,
		Active:   make(map[Tier]map[Code]string),
	}
}

// Add marks a code as active in a tier.
func (o *Observation) Add(tier Tier, code Code, condition string) {
	m, ok := o.Active[tier]
	if !ok {
		m = make(map[Code]string)
		o.Active[tier] = m
	}
	m[code] = condition
}

func (o *Observation) Has(tier Tier, code Code) bool {
	if o == nil {
		return false
	}
	_, ok := o.Active[tier][code]
	return ok
}

// Condition returns the condition text recorded for a code, if any.
func (o *Observation) Condition(tier Tier, code Code) string {
	if o == nil {
		return ""
	}
	return o.Active[tier][code]
}

// AreaState is the persisted view of an area as of the last processed bulletin.
type AreaState struct {
	AreaCode   string           `json:"area_code"`
	Active     map[Tier]CodeSet `json:"active"`
	ReportTime time.Time        `json:"report_time"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// NewAreaState returns an empty state for an area that has never been processed.
func NewAreaState(areaCode string) *AreaState {
	return &AreaState{
		AreaCode: areaCode,
		Active: map[Tier]CodeSet{
			TierAdvisory:  {},
			TierWarning:   {},
			TierEmergency: {},
		},
	}
}

func (s *AreaState) Has(tier Tier, code Code) bool {
	if s == nil {
		return false
	}
	return s.Active[tier].Has(code)
}

// Set returns the code set for a tier, creating it when missing.
func (s *AreaState) Set(tier Tier) CodeSet {
	if s.Active == nil {
		s.Active = make(map[Tier]CodeSet)
	}
	set, ok := s.Active[tier]
	if !ok {
		set = make(CodeSet)
		s.Active[tier] = set
	}
	return set
}

// Empty reports whether no tier holds any code.
func (s *AreaState) Empty() bool {
	for _, set := range s.Active {
		if len(set) > 0 {
			return false
		}
	}
	return true
}

// Entry is one composer input line item: a localized hazard name and its status.
type Entry struct {
	Code   Code   `json:"code"`
	Name   string `json:"name"`
	Status Status `json:"status"`
}

// Facet marks a rich-text span of a post. Offsets are UTF-8 byte positions.
type Facet struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Tag   string `json:"tag,omitempty"`
	URI   string `json:"uri,omitempty"`
}

// Post is a composed alert ready for a publisher.
type Post struct {
	Account  string  `json:"account"`
	AreaCode string  `json:"area_code,omitempty"`
	Tier     Tier    `json:"tier"`
	Lang     Lang    `json:"lang"`
	Text     string  `json:"text"`
	Facets   []Facet `json:"facets,omitempty"`
}

// Tags returns the hashtags carried by tag facets, in order.
func (p Post) Tags() []string {
	var tags []string
	for _, f := range p.Facets {
		if f.Tag != "" {
			tags = append(tags, f.Tag)
		}
	}
	return tags
}

// Link returns the first link facet's URI and label.
func (p Post) Link() (uri, label string, ok bool) {
	for _, f := range p.Facets {
		if f.URI != "" && f.End <= len(p.Text) {
			return f.URI, p.Text[f.Start:f.End], true
		}
	}
	return "", "", false
}

// DeliveryStatus is the final outcome of a publish.
type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// Delivery records one publish to one account.
type Delivery struct {
	ID        string         `json:"id" db:"id"`
	RunID     string         `json:"run_id" db:"run_id"`
	Account   string         `json:"account" db:"account"`
	AreaCode  string         `json:"area_code" db:"area_code"`
	Tier      Tier           `json:"tier" db:"tier"`
	Lang      Lang           `json:"lang" db:"lang"`
	Text      string         `json:"text" db:"text"`
	Attempts  int            `json:"attempts" db:"attempts"`
	Status    DeliveryStatus `json:"status" db:"status"`
	Error     string         `json:"error,omitempty" db:"error"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// DeliveryFilter controls which deliveries are listed.
type DeliveryFilter struct {
	Account  string         `json:"account,omitempty"`
	AreaCode string         `json:"area_code,omitempty"`
	Status   DeliveryStatus `json:"status,omitempty"`
	Since    time.Time      `json:"since,omitempty"`
	Limit    int            `json:"limit,omitempty"`
}
