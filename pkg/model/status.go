package model

import "encoding/json"

// StatusKind enumerates the classified status variants.
type StatusKind int

const (
	KindAnnouncement StatusKind = iota
	KindContinuation
	KindCancel
	KindUpgrade
	KindDowngrade
	KindNone
	KindUnrecognized
)

// Status is the classified state of one hazard code in one tier.
//
// Upgrade and Downgrade carry the tiers involved. A forward transition
// (Reverse false) is reported at From, the tier the code left. A reverse
// transition (Reverse true) is reported at To, the tier the code entered.
type Status struct {
	Kind    StatusKind
	From    Tier
	To      Tier
	Reverse bool
	Raw     string
}

var (
	Announcement = Status{Kind: KindAnnouncement}
	Continuation = Status{Kind: KindContinuation}
	Cancel       = Status{Kind: KindCancel}
	None         = Status{Kind: KindNone}
)

// UpgradeTo is a code leaving from for the more severe tier to.
func UpgradeTo(from, to Tier) Status {
	return Status{Kind: KindUpgrade, From: from, To: to}
}

// DowngradeTo is a code leaving from for the less severe tier to.
func DowngradeTo(from, to Tier) Status {
	return Status{Kind: KindDowngrade, From: from, To: to}
}

// UpgradedFrom is a code appearing at to because it left the less severe tier from.
func UpgradedFrom(from, to Tier) Status {
	return Status{Kind: KindUpgrade, From: from, To: to, Reverse: true}
}

// DowngradedFrom is a code appearing at to because it left the more severe tier from.
func DowngradedFrom(from, to Tier) Status {
	return Status{Kind: KindDowngrade, From: from, To: to, Reverse: true}
}

// Unrecognized wraps a label with no known meaning.
func Unrecognized(raw string) Status {
	return Status{Kind: KindUnrecognized, Raw: raw}
}

type labelDef struct {
	status   Status
	ja, en   string
	priority int
}

// Reverse upgrades (keys 7-9) render as announcement-class 《》 lines next to
// the other crossovers instead of the ｛｝ overflow group after the cancels.
// This deliberately changes the ordering that posts from earlier relays used,
// as does the W->EW English label; ParseStatus still accepts the earlier
// "Warning to Warning Emergency" spelling.
var labelDefs = []labelDef{
	{Announcement, "発表", "Announcement", 1},
	{DowngradedFrom(TierEmergency, TierWarning), "特別警報から警報", "Emergency Warning to Warning", 2},
	{DowngradedFrom(TierEmergency, TierAdvisory), "特別警報から注意報", "Emergency Warning to Advisory", 3},
	{DowngradedFrom(TierWarning, TierAdvisory), "警報から注意報", "Warning to Advisory", 4},
	{UpgradeTo(TierAdvisory, TierWarning), "警報へ変化", "Change to Warning", 5},
	{UpgradeTo(TierWarning, TierEmergency), "特別警報へ変化", "Change to Emergency Warning", 6},
	{UpgradeTo(TierAdvisory, TierEmergency), "特別警報へ変化", "Change to Emergency Warning", 6},
	{UpgradedFrom(TierAdvisory, TierWarning), "注意報から警報", "Advisory to Warning", 7},
	{UpgradedFrom(TierWarning, TierEmergency), "警報から特別警報", "Warning to Emergency Warning", 8},
	{UpgradedFrom(TierAdvisory, TierEmergency), "注意報から特別警報", "Advisory to Emergency Warning", 9},
	{Cancel, "解除", "Cancel", 11},
	{DowngradeTo(TierWarning, TierAdvisory), "解除(注意報へ)", "Cancel(to Advisory)", 12},
	{DowngradeTo(TierEmergency, TierAdvisory), "注意報に切り替え", "Cancel(to Advisory)", 12},
	{DowngradeTo(TierEmergency, TierWarning), "警報に切り替え", "Cancel(to Warning)", 13},
	{Continuation, "継続", "Continuation", 101},
	{None, "なし", "None", -1},
}

func (s Status) def() (labelDef, bool) {
	for _, d := range labelDefs {
		if d.status == s {
			return d, true
		}
	}
	return labelDef{}, false
}

// Label renders the status in the given language. Unrecognized statuses
// render their raw label.
func (s Status) Label(lang Lang) string {
	d, ok := s.def()
	if !ok {
		return s.Raw
	}
	if lang == LangEN {
		return d.en
	}
	return d.ja
}

// Priority returns the grouping key used when composing. ok is false for
// statuses without a fixed key.
func (s Status) Priority() (key int, ok bool) {
	d, ok := s.def()
	if !ok {
		return 0, false
	}
	return d.priority, true
}

// Persists reports whether a code with this status stays in the area state.
func (s Status) Persists() bool {
	switch s.Kind {
	case KindAnnouncement, KindContinuation:
		return true
	case KindUpgrade, KindDowngrade:
		return s.Reverse
	}
	return false
}

// Changed reports whether the status marks its tier as changed.
func (s Status) Changed() bool {
	return s.Kind != KindContinuation
}

func (s Status) String() string {
	return s.Label(LangEN)
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Label(LangEN))
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var label string
	if err := json.Unmarshal(b, &label); err != nil {
		return err
	}
	*s = ParseStatus(label)
	return nil
}

// ParseStatus maps a label in either language back to its status.
// Unknown labels become Unrecognized.
func ParseStatus(label string) Status {
	for _, d := range labelDefs {
		if d.ja == label || d.en == label {
			return d.status
		}
	}
	// older bulletin wording
	switch label {
	case "解除(警報へ)":
		return DowngradeTo(TierEmergency, TierWarning)
	case "発表警報・注意報はなし":
		return None
	case "Warning to Warning Emergency":
		return UpgradedFrom(TierWarning, TierEmergency)
	}
	return Unrecognized(label)
}
