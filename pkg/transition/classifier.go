// Package transition decides, per tier and hazard code, how an area's
// warnings changed between the stored state and a new bulletin.
package transition

import (
	"time"

	"github.com/emerry-tsun/JMA/pkg/model"
	"github.com/emerry-tsun/JMA/pkg/taxonomy"
)

// Classified is the status of one code in one tier.
type Classified struct {
	Code      model.Code
	Condition string
	Status    model.Status
}

// Result is the outcome of classifying one area against one bulletin.
type Result struct {
	AreaCode   string
	ReportTime time.Time

	// Skipped is set when the bulletin is not newer than the stored state.
	Skipped bool

	Statuses map[model.Tier][]Classified
	Changed  map[model.Tier]bool

	// State is the area state to persist. It equals the previous state when
	// nothing changed.
	State model.AreaState
}

// HasChanges reports whether any tier changed.
func (r Result) HasChanges() bool {
	for _, changed := range r.Changed {
		if changed {
			return true
		}
	}
	return false
}

// ChangedTiers lists the changed tiers in increasing severity.
func (r Result) ChangedTiers() []model.Tier {
	var out []model.Tier
	for _, tier := range model.Tiers {
		if r.Changed[tier] {
			out = append(out, tier)
		}
	}
	return out
}

// Entries converts a tier's statuses into composer input. Japanese names
// carry the bulletin's condition text in parentheses.
func (r Result) Entries(tier model.Tier, lang model.Lang, tax *taxonomy.Taxonomy) []model.Entry {
	classified := r.Statuses[tier]
	if len(classified) == 0 {
		return nil
	}
	entries := make([]model.Entry, 0, len(classified))
	for _, c := range classified {
		name := tax.Name(c.Code, lang)
		if lang == model.LangJA && c.Condition != "" {
			name += "（" + c.Condition + "）"
		}
		entries = append(entries, model.Entry{Code: c.Code, Name: name, Status: c.Status})
	}
	return entries
}

// Classifier compares observations with stored state using a taxonomy.
type Classifier struct {
	tax *taxonomy.Taxonomy
}

// NewClassifier creates a classifier. A nil taxonomy selects the default.
func NewClassifier(tax *taxonomy.Taxonomy) *Classifier {
	if tax == nil {
		tax = taxonomy.Default()
	}
	return &Classifier{tax: tax}
}

// Taxonomy returns the hazard table in use.
func (c *Classifier) Taxonomy() *taxonomy.Taxonomy {
	return c.tax
}

// Classify compares obs with last. Tiers only read each other's current and
// last membership, never each other's output.
func (c *Classifier) Classify(obs *model.Observation, last model.AreaState, reportTime time.Time) Result {
	areaCode := last.AreaCode
	if obs != nil && obs.AreaCode != "" {
		areaCode = obs.AreaCode
	}
	res := Result{
		AreaCode:   areaCode,
		ReportTime: reportTime,
		Statuses:   make(map[model.Tier][]Classified),
		Changed:    make(map[model.Tier]bool),
		State:      last,
	}
	if !reportTime.After(last.ReportTime) {
		res.Skipped = true
		return res
	}

	next := model.NewAreaState(areaCode)
	next.ReportTime = reportTime

	for _, tier := range model.Tiers {
		for _, code := range c.tax.Codes(tier) {
			inLast := last.Has(tier, code)
			inCur := obs.Has(tier, code)

			var status model.Status
			switch {
			case inLast && inCur:
				status = model.Continuation
			case inLast:
				status = c.departure(obs, tier, code)
			case inCur:
				status = c.arrival(&last, tier, code)
			default:
				continue
			}

			res.Statuses[tier] = append(res.Statuses[tier], Classified{
				Code:      code,
				Condition: obs.Condition(tier, code),
				Status:    status,
			})
			if status.Changed() {
				res.Changed[tier] = true
			}
			if status.Persists() {
				next.Set(tier).Add(code)
			}
		}
	}

	if res.HasChanges() {
		res.State = *next
	}
	return res
}

// departure labels a code that left tier: the adjacent tier now holding its
// equivalent is blamed, checked up, up2, down, down2.
func (c *Classifier) departure(obs *model.Observation, tier model.Tier, code model.Code) model.Status {
	for _, n := range c.tax.Neighbors(code) {
		if !obs.Has(n.Tier, n.Code) {
			continue
		}
		if n.Tier > tier {
			return model.UpgradeTo(tier, n.Tier)
		}
		return model.DowngradeTo(tier, n.Tier)
	}
	return model.Cancel
}

// arrival labels a code that entered tier, crediting the adjacent tier whose
// last state held its equivalent.
func (c *Classifier) arrival(last *model.AreaState, tier model.Tier, code model.Code) model.Status {
	for _, n := range c.tax.Neighbors(code) {
		if !last.Has(n.Tier, n.Code) {
			continue
		}
		if n.Tier > tier {
			return model.DowngradedFrom(n.Tier, tier)
		}
		return model.UpgradedFrom(n.Tier, tier)
	}
	return model.Announcement
}
