package bulletin

import (
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/emerry-tsun/JMA/pkg/model"
	"github.com/emerry-tsun/JMA/pkg/taxonomy"
)

// Bulletin is the part of a warning report the classifier needs.
type Bulletin struct {
	Title        string
	ReportTime   time.Time
	Observations []*model.Observation
}

// Observation returns the observation for an area, if the bulletin has one.
func (b *Bulletin) Observation(area string) (*model.Observation, bool) {
	for _, o := range b.Observations {
		if o.AreaCode == area {
			return o, true
		}
	}
	return nil, false
}

type reportXML struct {
	Head struct {
		Title          string `xml:"Title"`
		ReportDateTime string `xml:"ReportDateTime"`
	} `xml:"Head"`
	Body struct {
		Warnings []warningXML `xml:"Warning"`
	} `xml:"Body"`
}

type warningXML struct {
	Type  string    `xml:"type,attr"`
	Items []itemXML `xml:"Item"`
}

type itemXML struct {
	Kinds []kindXML `xml:"Kind"`
	Area  struct {
		Name string `xml:"Name"`
		Code string `xml:"Code"`
	} `xml:"Area"`
}

type kindXML struct {
	Name      *string `xml:"Name"`
	Code      *string `xml:"Code"`
	Status    *string `xml:"Status"`
	Condition *string `xml:"Condition"`
}

// ParseBulletin decodes a JMA warning report. Only items in the warningType
// block whose area is listed in areas are kept; an empty areas list keeps all.
// Malformed hazard entries are skipped and logged.
func ParseBulletin(r io.Reader, warningType string, areas []string, tax *taxonomy.Taxonomy, logger *slog.Logger) (*Bulletin, error) {
	var doc reportXML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode bulletin: %w", err)
	}

	reported, err := time.Parse(time.RFC3339, strings.TrimSpace(doc.Head.ReportDateTime))
	if err != nil {
		return nil, fmt.Errorf("parse report time %q: %w", doc.Head.ReportDateTime, err)
	}

	b := &Bulletin{Title: strings.TrimSpace(doc.Head.Title), ReportTime: reported}
	byArea := make(map[string]*model.Observation)

	for _, w := range doc.Body.Warnings {
		if w.Type != warningType {
			continue
		}
		for _, item := range w.Items {
			area := strings.TrimSpace(item.Area.Code)
			if area == "" || (len(areas) > 0 && !slices.Contains(areas, area)) {
				continue
			}
			obs, ok := byArea[area]
			if !ok {
				obs = model.NewObservation(area)
				byArea[area] = obs
				b.Observations = append(b.Observations, obs)
			}
			for _, k := range item.Kinds {
				addKind(obs, k, tax, logger)
			}
		}
	}
	return b, nil
}

func addKind(obs *model.Observation, k kindXML, tax *taxonomy.Taxonomy, logger *slog.Logger) {
	if k.Code == nil || k.Name == nil || k.Status == nil {
		logger.Debug("skip incomplete hazard entry", "area", obs.AreaCode)
		return
	}
	status := strings.TrimSpace(*k.Status)
	if model.ParseStatus(status).Kind == model.KindCancel {
		return
	}
	code, err := model.ParseCode(*k.Code)
	if err != nil {
		logger.Debug("skip hazard entry", "area", obs.AreaCode, "error", err)
		return
	}
	tier, ok := tax.TierOf(code)
	if !ok {
		logger.Debug("skip hazard code outside every tier", "area", obs.AreaCode, "code", code.String())
		return
	}
	var cond string
	if k.Condition != nil {
		cond = strings.TrimSpace(*k.Condition)
	}
	obs.Add(tier, code, cond)
}
