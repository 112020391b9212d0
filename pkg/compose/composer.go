// Package compose renders classified warnings into bilingual, length-bounded
// alert posts with hashtag and link facets.
package compose

import (
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emerry-tsun/JMA/pkg/model"
)

const (
	// MaxLength is the character ceiling for a post, one below the platform's 300.
	MaxLength = 299

	// DefaultLinkFormat is filled with the area code and language.
	DefaultLinkFormat = "https://www.jma.go.jp/bosai/warning/#area_type=class20s&area_code=%s&lang=%s"

	overflowKey = 50
	ellipsis    = "…"
)

// Account describes where and how a post is published.
type Account struct {
	Name     string
	Lang     model.Lang
	AreaCode string
	AreaName string
	Tier     model.Tier
	// Grade is the tier name shown in the header, e.g. 警報 or Warning.
	Grade string
	// Tags is a space-separated hashtag list without '#'.
	Tags string
}

// Composer builds posts. It holds no mutable state.
type Composer struct {
	loc        *time.Location
	linkFormat string
}

// Option configures a Composer.
type Option func(*Composer)

// WithLocation sets the zone used for the trailing timestamp.
func WithLocation(loc *time.Location) Option {
	return func(c *Composer) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// WithLinkFormat overrides the reference link format. An empty format drops the link.
func WithLinkFormat(format string) Option {
	return func(c *Composer) { c.linkFormat = format }
}

// New creates a Composer. The default zone is Asia/Tokyo.
func New(opts ...Option) *Composer {
	c := &Composer{linkFormat: DefaultLinkFormat}
	if loc, err := time.LoadLocation("Asia/Tokyo"); err == nil {
		c.loc = loc
	} else {
		c.loc = time.FixedZone("JST", 9*60*60)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type group struct {
	status model.Status
	names  []string
}

// Compose renders entries for one account.
func (c *Composer) Compose(acct Account, entries []model.Entry, reportTime time.Time) model.Post {
	groups := make(map[int]*group)
	unknown := make(map[string]int)
	next := overflowKey

	for _, e := range entries {
		key, ok := e.Status.Priority()
		if !ok {
			if k, seen := unknown[e.Status.Raw]; seen {
				key = k
			} else {
				key = next
				unknown[e.Status.Raw] = key
				next++
				if next == continuationKey() {
					next++
				}
			}
		}
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
		}
		g.status = e.Status
		g.names = append(g.names, e.Name)
	}

	keys := make([]int, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	if acct.Lang == model.LangEN {
		fmt.Fprintf(&b, "%% %s : %s %%\n", acct.AreaName, acct.Grade)
	} else {
		fmt.Fprintf(&b, "【%s：%s】\n", acct.AreaName, acct.Grade)
	}

	for _, key := range keys {
		if key < 0 {
			continue
		}
		g := groups[key]
		label := g.status.Label(acct.Lang)
		if acct.Lang == model.LangEN {
			names := strings.Join(g.names, ", ")
			switch {
			case key < 10:
				fmt.Fprintf(&b, "[%s] %s\n", label, names)
			case key < overflowKey:
				fmt.Fprintf(&b, "-%s- %s\n", label, names)
			default:
				fmt.Fprintf(&b, "{%s} %s\n", label, names)
			}
			continue
		}
		names := strings.Join(g.names, "、")
		grade := gradeFor(g.status, acct)
		switch {
		case key < 10:
			fmt.Fprintf(&b, "《%s》 %s %s\n", label, names, grade)
		case key < overflowKey:
			fmt.Fprintf(&b, "‥%s‥ %s %s\n", label, names, grade)
		default:
			fmt.Fprintf(&b, "｛%s｝ %s %s\n", label, names, grade)
		}
	}

	fmt.Fprintf(&b, " (%s)", reportTime.In(c.loc).Format("2006-01-02 15:04"))

	text := truncate(b.String(), MaxLength)
	post := model.Post{Account: acct.Name, AreaCode: acct.AreaCode, Tier: acct.Tier, Lang: acct.Lang}

	if tags := strings.Fields(acct.Tags); len(tags) > 0 {
		suffix := "\n "
		var facets []model.Facet
		for _, tag := range tags {
			start := len(text) + len(suffix)
			suffix += "#" + tag
			facets = append(facets, model.Facet{Start: start, End: len(text) + len(suffix), Tag: tag})
			suffix += " "
		}
		// The whole block is measured, separators included.
		if utf8.RuneCountInString(text)+utf8.RuneCountInString(suffix) < MaxLength {
			text += suffix
			post.Facets = append(post.Facets, facets...)
		}
	}

	if c.linkFormat != "" && acct.AreaCode != "" {
		label := "\n[気象庁サイトへ]"
		if acct.Lang == model.LangEN {
			label = "\n[To JMA site]"
		}
		if utf8.RuneCountInString(text)+utf8.RuneCountInString(label) < MaxLength {
			start := len(text) + 1
			text += label
			post.Facets = append(post.Facets, model.Facet{
				Start: start,
				End:   len(text),
				URI:   fmt.Sprintf(c.linkFormat, acct.AreaCode, acct.Lang),
			})
		}
	}

	post.Text = text
	return post
}

func continuationKey() int {
	k, _ := model.Continuation.Priority()
	return k
}

// gradeFor shows the destination tier for a "change to" line, else the account's grade.
func gradeFor(s model.Status, acct Account) string {
	if s.Kind == model.KindUpgrade && !s.Reverse {
		return s.To.Name(acct.Lang)
	}
	return acct.Grade
}

// truncate cuts s to at most limit runes, ending in an ellipsis when cut.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + ellipsis
}
