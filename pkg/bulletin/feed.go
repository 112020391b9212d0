// Package bulletin reads the JMA extra feed and municipal warning bulletins.
package bulletin

import (
	"encoding/xml"
	"fmt"
	"io"
	"slices"
	"strings"
)

const (
	// DefaultFeedURL is the JMA high-frequency feed for irregular bulletins.
	DefaultFeedURL = "https://www.data.jma.go.jp/developer/xml/feed/extra.xml"

	// DefaultItemTitle selects weather warning bulletins in the feed.
	DefaultItemTitle = "気象特別警報・警報・注意報"

	// DefaultWarningType selects the per-municipality warning block.
	DefaultWarningType = "気象警報・注意報（市町村等）"
)

// Feed is a parsed Atom feed.
type Feed struct {
	Title   string  `xml:"title"`
	Updated string  `xml:"updated"`
	Entries []Entry `xml:"entry"`
}

// Entry is one Atom entry pointing at a bulletin document.
type Entry struct {
	Title   string `xml:"title"`
	ID      string `xml:"id"`
	Updated string `xml:"updated"`
	Author  string `xml:"author>name"`
	Content string `xml:"content"`
	Link    struct {
		Href string `xml:"href,attr"`
		Type string `xml:"type,attr"`
	} `xml:"link"`
}

// URL returns the bulletin document location.
func (e Entry) URL() string {
	if e.Link.Href != "" {
		return e.Link.Href
	}
	return e.ID
}

// ParseFeed decodes an Atom document.
func ParseFeed(r io.Reader) (*Feed, error) {
	var f Feed
	if err := xml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	return &f, nil
}

// Link is a bulletin to fetch together with the configured areas it may cover.
type Link struct {
	URL   string
	Areas []string
}

// Covers reports whether the link was matched for an area.
func (l Link) Covers(area string) bool {
	return slices.Contains(l.Areas, area)
}

// MatchEntries picks entries titled title whose content names one of the
// prefectures. prefectures maps a prefecture name to its area codes.
// Links keep feed order; a bulletin mentioning several prefectures covers
// the union of their areas.
func MatchEntries(feed *Feed, title string, prefectures map[string][]string) []Link {
	var links []Link
	index := make(map[string]int)

	names := make([]string, 0, len(prefectures))
	for name := range prefectures {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, e := range feed.Entries {
		if strings.TrimSpace(e.Title) != title {
			continue
		}
		url := e.URL()
		if url == "" {
			continue
		}
		for _, pref := range names {
			if !strings.Contains(e.Content, pref) {
				continue
			}
			i, ok := index[url]
			if !ok {
				i = len(links)
				index[url] = i
				links = append(links, Link{URL: url})
			}
			for _, area := range prefectures[pref] {
				if !slices.Contains(links[i].Areas, area) {
					links[i].Areas = append(links[i].Areas, area)
				}
			}
		}
	}
	return links
}
