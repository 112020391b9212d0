package relay

import "github.com/emerry-tsun/JMA/pkg/model"

// Area is one watched municipality and the accounts its alerts go to.
type Area struct {
	Code       string
	Name       string
	NameEN     string
	Prefecture string
	Tags       string
	TagsEN     string

	// Accounts maps a tier and language to an account name.
	Accounts map[model.Tier]map[model.Lang]string
}

// Account returns the account for tier and lang, or "".
func (a Area) Account(tier model.Tier, lang model.Lang) string {
	return a.Accounts[tier][lang]
}

// DisplayName returns the area name in lang, falling back to the Japanese name.
func (a Area) DisplayName(lang model.Lang) string {
	if lang == model.LangEN && a.NameEN != "" {
		return a.NameEN
	}
	return a.Name
}

// TagsFor returns the hashtags for lang.
func (a Area) TagsFor(lang model.Lang) string {
	if lang == model.LangEN {
		return a.TagsEN
	}
	return a.Tags
}

// Prefectures groups area codes by the prefecture name used to match feed entries.
func Prefectures(areas []Area) map[string][]string {
	out := make(map[string][]string)
	for _, a := range areas {
		if a.Prefecture == "" {
			continue
		}
		out[a.Prefecture] = append(out[a.Prefecture], a.Code)
	}
	return out
}
