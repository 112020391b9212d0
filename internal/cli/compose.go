package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/emerry-tsun/JMA/pkg/compose"
	"github.com/emerry-tsun/JMA/pkg/model"
	"github.com/emerry-tsun/JMA/pkg/taxonomy"
)

var composeCmd = &cobra.Command{
	Use:   "compose",
	Short: "Preview the post for a set of hazard statuses",
	Long: `Render a post offline. Each --entry is CODE=LABEL where LABEL is a JMA status
label such as 発表, 継続 or 警報から注意報, e.g. --entry 03=発表 --entry 14=継続.`,
	RunE: runCompose,
}

func init() {
	rootCmd.AddCommand(composeCmd)
	composeCmd.Flags().String("area", "", "Area code used for the reference link")
	composeCmd.Flags().String("name", "", "Area name shown in the header")
	composeCmd.Flags().String("tier", "warning", "Tier (advisory, warning, emergency)")
	composeCmd.Flags().String("lang", "ja", "Language (ja, en)")
	composeCmd.Flags().String("tags", "", "Space-separated hashtags")
	composeCmd.Flags().String("time", "", "Report time, RFC3339 (default now)")
	composeCmd.Flags().StringArrayP("entry", "e", nil, "CODE=LABEL (repeatable)")
}

func runCompose(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	area, _ := cmd.Flags().GetString("area")
	name, _ := cmd.Flags().GetString("name")
	tierFlag, _ := cmd.Flags().GetString("tier")
	langFlag, _ := cmd.Flags().GetString("lang")
	tags, _ := cmd.Flags().GetString("tags")
	timeFlag, _ := cmd.Flags().GetString("time")
	rawEntries, _ := cmd.Flags().GetStringArray("entry")

	tier, err := model.ParseTier(tierFlag)
	if err != nil {
		return err
	}
	lang, err := model.ParseLang(langFlag)
	if err != nil {
		return err
	}
	reportTime := time.Now()
	if timeFlag != "" {
		if reportTime, err = time.Parse(time.RFC3339, timeFlag); err != nil {
			return fmt.Errorf("parse --time: %w", err)
		}
	}

	tax, err := initTaxonomy(cfg)
	if err != nil {
		return err
	}
	entries, err := parseEntries(rawEntries, lang, tax)
	if err != nil {
		return err
	}
	composer, err := initComposer(cfg)
	if err != nil {
		return err
	}
	if name == "" {
		name = area
	}

	post := composer.Compose(compose.Account{
		Name:     "preview",
		Lang:     lang,
		AreaCode: area,
		AreaName: name,
		Tier:     tier,
		Grade:    tier.Name(lang),
		Tags:     tags,
	}, entries, reportTime)

	fmt.Println(post.Text)
	fmt.Printf("\n(%d characters)\n", len([]rune(post.Text)))
	for _, f := range post.Facets {
		if f.URI != "" {
			fmt.Printf("link [%d:%d] %s\n", f.Start, f.End, f.URI)
		} else {
			fmt.Printf("tag  [%d:%d] #%s\n", f.Start, f.End, f.Tag)
		}
	}
	return nil
}

// parseEntries turns CODE=LABEL pairs into composer entries.
func parseEntries(raw []string, lang model.Lang, tax *taxonomy.Taxonomy) ([]model.Entry, error) {
	entries := make([]model.Entry, 0, len(raw))
	for _, r := range raw {
		codeStr, label, ok := strings.Cut(r, "=")
		if !ok {
			return nil, fmt.Errorf("entry %q: want CODE=LABEL", r)
		}
		code, err := model.ParseCode(strings.TrimSpace(codeStr))
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", r, err)
		}
		if _, ok := tax.TierOf(code); !ok {
			return nil, fmt.Errorf("entry %q: code %s is not a known hazard", r, code)
		}
		entries = append(entries, model.Entry{
			Code:   code,
			Name:   tax.Name(code, lang),
			Status: model.ParseStatus(strings.TrimSpace(label)),
		})
	}
	return entries, nil
}
