package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/emerry-tsun/JMA/pkg/model"
)

var hazardsCmd = &cobra.Command{
	Use:   "hazards",
	Short: "List hazard codes with their tier and cross-tier equivalents",
	RunE:  runHazards,
}

func init() {
	rootCmd.AddCommand(hazardsCmd)
}

func runHazards(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tax, err := initTaxonomy(cfg)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "CODE\tTIER\tJA\tEN\tADVISORY\tWARNING\tEMERGENCY\n")
	for _, h := range tax.Hazards() {
		tier, _ := tax.TierOf(h.Code)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s", h.Code, tier, h.JA, h.EN)
		for _, to := range model.Tiers {
			if to == tier {
				fmt.Fprintf(w, "\t%s", h.Code)
				continue
			}
			eq, ok := tax.Equivalent(h.Code, to)
			if !ok {
				fmt.Fprintf(w, "\t-")
				continue
			}
			fmt.Fprintf(w, "\t%s", eq)
		}
		fmt.Fprintln(w)
	}
	return w.Flush()
}
