package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/emerry-tsun/JMA/pkg/model"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and reset stored area state",
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the active codes stored for every area",
	RunE:  runStateList,
}

var stateShowCmd = &cobra.Command{
	Use:   "show <area>",
	Short: "Show one area's stored state as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateShow,
}

var stateResetCmd = &cobra.Command{
	Use:   "reset <area>",
	Short: "Forget an area so its next bulletin is announced from scratch",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateReset,
}

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.AddCommand(stateListCmd, stateShowCmd, stateResetCmd)
}

func runStateList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := initStorage(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	states, err := store.ListAreaStates(cmd.Context())
	if err != nil {
		return fmt.Errorf("list area states: %w", err)
	}
	if len(states) == 0 {
		fmt.Println("No area state stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "AREA\tADVISORY\tWARNING\tEMERGENCY\tREPORTED\n")
	for _, s := range states {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.AreaCode,
			orDash(s.Active[model.TierAdvisory].String()),
			orDash(s.Active[model.TierWarning].String()),
			orDash(s.Active[model.TierEmergency].String()),
			s.ReportTime.Format("2006-01-02 15:04"),
		)
	}
	return w.Flush()
}

func runStateShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := initStorage(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	state, err := store.GetAreaState(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("get area state: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(state)
}

func runStateReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := initStorage(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.DeleteAreaState(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("reset area state: %w", err)
	}
	fmt.Printf("Area %s reset.\n", args[0])
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
