package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/emerry-tsun/JMA/pkg/model"
)

var deliveriesCmd = &cobra.Command{
	Use:   "deliveries",
	Short: "List recent publish outcomes",
	RunE:  runDeliveries,
}

func init() {
	rootCmd.AddCommand(deliveriesCmd)
	deliveriesCmd.Flags().StringP("account", "a", "", "Filter by account")
	deliveriesCmd.Flags().String("area", "", "Filter by area code")
	deliveriesCmd.Flags().String("status", "", "Filter by status (sent, failed)")
	deliveriesCmd.Flags().IntP("limit", "n", 20, "Maximum number of rows")
}

func runDeliveries(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	account, _ := cmd.Flags().GetString("account")
	area, _ := cmd.Flags().GetString("area")
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	filter := model.DeliveryFilter{
		Account:  account,
		AreaCode: area,
		Status:   model.DeliveryStatus(status),
		Limit:    limit,
	}
	switch filter.Status {
	case "", model.DeliverySent, model.DeliveryFailed:
	default:
		return fmt.Errorf("invalid status %q: must be sent or failed", status)
	}

	store, err := initStorage(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	deliveries, err := store.ListDeliveries(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("list deliveries: %w", err)
	}
	if len(deliveries) == 0 {
		fmt.Println("No deliveries found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "TIME\tACCOUNT\tAREA\tTIER\tLANG\tSTATUS\tATTEMPTS\tTEXT\n")
	for _, d := range deliveries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			d.CreatedAt.Format("2006-01-02 15:04:05"),
			d.Account, d.AreaCode, d.Tier, d.Lang, d.Status, d.Attempts,
			firstLine(d.Text),
		)
	}
	return w.Flush()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
