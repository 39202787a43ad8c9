package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shizukutanaka/batchd/internal/api"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running daemon's status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("api-url", "http://127.0.0.1:8081", "API server URL")
	statusCmd.Flags().String("format", "table", "Output format (table, json, yaml)")
	statusCmd.Flags().Duration("timeout", 5*time.Second, "Request timeout")
}

func runStatus(cmd *cobra.Command, args []string) error {
	apiURL, _ := cmd.Flags().GetString("api-url")
	format, _ := cmd.Flags().GetString("format")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	status, err := api.NewClient(apiURL, timeout).Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch status: %w", err)
	}
	return displayStatus(cmd.OutOrStdout(), status, format)
}

func displayStatus(w io.Writer, status *api.Status, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	case "yaml":
		data, err := yaml.Marshal(status)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	case "table", "":
		displayTable(w, status)
		return nil
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func displayTable(w io.Writer, status *api.Status) {
	e := status.Engine

	fmt.Fprintf(w, "batchd %s - up %s\n\n", status.Version, (time.Duration(status.Uptime) * time.Second).String())

	fmt.Fprintln(w, "Engine:")
	fmt.Fprintf(w, "  Target           : %s\n", orDash(e.Target))
	fmt.Fprintf(w, "  Phase            : %s\n", e.Phase)
	fmt.Fprintf(w, "  Fraction         : %.2f%% (%.2f%% - %.2f%%)\n", e.Fraction*100, e.MinFrac*100, e.MaxFrac*100)
	fmt.Fprintf(w, "  Cycles           : %s\n", humanize.Comma(e.Cycles))
	fmt.Fprintf(w, "  Dry run          : %t\n", e.DryRun)
	if !e.Started.IsZero() {
		fmt.Fprintf(w, "  Started          : %s\n", humanize.Time(e.Started))
	}

	fmt.Fprintln(w, "\nTarget state:")
	fmt.Fprintf(w, "  Money            : $%s / $%s\n", humanize.Commaf(math.Round(e.Resource.Money)), humanize.Commaf(math.Round(e.Resource.MaxMoney)))
	fmt.Fprintf(w, "  Security         : %.2f (floor %.2f)\n", e.Resource.SecurityLevel, e.Resource.MinSecurity)
	fmt.Fprintf(w, "  Yield ratio      : last %.3f, mean %.3f, stddev %.3f over %d samples\n",
		e.Yield.Last, e.Yield.Mean, e.Yield.StdDev, e.Yield.Samples)

	fmt.Fprintln(w, "\nLast cycle:")
	fmt.Fprintf(w, "  Plan             : hack=%d grow=%d weaken1=%d weaken2=%d\n",
		e.LastCycle.Plan.Hack, e.LastCycle.Plan.Grow, e.LastCycle.Plan.Weaken1, e.LastCycle.Plan.Weaken2)
	fmt.Fprintf(w, "  Batches          : %d dispatched / %d attempted\n", e.LastCycle.BatchesDispatched, e.LastCycle.BatchesAttempted)
	fmt.Fprintf(w, "  Denied           : %t\n", e.LastCycle.Denied)
	fmt.Fprintf(w, "  Prep             : %d reductions, %d growths\n", e.LastPrep.Reductions, e.LastPrep.Growths)

	fmt.Fprintln(w, "\nTotals:")
	fmt.Fprintf(w, "  Stages           : %s dispatched, %s failed, %s simulated\n",
		humanize.Comma(e.Totals.StagesDispatched), humanize.Comma(e.Totals.StagesFailed), humanize.Comma(e.Totals.StagesSimulated))
	fmt.Fprintf(w, "  Denials          : %s\n", humanize.Comma(e.Totals.Denials))
	fmt.Fprintf(w, "  Skipped cycles   : %s\n", humanize.Comma(e.Totals.SkippedCycles))

	if status.Host != nil {
		fmt.Fprintln(w, "\nHost:")
		fmt.Fprintf(w, "  Capacity         : %.1f / %.1f (%.1f%%)\n", status.Host.Used, status.Host.Total, status.Host.Utilization*100)
	}

	if len(e.Errors) > 0 {
		fmt.Fprintln(w, "\nAbsorbed errors:")
		for kind, n := range e.Errors {
			fmt.Fprintf(w, "  %-32s %s\n", kind, humanize.Comma(n))
		}
	}
	if e.LastError != "" {
		fmt.Fprintf(w, "  Last error       : %s\n", e.LastError)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
