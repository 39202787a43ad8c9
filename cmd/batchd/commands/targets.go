package commands

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/shizukutanaka/batchd/internal/batcher"
	"github.com/shizukutanaka/batchd/internal/config"
	"github.com/shizukutanaka/batchd/internal/sim"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// targetsCmd represents the targets command
var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "Score the configured resources and show which would be selected",
	RunE:  runTargets,
}

func init() {
	rootCmd.AddCommand(targetsCmd)

	targetsCmd.Flags().Bool("sort", false, "Sort by score instead of discovery order")
}

func runTargets(cmd *cobra.Command, args []string) error {
	sortByScore, _ := cmd.Flags().GetBool("sort")

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	world, err := sim.NewWorld(zap.NewNop(), cfg.Sim)
	if err != nil {
		return err
	}
	defer world.Close()

	return printTargets(cmd.Context(), cmd.OutOrStdout(), world, cfg.Batcher.ScoreMargin, sortByScore)
}

type targetSource interface {
	batcher.Topology
	batcher.ResourceReader
}

func printTargets(ctx context.Context, w io.Writer, src targetSource, margin float64, sortByScore bool) error {
	candidates, err := src.Candidates(ctx)
	if err != nil {
		return err
	}
	ids := batcher.AccessibleIDs(candidates)

	selector := batcher.NewTargetSelector(zap.NewNop(), src, margin)
	scored := selector.Score(ctx, ids)
	selected, selErr := selector.Select(ctx, ids)

	if sortByScore {
		sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tMAX MONEY\tMIN SEC\tSCORE\tNOTE")
	for _, sc := range scored {
		marker := ""
		if sc.Resource.ID == selected {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t$%s\t%.2f\t%s\t%s\n",
			marker,
			sc.Resource.ID,
			humanize.Commaf(math.Round(sc.Resource.MaxMoney)),
			sc.Resource.MinSecurity,
			humanize.Commaf(math.Round(sc.Score)),
			sc.Reason,
		)
	}
	for _, c := range candidates {
		if !c.HasAccess {
			fmt.Fprintf(tw, "\t%s\t-\t-\t-\tno access\n", c.ID)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if selErr != nil {
		fmt.Fprintf(w, "\nNo target: %v\n", selErr)
	}
	return nil
}
