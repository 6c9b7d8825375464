package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/filecoin-project/deal-importer/config"
	"github.com/filecoin-project/deal-importer/storage"
	"github.com/filecoin-project/deal-importer/tasks/dealtags"
	"github.com/filecoin-project/deal-importer/wait"
)

type tagOpts struct {
	Threshold int64
	Maturity  time.Duration
	Interval  time.Duration
}

var tagFlags tagOpts

var tagCmdFlags = []cli.Flag{
	&cli.Int64Flag{
		Name:        "unique-threshold",
		Value:       dealtags.DefaultThreshold,
		Usage:       "Total piece size in `BYTES` an owner must exceed before its deals can be unique",
		Destination: &tagFlags.Threshold,
	},
	&cli.DurationFlag{
		Name:        "unique-maturity",
		Value:       dealtags.DefaultMaturity,
		Usage:       "How long ago an owner's latest sector must have started before its deals can be unique",
		Destination: &tagFlags.Maturity,
	},
	&cli.DurationFlag{
		Name:        "interval",
		Usage:       "Repeat tagging on this interval instead of exiting after one run",
		Destination: &tagFlags.Interval,
	},
}

var TagCmd = &cli.Command{
	Name:  "tag",
	Usage: "Classify verified deals as over-replicated, shared or unique.",
	Flags: tagCmdFlags,
	Action: func(cctx *cli.Context) error {
		cfg, err := setup(cctx)
		if err != nil {
			return err
		}
		applyTagFlags(cctx, cfg)

		ctx := cctx.Context
		db, err := openDatabase(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		defer db.Close(context.Background()) // nolint: errcheck

		return runTagging(ctx, cctx.App.Writer, cfg, db)
	},
}

func applyTagFlags(cctx *cli.Context, cfg *config.Conf) {
	if cctx.IsSet("unique-threshold") {
		cfg.Tagging.Threshold = tagFlags.Threshold
	}
	if cctx.IsSet("unique-maturity") {
		cfg.Tagging.Maturity = config.Duration(tagFlags.Maturity)
	}
}

func runTagging(ctx context.Context, w io.Writer, cfg *config.Conf, db *storage.Database) error {
	tagger := dealtags.NewTagger(db,
		dealtags.WithThreshold(cfg.Tagging.Threshold),
		dealtags.WithMaturity(time.Duration(cfg.Tagging.Maturity)),
	)
	return wait.RepeatUntil(ctx, tagFlags.Interval, func(ctx context.Context) (bool, error) {
		report, err := tagger.Run(ctx)
		printTagReport(w, report)
		return false, err
	})
}

func printTagReport(w io.Writer, r *dealtags.TagReport) {
	if r == nil {
		return
	}
	fmt.Fprintf(w, "tags pruned:        %d\n", r.Pruned)
	fmt.Fprintf(w, "over-replication:   %d rows\n", r.OverReplicated)
	fmt.Fprintf(w, "sharing:            %d rows\n", r.Shared)
	fmt.Fprintf(w, "uniqueness:         %d rows\n", r.Unique)
	fmt.Fprintf(w, "duration:           %s\n", r.Duration)
}
