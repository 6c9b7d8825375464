package commands

import (
	"context"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"
)

var RunCmd = &cli.Command{
	Name:  "run",
	Usage: "Import a market deals dump and then tag the imported deals.",
	Description: `
	Runs import followed by tag. Tagging starts only after every batch and
	client lookup of the import has finished, and is skipped when the import
	stops on a fatal error.
`,
	Flags: append(append([]cli.Flag{}, importCmdFlags...), tagCmdFlags[:2]...),
	Action: func(cctx *cli.Context) error {
		cfg, err := setup(cctx)
		if err != nil {
			return err
		}
		applyImportFlags(cctx, cfg)
		applyTagFlags(cctx, cfg)

		ctx := cctx.Context
		db, err := openDatabase(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		defer db.Close(context.Background()) // nolint: errcheck

		report, err := runImport(ctx, cfg, db)
		printImportReport(cctx.App.Writer, report)
		if err != nil {
			return xerrors.Errorf("import: %w", err)
		}

		if err := runTagging(ctx, cctx.App.Writer, cfg, db); err != nil {
			return xerrors.Errorf("tag: %w", err)
		}
		return nil
	},
}
