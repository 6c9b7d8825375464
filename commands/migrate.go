package commands

import (
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/deal-importer/schemas"
	"github.com/filecoin-project/deal-importer/storage"
)

var MigrateCmd = &cli.Command{
	Name:  "migrate",
	Usage: "Reports and verifies the current database schema version and latest available for migration. Use --to or --latest to perform a schema migration.",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "to",
			Usage: "Migrate the schema to the `VERSION`, for example 1.2.",
		},
		&cli.BoolFlag{
			Name:  "latest",
			Value: false,
			Usage: "Migrate the schema to the latest version.",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := setup(cctx)
		if err != nil {
			return err
		}
		ctx := cctx.Context

		s := cfg.Storage
		db, err := storage.NewDatabase(ctx, s.DatabaseURL(), 1, s.ApplicationName, s.SchemaName)
		if err != nil {
			return xerrors.Errorf("new database: %w", err)
		}

		if cctx.IsSet("to") {
			target, err := schemas.ParseVersion(cctx.String("to"))
			if err != nil {
				return xerrors.Errorf("invalid schema version: %w", err)
			}
			if err := db.MigrateSchemaTo(ctx, target); err != nil {
				return xerrors.Errorf("migrate schema to: %w", err)
			}
		} else if cctx.Bool("latest") {
			if err := db.MigrateSchema(ctx); err != nil {
				return xerrors.Errorf("migrate schema: %w", err)
			}
		}

		dbVersion, latestVersion, err := db.GetSchemaVersions(ctx)
		if err != nil {
			return xerrors.Errorf("get schema versions: %w", err)
		}

		log.Infof("current database schema is version %s, latest is %s", dbVersion, latestVersion)

		if err := db.VerifyCurrentSchema(ctx); err != nil {
			return xerrors.Errorf("verify schema: %w", err)
		}

		log.Infof("database schema is supported by this version of deal-importer")
		return nil
	},
}
