package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"

	"github.com/filecoin-project/deal-importer/commands"
	"github.com/filecoin-project/deal-importer/version"
)

var log = logging.Logger("deal-importer")

func main() {
	// Set the log level here before any commands run so early logging is not lost.
	if err := logging.SetLogLevel("*", "info"); err != nil {
		log.Fatal(err)
	}

	app := &cli.App{
		Name:    "deal-importer",
		Usage:   "Import Filecoin storage market deals into Postgres and classify them",
		Version: version.String(),
		Flags:   commands.GlobalFlags,
		Commands: []*cli.Command{
			commands.ImportCmd,
			commands.TagCmd,
			commands.RunCmd,
			commands.MigrateCmd,
			commands.ConfigCmd,
		},
	}
	app.Setup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Errorf("%+v", err)
		stop()
		os.Exit(1)
	}
}
