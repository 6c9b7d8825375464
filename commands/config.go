package commands

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/deal-importer/config"
)

var ConfigCmd = &cli.Command{
	Name:  "config",
	Usage: "Manage the deal-importer configuration file.",
	Subcommands: []*cli.Command{
		configInitCmd,
		configDefaultCmd,
	},
}

var configInitCmd = &cli.Command{
	Name:  "init",
	Usage: "Write a commented default config to the config path unless one already exists.",
	Action: func(cctx *cli.Context) error {
		path, err := config.ExpandPath(ImporterCmdFlags.Config)
		if err != nil {
			return err
		}
		if err := config.EnsureExists(path); err != nil {
			return xerrors.Errorf("init config %s: %w", path, err)
		}
		fmt.Fprintf(cctx.App.Writer, "config at %s\n", path)
		return nil
	},
}

var configDefaultCmd = &cli.Command{
	Name:  "default",
	Usage: "Print the default config.",
	Action: func(cctx *cli.Context) error {
		comm, err := config.ConfigComment(config.DefaultConf())
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(comm)
		return err
	},
}
