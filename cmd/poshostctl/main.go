package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/neogan74/poshost/internal/paths"
)

var version = "dev"

func main() {
	cli := NewCLI()
	if err := newRootCmd(cli).Execute(); err != nil {
		fmt.Fprintf(cli.Error, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(cli *CLI) *cobra.Command {
	root := &cobra.Command{
		Use:           "poshostctl",
		Short:         "Operate a running POS host",
		Long:          "poshostctl talks to the capability bridge of a running POS host using the\ntoken file the host writes to its state directory.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(cli.Output)
	root.SetErr(cli.Error)

	defaultRoot := os.Getenv("POSHOST_DATA_ROOT")
	if defaultRoot == "" {
		defaultRoot = paths.DefaultRoot("pos-system")
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cli.global.DataRoot, "data-root", defaultRoot, "Data root of the host")
	flags.StringVar(&cli.global.TokenFile, "token-file", os.Getenv("POSHOST_BRIDGE_TOKEN_FILE"), "Bridge token file (default <data-root>/state/bridge.json)")
	flags.StringVar(&cli.global.URL, "url", "", "Bridge URL, overriding the token file")
	flags.StringVar(&cli.global.Token, "token", "", "Bridge session token, used together with --url")
	flags.DurationVar(&cli.global.Timeout, "timeout", 5*time.Minute, "Request timeout")
	flags.BoolVar(&cli.global.JSON, "json", false, "Print results as JSON")

	root.AddCommand(
		newBackupCmd(cli),
		newStatusCmd(cli),
		newDataPathCmd(cli),
		newInfoCmd(cli),
		newOpsCmd(cli),
		newReceiptCmd(cli),
	)

	return root
}
