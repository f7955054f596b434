package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/neogan74/poshost/internal/bridge"
	"github.com/neogan74/poshost/internal/server"
)

var errCorrupt = errors.New("backup verification failed")

func newStatusCmd(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the application server status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st server.Status
			if _, err := cli.call(cmd.Context(), bridge.OpServerStatus, nil, &st); err != nil {
				return err
			}
			if cli.printJSON(st) {
				return nil
			}
			switch {
			case !st.Managed:
				cli.Printf("Server: external (port %d)\n", st.Port)
			case st.Running:
				cli.Printf("Server: running (pid %d, port %d, ready %t)\n", st.PID, st.Port, st.Ready)
			case st.Exit != "":
				cli.Printf("Server: exited (%s)\n", st.Exit)
			default:
				cli.Printf("Server: stopped\n")
			}
			return nil
		},
	}
}

func newDataPathCmd(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "data-path",
		Short: "Print the host data root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var p bridge.PathData
			if _, err := cli.call(cmd.Context(), bridge.OpDataPath, nil, &p); err != nil {
				return err
			}
			if !cli.printJSON(p) {
				cli.Println(p.Path)
			}
			return nil
		},
	}
}

func newInfoCmd(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show host platform, version and mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var info bridge.HostInfo
			if _, err := cli.call(cmd.Context(), bridge.OpHostInfo, nil, &info); err != nil {
				return err
			}
			if !cli.printJSON(info) {
				cli.Printf("Version:  %s\nMode:     %s\nPlatform: %s/%s\n", info.Version, info.Mode, info.Platform, info.Arch)
			}
			return nil
		},
	}
}

func newOpsCmd(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "ops",
		Short: "List the operations the host accepts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := cli.NewClient(&cli.global)
			if err != nil {
				return err
			}
			ops, err := client.Operations(cmd.Context())
			if err != nil {
				return err
			}
			if cli.printJSON(ops) {
				return nil
			}
			for _, op := range ops {
				cli.Println(op)
			}
			return nil
		},
	}
}

func newReceiptCmd(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "receipt <file.json>",
		Short: "Queue a receipt for printing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var r bridge.Receipt
			if err := json.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("parse receipt: %w", err)
			}
			var res bridge.SpoolResult
			if _, err := cli.call(cmd.Context(), bridge.OpReceiptPrint, r, &res); err != nil {
				return err
			}
			if !cli.printJSON(res) {
				cli.Printf("Queued print job %s\n", res.JobID)
			}
			return nil
		},
	}
}
