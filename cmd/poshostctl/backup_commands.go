package main

import (
	"github.com/spf13/cobra"

	"github.com/neogan74/poshost/internal/backup"
	"github.com/neogan74/poshost/internal/bridge"
)

func newBackupCmd(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, list, restore and move database backups",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create",
			Short: "Snapshot the database (stops and restarts it)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				var rec backup.Record
				if _, err := cli.call(cmd.Context(), bridge.OpBackupCreate, nil, &rec); err != nil {
					return err
				}
				if cli.printJSON(rec) {
					return nil
				}
				cli.Printf("Created backup %s (%d files, %d bytes)\n", rec.Name, rec.Files, rec.SizeBytes)
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List backups, newest first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				var records []backup.Record
				if _, err := cli.call(cmd.Context(), bridge.OpBackupList, nil, &records); err != nil {
					return err
				}
				if cli.printJSON(records) {
					return nil
				}
				if len(records) == 0 {
					cli.Println("No backups found")
					return nil
				}
				for _, r := range records {
					origin := r.Origin
					if origin == "" {
						origin = "-"
					}
					cli.Printf("%-34s  %s  %s\n", r.Name, r.CreatedAt.Local().Format("2006-01-02 15:04:05"), origin)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "restore <name>",
			Short: "Replace the database with a backup (stops and restarts it)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var res backup.RestoreResult
				raw, err := cli.call(cmd.Context(), bridge.OpBackupRestore, bridge.NameArgs{Name: args[0]}, &res)
				if err != nil {
					cli.restartNotice(raw)
					return err
				}
				if cli.printJSON(res) {
					return nil
				}
				cli.Printf("Restored backup %s\n", res.Name)
				cli.restartNotice(raw)
				return nil
			},
		},
		&cobra.Command{
			Use:   "export <name>",
			Short: "Write a backup to a portable archive",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var res backup.ExportResult
				if _, err := cli.call(cmd.Context(), bridge.OpBackupExport, bridge.NameArgs{Name: args[0]}, &res); err != nil {
					return err
				}
				if cli.printJSON(res) {
					return nil
				}
				cli.Printf("Exported %s to %s\n", args[0], res.Path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "import [archive]",
			Short: "Import an archive from the export directory (newest when omitted)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var in bridge.ImportArgs
				if len(args) == 1 {
					in.Archive = args[0]
				}
				var res backup.ImportResult
				raw, err := cli.call(cmd.Context(), bridge.OpBackupImport, in, &res)
				if err != nil {
					return err
				}
				if cli.printJSON(res) {
					return nil
				}
				cli.Printf("Imported backup %s\n", res.Record.Name)
				cli.restartNotice(raw)
				return nil
			},
		},
		&cobra.Command{
			Use:   "verify <name>",
			Short: "Recompute a backup digest and compare it with the catalog",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var res backup.VerifyResult
				if _, err := cli.call(cmd.Context(), bridge.OpBackupVerify, bridge.NameArgs{Name: args[0]}, &res); err != nil {
					return err
				}
				if cli.printJSON(res) {
					return nil
				}
				if !res.OK {
					cli.Printf("Backup %s is CORRUPT: digest %s, expected %s\n", res.Name, res.Digest, res.Expected)
					return errCorrupt
				}
				cli.Printf("Backup %s OK (%s)\n", res.Name, res.Digest)
				return nil
			},
		},
	)
	return cmd
}
