// Package bridge is the capability surface the UI talks to: a closed table
// of named operations served over loopback HTTP.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"runtime"
	"sort"

	"github.com/neogan74/poshost/internal/backup"
	"github.com/neogan74/poshost/internal/hosterr"
	"github.com/neogan74/poshost/internal/server"
)

// Operation names a capability.
type Operation string

const (
	OpBackupCreate  Operation = "backup.create"
	OpBackupList    Operation = "backup.list"
	OpBackupRestore Operation = "backup.restore"
	OpBackupExport  Operation = "backup.export"
	OpBackupImport  Operation = "backup.import"
	OpBackupVerify  Operation = "backup.verify"
	OpServerStatus  Operation = "server.status"
	OpDataPath      Operation = "data.path"
	OpReceiptPrint  Operation = "receipt.print"
	OpHostInfo      Operation = "host.info"
)

// Handler executes one operation. args is the raw JSON body, possibly empty.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Backups is the subset of the backup manager exposed to the bridge.
type Backups interface {
	Create(ctx context.Context) (backup.Record, error)
	List(ctx context.Context) ([]backup.Record, error)
	Restore(ctx context.Context, name string) (backup.RestoreResult, error)
	Export(ctx context.Context, name string) (backup.ExportResult, error)
	Import(ctx context.Context, hint string) (backup.ImportResult, error)
	Verify(ctx context.Context, name string) (backup.VerifyResult, error)
}

// ServerStatus reports the application server supervisor state.
type ServerStatus interface {
	Status() server.Status
}

// Deps are the host components reachable through the bridge.
type Deps struct {
	Backups  Backups
	Server   ServerStatus
	Receipts *ReceiptSpool
	DataPath string
	Version  string
	Mode     string
}

// NameArgs is the argument of operations that target one backup.
type NameArgs struct {
	Name string `json:"name"`
}

// ImportArgs optionally names the archive to import.
type ImportArgs struct {
	Archive string `json:"archive,omitempty"`
}

// PathData is returned by data.path.
type PathData struct {
	Path string `json:"path"`
}

// HostInfo is returned by host.info.
type HostInfo struct {
	Platform string `json:"platform"`
	Arch     string `json:"arch"`
	Version  string `json:"version"`
	Mode     string `json:"mode"`
}

// Commands builds the operation table. Nothing outside it is invocable.
func Commands(d Deps) map[Operation]Handler {
	return map[Operation]Handler{
		OpBackupCreate: func(ctx context.Context, _ json.RawMessage) (any, error) {
			return d.Backups.Create(ctx)
		},
		OpBackupList: func(ctx context.Context, _ json.RawMessage) (any, error) {
			return d.Backups.List(ctx)
		},
		OpBackupRestore: func(ctx context.Context, raw json.RawMessage) (any, error) {
			args, err := named(string(OpBackupRestore), raw)
			if err != nil {
				return nil, err
			}
			return d.Backups.Restore(ctx, args.Name)
		},
		OpBackupExport: func(ctx context.Context, raw json.RawMessage) (any, error) {
			args, err := named(string(OpBackupExport), raw)
			if err != nil {
				return nil, err
			}
			return d.Backups.Export(ctx, args.Name)
		},
		OpBackupImport: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args ImportArgs
			if err := decodeArgs(string(OpBackupImport), raw, &args); err != nil {
				return nil, err
			}
			return d.Backups.Import(ctx, args.Archive)
		},
		OpBackupVerify: func(ctx context.Context, raw json.RawMessage) (any, error) {
			args, err := named(string(OpBackupVerify), raw)
			if err != nil {
				return nil, err
			}
			return d.Backups.Verify(ctx, args.Name)
		},
		OpServerStatus: func(context.Context, json.RawMessage) (any, error) {
			return d.Server.Status(), nil
		},
		OpDataPath: func(context.Context, json.RawMessage) (any, error) {
			return PathData{Path: d.DataPath}, nil
		},
		OpReceiptPrint: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var r Receipt
			if err := decodeArgs(string(OpReceiptPrint), raw, &r); err != nil {
				return nil, err
			}
			return d.Receipts.Spool(ctx, r)
		},
		OpHostInfo: func(context.Context, json.RawMessage) (any, error) {
			return HostInfo{Platform: runtime.GOOS, Arch: runtime.GOARCH, Version: d.Version, Mode: d.Mode}, nil
		},
	}
}

// Names lists the operations of a table in lexical order.
func Names(table map[Operation]Handler) []string {
	names := make([]string, 0, len(table))
	for op := range table {
		names = append(names, string(op))
	}
	sort.Strings(names)
	return names
}

// decodeArgs strictly decodes raw into v. An empty body leaves v zero.
func decodeArgs(op string, raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return hosterr.Errorf(hosterr.InvalidArgument, op, "invalid arguments: %v", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return hosterr.Errorf(hosterr.InvalidArgument, op, "invalid arguments: trailing data")
	}
	return nil
}

func named(op string, raw json.RawMessage) (NameArgs, error) {
	var args NameArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return args, err
	}
	if args.Name == "" {
		return args, hosterr.Errorf(hosterr.InvalidArgument, op, "name is required")
	}
	return args, nil
}
