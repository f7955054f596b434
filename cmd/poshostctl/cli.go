package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/neogan74/poshost/internal/bridge"
	"github.com/neogan74/poshost/internal/paths"
)

// CLI holds the dependencies shared by every command.
type CLI struct {
	Output io.Writer
	Error  io.Writer

	// NewClient builds the bridge client; tests replace it.
	NewClient func(g *GlobalConfig) (*bridge.Client, error)

	global GlobalConfig
}

// GlobalConfig holds the persistent flags.
type GlobalConfig struct {
	DataRoot  string
	TokenFile string
	URL       string
	Token     string
	Timeout   time.Duration
	JSON      bool
}

// NewCLI creates a CLI writing to the process streams.
func NewCLI() *CLI {
	return &CLI{
		Output:    os.Stdout,
		Error:     os.Stderr,
		NewClient: defaultClient,
	}
}

// defaultClient uses an explicit URL and token when both are given and the
// running host's token file otherwise.
func defaultClient(g *GlobalConfig) (*bridge.Client, error) {
	if g.URL != "" && g.Token != "" {
		return bridge.NewClient(g.URL, g.Token), nil
	}
	tokenFile := g.TokenFile
	if tokenFile == "" {
		layout, err := paths.New(g.DataRoot)
		if err != nil {
			return nil, err
		}
		tokenFile = layout.StatePath("bridge.json")
	}
	client, err := bridge.NewClientFromTokenFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("no running host found (%v)", err)
	}
	if g.URL != "" {
		client.BaseURL = g.URL
	}
	return client, nil
}

// call invokes op with args and decodes the data into out.
func (cli *CLI) call(ctx context.Context, op bridge.Operation, args, out any) (*bridge.RawResult, error) {
	client, err := cli.NewClient(&cli.global)
	if err != nil {
		return nil, err
	}
	if cli.global.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cli.global.Timeout)
		defer cancel()
	}
	return client.Call(ctx, op, args, out)
}

// Printf writes formatted output to the output writer
func (cli *CLI) Printf(format string, args ...interface{}) {
	fmt.Fprintf(cli.Output, format, args...)
}

// Println writes a line to the output writer
func (cli *CLI) Println(args ...interface{}) {
	fmt.Fprintln(cli.Output, args...)
}

// printJSON writes v indented when --json is set and reports whether it did.
func (cli *CLI) printJSON(v any) bool {
	if !cli.global.JSON {
		return false
	}
	enc := json.NewEncoder(cli.Output)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(cli.Error, "Error encoding output: %v\n", err)
	}
	return true
}

func (cli *CLI) restartNotice(res *bridge.RawResult) {
	if res != nil && res.NeedsRestart {
		cli.Println("Restart the POS host to apply the change.")
	}
}
