// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/steward/lib/config"
	"github.com/bureau-foundation/steward/lib/service"
	"github.com/bureau-foundation/steward/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	switch os.Args[1] {
	case "submit":
		return runSubmit(os.Args[2:])
	case "status":
		return runStatus(os.Args[2:])
	case "list":
		return runList(os.Args[2:])
	case "cancel":
		return runCancel(os.Args[2:])
	case "budget":
		return runBudget(os.Args[2:])
	case "resolve":
		return runResolve(os.Args[2:])
	case "audit":
		return runAudit(os.Args[2:])
	case "ping":
		return runPing(os.Args[2:])
	case "version":
		fmt.Printf("steward %s\n", version.Info())
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", os.Args[1])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: steward <subcommand> [flags]

Task subcommands:
  submit      Submit a task for orchestration
  status      Show one task
  list        List tasks
  cancel      Cancel a task

Budget subcommands:
  budget status       Show the scope tree and its usage
  budget escalations  List escalations awaiting approval
  budget approve      Approve or deny an escalation
  budget load         Load or reload the budget manifest

Reference subcommands:
  resolve     Resolve reference tokens to URIs

Audit subcommands:
  audit tail    Show the newest audit events
  audit verify  Recompute the audit hash chain
  audit export  Write an encrypted audit segment server-side

Service subcommands:
  ping        Check the service and show its chain head
  version     Print version information

Every subcommand accepts --socket (default $STEWARD_SOCKET, falling
back to the service default) and most accept --json for
machine-readable output. Run 'steward <subcommand> --help' for
subcommand flags.
`)
}

// defaultSocket resolves the socket path the way operators expect:
// the STEWARD_SOCKET environment variable when set, otherwise the
// service's configured default.
func defaultSocket() string {
	if path := os.Getenv("STEWARD_SOCKET"); path != "" {
		return path
	}
	return config.Default().Socket
}

// socketFlag registers the shared --socket flag on a subcommand's
// flag set.
func socketFlag(flags *pflag.FlagSet) *string {
	return flags.String("socket", defaultSocket(), "steward service socket path")
}

func newClient(socketPath string) *service.ServiceClient {
	return service.NewServiceClient(socketPath)
}

// signalContext returns a context cancelled by SIGINT or SIGTERM, so
// an interrupted call abandons the socket wait cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// writeJSON emits value as indented JSON on stdout for --json mode.
func writeJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

type pingResult struct {
	Version       string  `cbor:"version" json:"version"`
	UptimeSeconds float64 `cbor:"uptime_seconds" json:"uptime_seconds"`
	HeadSequence  uint64  `cbor:"head_sequence" json:"head_sequence"`
	HeadHash      string  `cbor:"head_hash" json:"head_hash"`
	Compromised   bool    `cbor:"compromised" json:"compromised,omitempty"`
}

func runPing(args []string) error {
	flags := pflag.NewFlagSet("ping", pflag.ExitOnError)
	socketPath := socketFlag(flags)
	jsonOut := flags.Bool("json", false, "output as JSON")
	flags.Parse(args)

	ctx, stop := signalContext()
	defer stop()

	var result pingResult
	if err := newClient(*socketPath).Call(ctx, "service.ping", nil, &result); err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(result)
	}

	uptime := time.Duration(result.UptimeSeconds * float64(time.Second)).Round(time.Second)
	fmt.Printf("Service:    steward %s\n", result.Version)
	fmt.Printf("Uptime:     %s\n", uptime)
	fmt.Printf("Audit head: %d (%s)\n", result.HeadSequence, result.HeadHash)
	if result.Compromised {
		fmt.Printf("Chain:      COMPROMISED\n")
		return fmt.Errorf("audit chain is compromised")
	}
	fmt.Printf("Chain:      ok\n")
	return nil
}
