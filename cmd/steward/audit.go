// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/steward/lib/audit"
)

func runAudit(args []string) error {
	if len(args) == 0 {
		printAuditUsage()
		return fmt.Errorf("audit: missing subcommand")
	}
	switch args[0] {
	case "tail":
		return runAuditTail(args[1:])
	case "verify":
		return runAuditVerify(args[1:])
	case "export":
		return runAuditExport(args[1:])
	case "-h", "--help", "help":
		printAuditUsage()
		return nil
	default:
		printAuditUsage()
		return fmt.Errorf("audit: unknown subcommand %q", args[0])
	}
}

func printAuditUsage() {
	fmt.Fprintf(os.Stderr, `Usage: steward audit <subcommand> [options]

Subcommands:
  tail [--limit N] [--actor A]    show the newest audit events
  verify                          recheck the hash chain end to end
  export --recipient KEY ...      write an encrypted event segment
`)
}

type auditTail struct {
	Head   uint64        `cbor:"head" json:"head"`
	Events []audit.Event `cbor:"events" json:"events"`
}

func runAuditTail(args []string) error {
	flags := pflag.NewFlagSet("audit tail", pflag.ExitOnError)
	socketPath := socketFlag(flags)
	jsonOut := flags.Bool("json", false, "output as JSON")
	limit := flags.Int("limit", 20, "sequence window to scan back from the head")
	actor := flags.String("actor", "", "only events recorded by this actor")
	flags.Parse(args)

	fields := map[string]any{}
	if *limit > 0 {
		fields["limit"] = *limit
	}
	if *actor != "" {
		fields["actor"] = *actor
	}

	ctx, stop := signalContext()
	defer stop()

	var result auditTail
	if err := newClient(*socketPath).Call(ctx, "audit.tail", fields, &result); err != nil {
		return err
	}
	if result.Events == nil {
		result.Events = []audit.Event{}
	}
	if *jsonOut {
		return writeJSON(result)
	}

	if len(result.Events) == 0 {
		fmt.Fprintln(os.Stderr, "No audit events match.")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "SEQ\tTIME\tACTOR\tACTION\tRESOURCE\tOUTCOME\n")
	for _, event := range result.Events {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			event.Sequence, event.Timestamp.Format(time.RFC3339),
			event.Actor, event.Action, event.Resource, event.Outcome)
	}
	return tw.Flush()
}

func runAuditVerify(args []string) error {
	flags := pflag.NewFlagSet("audit verify", pflag.ExitOnError)
	socketPath := socketFlag(flags)
	jsonOut := flags.Bool("json", false, "output as JSON")
	flags.Parse(args)

	ctx, stop := signalContext()
	defer stop()

	var result audit.VerifyResult
	if err := newClient(*socketPath).Call(ctx, "audit.verify", nil, &result); err != nil {
		return err
	}
	if *jsonOut {
		if err := writeJSON(result); err != nil {
			return err
		}
	} else if result.OK {
		fmt.Printf("Chain intact: %d events verified.\n", result.Checked)
	}
	if !result.OK {
		if !*jsonOut {
			fmt.Printf("Chain COMPROMISED at sequence %d: %s\n", result.BadSequence, result.Reason)
		}
		return fmt.Errorf("audit chain integrity violation")
	}
	return nil
}

type exportResult struct {
	Path          string `cbor:"path" json:"path"`
	FirstSequence uint64 `cbor:"first_sequence" json:"first_sequence"`
	LastSequence  uint64 `cbor:"last_sequence" json:"last_sequence"`
	Count         int    `cbor:"count" json:"count"`
	Size          int64  `cbor:"size" json:"size"`
}

func runAuditExport(args []string) error {
	flags := pflag.NewFlagSet("audit export", pflag.ExitOnError)
	socketPath := socketFlag(flags)
	jsonOut := flags.Bool("json", false, "output as JSON")
	var recipients []string
	flags.StringArrayVar(&recipients, "recipient", nil, "age recipient the segment is encrypted to (repeatable, required)")
	after := flags.String("after", "", "only events at or after this RFC 3339 time")
	before := flags.String("before", "", "only events before this RFC 3339 time")
	actor := flags.String("actor", "", "only events recorded by this actor")
	limit := flags.Int("limit", 0, "maximum events to export (0 for all)")
	flags.Parse(args)

	if len(recipients) == 0 {
		return fmt.Errorf("at least one --recipient is required")
	}

	fields := map[string]any{"recipients": recipients}
	if *after != "" {
		fields["after"] = *after
	}
	if *before != "" {
		fields["before"] = *before
	}
	if *actor != "" {
		fields["actor"] = *actor
	}
	if *limit > 0 {
		fields["limit"] = *limit
	}

	ctx, stop := signalContext()
	defer stop()

	var result exportResult
	if err := newClient(*socketPath).Call(ctx, "audit.export", fields, &result); err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(result)
	}

	fmt.Printf("Exported %d events (sequences %d-%d) to %s (%d bytes)\n",
		result.Count, result.FirstSequence, result.LastSequence, result.Path, result.Size)
	return nil
}
