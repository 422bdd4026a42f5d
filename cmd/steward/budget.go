// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/steward/lib/budget"
)

func runBudget(args []string) error {
	if len(args) == 0 {
		printBudgetUsage()
		return fmt.Errorf("budget: missing subcommand")
	}
	switch args[0] {
	case "status":
		return runBudgetStatus(args[1:])
	case "escalations":
		return runBudgetEscalations(args[1:])
	case "approve":
		return runBudgetApprove(args[1:])
	case "load":
		return runBudgetLoad(args[1:])
	case "-h", "--help", "help":
		printBudgetUsage()
		return nil
	default:
		printBudgetUsage()
		return fmt.Errorf("budget: unknown subcommand %q", args[0])
	}
}

func printBudgetUsage() {
	fmt.Fprintf(os.Stderr, `Usage: steward budget <subcommand> [options]

Subcommands:
  status [--scope PATH]           show allocation and spend per scope
  escalations                     list approvals waiting on a human
  approve ESCALATION [--deny]     resolve a pending escalation
  load [MANIFEST]                 reload the budget manifest
`)
}

type budgetStatus struct {
	Scopes []budget.ScopeStatus `cbor:"scopes" json:"scopes"`
}

func runBudgetStatus(args []string) error {
	flags := pflag.NewFlagSet("budget status", pflag.ExitOnError)
	socketPath := socketFlag(flags)
	jsonOut := flags.Bool("json", false, "output as JSON")
	scope := flags.String("scope", "", "limit to one scope and its subtree")
	flags.Parse(args)

	fields := map[string]any{}
	if *scope != "" {
		fields["scope"] = *scope
	}

	ctx, stop := signalContext()
	defer stop()

	var result budgetStatus
	if err := newClient(*socketPath).Call(ctx, "budget.status", fields, &result); err != nil {
		return err
	}
	if result.Scopes == nil {
		result.Scopes = []budget.ScopeStatus{}
	}
	if *jsonOut {
		return writeJSON(result.Scopes)
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "SCOPE\tLEVEL\tTOTAL\tUSED\tRESERVED\tAVAILABLE\tFLAGS\n")
	for _, status := range result.Scopes {
		total := status.Total.String()
		available := status.Available.String()
		if status.Unlimited {
			total = "unlimited"
			available = "unlimited"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			status.Path, status.Level, total,
			status.Used, status.Reserved, available,
			scopeFlags(status))
	}
	return tw.Flush()
}

// scopeFlags renders the boolean scope attributes as a compact
// comma-joined list.
func scopeFlags(status budget.ScopeStatus) string {
	var flags []string
	if status.StopOnExceed {
		flags = append(flags, "stop-on-exceed")
	}
	if status.Policy != "" && status.Policy != budget.PolicyBlock {
		flags = append(flags, string(status.Policy))
	}
	if status.Dynamic {
		flags = append(flags, "dynamic")
	}
	if !status.Funded {
		flags = append(flags, "unfunded")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}

type escalationList struct {
	Escalations []budget.Escalation `cbor:"escalations" json:"escalations"`
}

func runBudgetEscalations(args []string) error {
	flags := pflag.NewFlagSet("budget escalations", pflag.ExitOnError)
	socketPath := socketFlag(flags)
	jsonOut := flags.Bool("json", false, "output as JSON")
	flags.Parse(args)

	ctx, stop := signalContext()
	defer stop()

	var result escalationList
	if err := newClient(*socketPath).Call(ctx, "budget.escalations", nil, &result); err != nil {
		return err
	}
	if result.Escalations == nil {
		result.Escalations = []budget.Escalation{}
	}
	if *jsonOut {
		return writeJSON(result.Escalations)
	}

	if len(result.Escalations) == 0 {
		fmt.Fprintln(os.Stderr, "No pending escalations.")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "ID\tSCOPE\tOWNER\tAMOUNT\tAPPROVER\tCREATED\tEXPIRES\n")
	for _, esc := range result.Escalations {
		expires := "-"
		if !esc.ExpiresAt.IsZero() {
			expires = esc.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			esc.ID, esc.Path, esc.Owner, esc.Amount, esc.Approver,
			esc.CreatedAt.Format(time.RFC3339), expires)
	}
	return tw.Flush()
}

type approveResult struct {
	Escalation string `cbor:"escalation" json:"escalation"`
	Approved   bool   `cbor:"approved" json:"approved"`
}

func runBudgetApprove(args []string) error {
	flags := pflag.NewFlagSet("budget approve", pflag.ExitOnError)
	socketPath := socketFlag(flags)
	jsonOut := flags.Bool("json", false, "output as JSON")
	deny := flags.Bool("deny", false, "reject the escalation instead of approving it")
	note := flags.String("note", "", "rationale recorded in the audit log")
	flags.Parse(args)

	if flags.NArg() != 1 {
		return fmt.Errorf("usage: steward budget approve ESCALATION [--deny] [--note ...]")
	}

	fields := map[string]any{"escalation": flags.Arg(0)}
	if *deny {
		fields["deny"] = true
	}
	if *note != "" {
		fields["note"] = *note
	}

	ctx, stop := signalContext()
	defer stop()

	var result approveResult
	if err := newClient(*socketPath).Call(ctx, "budget.approve", fields, &result); err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(result)
	}
	if result.Approved {
		fmt.Printf("Approved %s\n", result.Escalation)
	} else {
		fmt.Printf("Denied %s\n", result.Escalation)
	}
	return nil
}

type loadResult struct {
	Manifest        string   `cbor:"manifest" json:"manifest"`
	Added           []string `cbor:"added" json:"added,omitempty"`
	Updated         []string `cbor:"updated" json:"updated,omitempty"`
	References      int      `cbor:"references" json:"references"`
	Templates       int      `cbor:"templates" json:"templates"`
	Invalidated     int      `cbor:"invalidated" json:"invalidated"`
	JudgmentPending bool     `cbor:"judgment_pending" json:"judgment_pending,omitempty"`
}

func runBudgetLoad(args []string) error {
	flags := pflag.NewFlagSet("budget load", pflag.ExitOnError)
	socketPath := socketFlag(flags)
	jsonOut := flags.Bool("json", false, "output as JSON")
	flags.Parse(args)

	fields := map[string]any{}
	if flags.NArg() > 0 {
		fields["manifest"] = flags.Arg(0)
	}

	ctx, stop := signalContext()
	defer stop()

	var result loadResult
	if err := newClient(*socketPath).Call(ctx, "budget.load", fields, &result); err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(result)
	}

	fmt.Printf("Loaded %s\n", result.Manifest)
	if len(result.Added) > 0 {
		fmt.Printf("Scopes added:    %s\n", strings.Join(result.Added, ", "))
	}
	if len(result.Updated) > 0 {
		fmt.Printf("Scopes updated:  %s\n", strings.Join(result.Updated, ", "))
	}
	fmt.Printf("References:      %d\n", result.References)
	fmt.Printf("Templates:       %d\n", result.Templates)
	if result.Invalidated > 0 {
		fmt.Printf("Invalidated:     %d cached resolutions\n", result.Invalidated)
	}
	if result.JudgmentPending {
		fmt.Println("Judgment policy changed; restart the service to apply it.")
	}
	return nil
}
