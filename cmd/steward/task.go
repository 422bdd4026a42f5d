// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/steward/lib/lifecycle"
)

func runSubmit(args []string) error {
	flags := pflag.NewFlagSet("submit", pflag.ExitOnError)
	socketPath := socketFlag(flags)
	jsonOut := flags.Bool("json", false, "output as JSON")
	var (
		goal     string
		scope    string
		tokens   int64
		currency string
		refs     []string
		subtasks []string
	)
	flags.StringVar(&goal, "goal", "", "what the task should accomplish (required)")
	flags.StringVar(&scope, "scope", "", "billing scope path, e.g. global/iree (required)")
	flags.Int64Var(&tokens, "tokens", 0, "estimated token spend")
	flags.StringVar(&currency, "currency", "", "estimated currency spend as a decimal string, e.g. 2.50")
	flags.StringArrayVar(&refs, "ref", nil, "reference token to resolve for the executor (repeatable)")
	flags.StringArrayVar(&subtasks, "subtask", nil, "pre-declared split as NAME:TOKENS[:ROLE] (repeatable)")
	flags.Parse(args)

	if goal == "" || scope == "" {
		return fmt.Errorf("--goal and --scope are required")
	}

	estimate := map[string]any{"tokens": tokens}
	if currency != "" {
		estimate["currency"] = currency
	}
	fields := map[string]any{
		"goal":     goal,
		"scope":    scope,
		"estimate": estimate,
	}
	if len(refs) > 0 {
		fields["references"] = refs
	}
	if len(subtasks) > 0 {
		specs := make([]map[string]any, 0, len(subtasks))
		for _, raw := range subtasks {
			spec, err := parseSubtaskSpec(raw)
			if err != nil {
				return err
			}
			specs = append(specs, spec)
		}
		fields["subtasks"] = specs
	}

	ctx, stop := signalContext()
	defer stop()

	var task lifecycle.Task
	if err := newClient(*socketPath).Call(ctx, "task.submit", fields, &task); err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(task)
	}
	printTask(task)
	return nil
}

// parseSubtaskSpec parses the --subtask form NAME:TOKENS[:ROLE] into
// the wire shape.
func parseSubtaskSpec(raw string) (map[string]any, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) < 2 || parts[0] == "" {
		return nil, fmt.Errorf("subtask %q: want NAME:TOKENS[:ROLE]", raw)
	}
	tokens, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || tokens <= 0 {
		return nil, fmt.Errorf("subtask %q: token estimate %q is not a positive integer", raw, parts[1])
	}
	spec := map[string]any{
		"name":     parts[0],
		"estimate": map[string]any{"tokens": tokens},
	}
	if len(parts) == 3 && parts[2] != "" {
		spec["role"] = parts[2]
	}
	return spec, nil
}

func runStatus(args []string) error {
	flags := pflag.NewFlagSet("status", pflag.ExitOnError)
	socketPath := socketFlag(flags)
	jsonOut := flags.Bool("json", false, "output as JSON")
	flags.Parse(args)

	if flags.NArg() != 1 {
		return fmt.Errorf("usage: steward status TASK")
	}

	ctx, stop := signalContext()
	defer stop()

	var task lifecycle.Task
	if err := newClient(*socketPath).Call(ctx, "task.status", map[string]any{"task": flags.Arg(0)}, &task); err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(task)
	}
	printTask(task)
	return nil
}

type taskList struct {
	Tasks []lifecycle.Task `cbor:"tasks" json:"tasks"`
}

func runList(args []string) error {
	flags := pflag.NewFlagSet("list", pflag.ExitOnError)
	socketPath := socketFlag(flags)
	jsonOut := flags.Bool("json", false, "output as JSON")
	var (
		state string
		scope string
		limit int
	)
	flags.StringVar(&state, "state", "", "filter by lifecycle state (planned, executing, under-review, judged, learning, governed, aborted, escalated, rejected)")
	flags.StringVar(&scope, "scope", "", "filter by billing scope subtree")
	flags.IntVar(&limit, "limit", 0, "maximum tasks to return (0 for all)")
	flags.Parse(args)

	fields := map[string]any{}
	if state != "" {
		fields["state"] = state
	}
	if scope != "" {
		fields["scope"] = scope
	}
	if limit > 0 {
		fields["limit"] = limit
	}

	ctx, stop := signalContext()
	defer stop()

	var result taskList
	if err := newClient(*socketPath).Call(ctx, "task.list", fields, &result); err != nil {
		return err
	}
	if result.Tasks == nil {
		result.Tasks = []lifecycle.Task{}
	}
	if *jsonOut {
		return writeJSON(result.Tasks)
	}

	if len(result.Tasks) == 0 {
		fmt.Fprintln(os.Stderr, "No tasks match.")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "TASK\tSTATE\tSCOPE\tESTIMATE\tUPDATED\n")
	for _, task := range result.Tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			task.ID, task.State, task.Scope, task.Estimate,
			task.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runCancel(args []string) error {
	flags := pflag.NewFlagSet("cancel", pflag.ExitOnError)
	socketPath := socketFlag(flags)
	jsonOut := flags.Bool("json", false, "output as JSON")
	reason := flags.String("reason", "", "why the task is being cancelled")
	flags.Parse(args)

	if flags.NArg() != 1 {
		return fmt.Errorf("usage: steward cancel TASK [--reason ...]")
	}

	fields := map[string]any{"task": flags.Arg(0)}
	if *reason != "" {
		fields["reason"] = *reason
	}

	ctx, stop := signalContext()
	defer stop()

	var task lifecycle.Task
	if err := newClient(*socketPath).Call(ctx, "task.cancel", fields, &task); err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(task)
	}
	printTask(task)
	return nil
}

// printTask writes the task detail as key: value lines.
func printTask(task lifecycle.Task) {
	fmt.Printf("Task:      %s\n", task.ID)
	fmt.Printf("State:     %s\n", task.State)
	fmt.Printf("Goal:      %s\n", task.Goal)
	fmt.Printf("Scope:     %s\n", task.Scope)
	fmt.Printf("Estimate:  %s\n", task.Estimate)
	if task.Attempt > 1 {
		fmt.Printf("Attempt:   %d\n", task.Attempt)
	}
	if task.Reworks > 0 {
		fmt.Printf("Reworks:   %d\n", task.Reworks)
	}
	if len(task.References) > 0 {
		fmt.Printf("Refs:      %s\n", strings.Join(task.References, ", "))
	}
	for _, sub := range task.Subtasks {
		line := fmt.Sprintf("%s (%s)", sub.Name, sub.Estimate)
		if sub.Role != "" {
			line += " role=" + sub.Role
		}
		fmt.Printf("Subtask:   %s\n", line)
	}
	fmt.Printf("Created:   %s\n", task.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:   %s\n", task.UpdatedAt.Format(time.RFC3339))
	if task.Result != nil {
		result := task.Result
		if result.Verdict != "" {
			fmt.Printf("Verdict:   %s (confidence %.2f)\n", result.Verdict, result.Confidence)
		}
		fmt.Printf("Cost:      %s\n", result.ActualCost)
		if result.Summary != "" {
			fmt.Printf("Summary:   %s\n", result.Summary)
		}
		if result.RoutingHint != "" {
			fmt.Printf("Routing:   %s\n", result.RoutingHint)
		}
	}
}
