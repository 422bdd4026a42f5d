// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/steward/lib/reference"
)

type resolveResult struct {
	Resolved map[string]reference.Resolution `cbor:"resolved" json:"resolved,omitempty"`
	Failed   map[string]string               `cbor:"failed" json:"failed,omitempty"`
}

func runResolve(args []string) error {
	flags := pflag.NewFlagSet("resolve", pflag.ExitOnError)
	socketPath := socketFlag(flags)
	jsonOut := flags.Bool("json", false, "output as JSON")
	flags.Parse(args)

	if flags.NArg() == 0 {
		return fmt.Errorf("usage: steward resolve TOKEN...")
	}

	ctx, stop := signalContext()
	defer stop()

	var result resolveResult
	fields := map[string]any{"tokens": flags.Args()}
	if err := newClient(*socketPath).Call(ctx, "reference.resolve", fields, &result); err != nil {
		return err
	}
	if *jsonOut {
		if err := writeJSON(result); err != nil {
			return err
		}
	} else {
		if len(result.Resolved) > 0 {
			tokens := make([]string, 0, len(result.Resolved))
			for token := range result.Resolved {
				tokens = append(tokens, token)
			}
			sort.Strings(tokens)
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintf(tw, "TOKEN\tURI\tPINNED\tTTL\n")
			for _, token := range tokens {
				resolution := result.Resolved[token]
				pinned := "no"
				if resolution.Pinned {
					pinned = "yes"
				}
				ttl := "-"
				if resolution.TTL > 0 {
					ttl = resolution.TTL.String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", token, resolution.URI, pinned, ttl)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
		}
		for _, token := range sortedKeys(result.Failed) {
			fmt.Fprintf(os.Stderr, "failed: %s: %s\n", token, result.Failed[token])
		}
	}
	if len(result.Failed) > 0 {
		return fmt.Errorf("%d of %d references failed to resolve",
			len(result.Failed), len(result.Resolved)+len(result.Failed))
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
