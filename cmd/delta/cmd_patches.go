// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/patch"
)

// openInput opens path, or stdin for "" and "-".
func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	return os.Open(path)
}

func newAppendCmd(a *app) *cobra.Command {
	var expected int64
	cmd := &cobra.Command{
		Use:   "append <name|id> [file]",
		Short: "Append a patch file to a data source's log",
		Long: `Append reads an RDF patch from file (stdin when absent or "-") and
appends it to the log. A patch without an id header is given one; a patch
without a previous header is chained to the current head of the log.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 2 {
				path = args[1]
			}
			in, err := openInput(cmd, path)
			if err != nil {
				return err
			}
			p, err := patch.Decode(in)
			in.Close()
			if err != nil {
				return err
			}

			lnk, err := a.link()
			if err != nil {
				return err
			}
			defer lnk.Close()

			ctx := cmd.Context()
			dsd, err := resolve(ctx, lnk, args[0])
			if err != nil {
				return err
			}
			if p.ID().IsZero() || p.Previous().IsZero() {
				info, err := lnk.GetPatchLogInfo(ctx, dsd.ID)
				if err != nil {
					return err
				}
				p = completeHeaders(p, info.LatestPatch)
			}
			v, err := lnk.Append(ctx, dsd.ID, p, delta.Version(expected))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %d\n", p.ID(), v)
			return nil
		},
	}
	cmd.Flags().Int64Var(&expected, "expected", int64(delta.VersionAny),
		"fail unless the log is at this version (-1 accepts any)")
	return cmd
}

// completeHeaders returns p with an id header and, when latest is set, a
// previous header. Headers p already has are kept.
func completeHeaders(p *patch.Patch, latest delta.ID) *patch.Patch {
	b := patch.NewCollector()
	_ = p.Play(b)
	if p.ID().IsZero() {
		_ = b.Apply(patch.HeaderOp(patch.HeaderID, patch.IDTerm(delta.NewID())))
	}
	if p.Previous().IsZero() {
		b.SetPrevious(latest)
	}
	return b.Patch()
}

func newFetchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <name|id> <version|patch-id>",
		Short: "Write one patch of a data source's log to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lnk, err := a.link()
			if err != nil {
				return err
			}
			defer lnk.Close()

			ctx := cmd.Context()
			dsd, err := resolve(ctx, lnk, args[0])
			if err != nil {
				return err
			}
			var p *patch.Patch
			if v, ok := parseVersion(args[1]); ok {
				p, err = lnk.FetchVersion(ctx, dsd.ID, v)
			} else {
				patchID, perr := delta.ParseID(args[1])
				if perr != nil {
					return fmt.Errorf("%q is neither a version nor a patch id", args[1])
				}
				p, err = lnk.FetchID(ctx, dsd.ID, patchID)
			}
			if err != nil {
				return err
			}
			return patch.Encode(cmd.OutOrStdout(), p)
		},
	}
}
