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
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianDelta/services/delta/client"
	"github.com/AleutianAI/AleutianDelta/services/delta/dataset"
	"github.com/AleutianAI/AleutianDelta/services/delta/link/httplink"
	"github.com/AleutianAI/AleutianDelta/services/delta/patch"
	storage "github.com/AleutianAI/AleutianDelta/services/delta/storage/badger"
)

// replica is a local in-memory copy of one data source, resumed from and
// saved to the client zone.
type replica struct {
	lnk  *httplink.Client
	zone *client.Zone
	ds   *dataset.Memory
	conn *client.Connection
}

func (a *app) openReplica(ctx context.Context, arg string) (*replica, error) {
	lnk, err := a.link()
	if err != nil {
		return nil, err
	}
	dsd, err := resolve(ctx, lnk, arg)
	if err != nil {
		lnk.Close()
		return nil, err
	}

	zcfg := storage.DefaultConfig()
	zcfg.Path = a.cfg.Client.Zone
	zone, err := client.OpenZone(zcfg, a.slog())
	if err != nil {
		lnk.Close()
		return nil, err
	}

	ds := dataset.NewMemory()
	conn, err := client.Connect(ctx, zone, lnk, dsd.ID, ds, client.Options{Logger: a.slog()})
	if err != nil {
		zone.Close()
		lnk.Close()
		return nil, err
	}
	return &replica{lnk: lnk, zone: zone, ds: ds, conn: conn}, nil
}

func (r *replica) Close() error {
	return errors.Join(r.zone.Close(), r.lnk.Close())
}

func (r *replica) report(w io.Writer) {
	fmt.Fprintf(w, "%s at version %d (%d quads)\n", r.conn.Description().Name, r.conn.LastApplied(), r.ds.Len())
}

func newSyncCmd(a *app) *cobra.Command {
	var (
		watch bool
		dump  bool
	)
	cmd := &cobra.Command{
		Use:   "sync <name|id>",
		Short: "Bring the local replica of a data source up to date",
		Long: `Sync applies the patches the local replica has not seen yet and saves
it in the client zone. With --watch it keeps polling until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			r, err := a.openReplica(ctx, args[0])
			if err != nil {
				return err
			}
			defer r.Close()

			if _, err := r.conn.Sync(ctx); err != nil {
				return err
			}
			if watch {
				p := r.conn.Poll(a.cfg.Client.PollInterval, a.cfg.Client.PollBackoff)
				<-ctx.Done()
				p.Stop()
			}
			if dump {
				return patch.Encode(cmd.OutOrStdout(), r.ds.Snapshot())
			}
			r.report(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep syncing until interrupted")
	cmd.Flags().BoolVar(&dump, "dump", false, "write the replica as a patch instead of a summary")
	return cmd
}

func newLoadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "load <name|id> [file]",
		Short: "Add the data in a patch file to a data source as one new patch",
		Long: `Load brings the local replica up to date, then records the data
operations of file (stdin when absent or "-") as a single patch on top of it.
Headers and transaction markers in the file are ignored.`,
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
			defer in.Close()

			ctx := cmd.Context()
			r, err := a.openReplica(ctx, args[0])
			if err != nil {
				return err
			}
			defer r.Close()

			if _, err := r.conn.Sync(ctx); err != nil {
				return err
			}
			if _, err := r.conn.Load(ctx, in); err != nil {
				return err
			}
			r.report(cmd.OutOrStdout())
			return nil
		},
	}
}
