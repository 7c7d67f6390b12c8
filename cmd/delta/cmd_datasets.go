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
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Short:   "List data sources",
		Aliases: []string{"list"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lnk, err := a.link()
			if err != nil {
				return err
			}
			defer lnk.Close()

			ctx := cmd.Context()
			dsds, err := lnk.ListDescriptions(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tID\tVERSION\tURI")
			for _, dsd := range dsds {
				info, err := lnk.GetPatchLogInfo(ctx, dsd.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", dsd.Name, dsd.ID, info.MaxVersion, dsd.URI)
			}
			return tw.Flush()
		},
	}
}

func newMakeCmd(a *app) *cobra.Command {
	var uri string
	cmd := &cobra.Command{
		Use:     "mk <name>",
		Short:   "Create a data source",
		Aliases: []string{"create"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lnk, err := a.link()
			if err != nil {
				return err
			}
			defer lnk.Close()

			id, err := lnk.NewDataSource(cmd.Context(), args[0], uri)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&uri, "uri", "", "URI recorded in the description")
	return cmd
}

func newRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name|id>",
		Short: "Remove a data source and its log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lnk, err := a.link()
			if err != nil {
				return err
			}
			defer lnk.Close()

			dsd, err := resolve(cmd.Context(), lnk, args[0])
			if err != nil {
				return err
			}
			return lnk.RemoveDataSource(cmd.Context(), dsd.ID)
		},
	}
}

func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info <name|id>",
		Short: "Show a data source and the extent of its log",
		Args:  cobra.ExactArgs(1),
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
			info, err := lnk.GetPatchLogInfo(ctx, dsd.ID)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 1, ' ', 0)
			fmt.Fprintf(tw, "name:\t%s\n", dsd.Name)
			fmt.Fprintf(tw, "id:\t%s\n", dsd.ID)
			fmt.Fprintf(tw, "uri:\t%s\n", dsd.URI)
			fmt.Fprintf(tw, "versions:\t[%d, %d]\n", info.MinVersion, info.MaxVersion)
			if !info.LatestPatch.IsZero() {
				fmt.Fprintf(tw, "latest:\t%s\n", info.LatestPatch)
			}
			return tw.Flush()
		},
	}
}
