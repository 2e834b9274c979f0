/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"chainguard.dev/prreview/session"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

// writeTable prints rows as borderless, left-aligned columns.
func writeTable(w io.Writer, headers []string, rows [][]string) error {
	table := tablewriter.NewTable(w,
		tablewriter.WithHeader(headers),
		tablewriter.WithHeaderAutoFormat(tw.Off),
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Right: "  "}),
	)
	if err := table.Bulk(rows); err != nil {
		return fmt.Errorf("formatting table: %w", err)
	}
	return table.Render()
}

// domainRows lists one row per domain of s, in name order.
func domainRows(s *session.Session) [][]string {
	rows := make([][]string, 0, len(s.Domains))
	for _, name := range s.DomainNames() {
		d := s.Domains[name]
		rows = append(rows, []string{name, string(d.Status), strconv.Itoa(len(d.Results)), d.Error})
	}
	return rows
}

// sessionRows lists one row per session with its progress.
func sessionRows(sessions []*session.Session) [][]string {
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			s.ReviewID,
			shortSHA(s.PRInfo.HeadSHA),
			string(s.Status),
			fmt.Sprintf("%d/%d", s.TasksCompleted, s.TotalTasks),
			s.UpdatedAt.Format(time.RFC3339),
		})
	}
	return rows
}
