package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// writeGroupReport prints one line per conversation group so the grouping
// heuristic can be checked against a real database.
func writeGroupReport(w io.Writer, groups []conversationGroup, now time.Time) error {
	direct := 0
	messages := 0
	for _, group := range groups {
		if group.isDirect() {
			direct++
		}
		messages += len(group.messages)
	}
	header := fmt.Sprintf("%d conversations (%d groups, %d direct), %s messages",
		len(groups), len(groups)-direct, direct, humanize.Comma(int64(messages)))
	if _, err := fmt.Fprintln(w, titleStyle.Render(header)); err != nil {
		return err
	}

	for _, group := range groups {
		kind := "group"
		if group.isDirect() {
			kind = "direct"
		}
		latest := group.latest()
		line := fmt.Sprintf("%-6s  %-40s  %8s msgs  latest %s (%s)",
			kind,
			truncateString(group.title(), 40),
			humanize.Comma(int64(len(group.messages))),
			latest.Format("2006-01-02"),
			humanize.RelTime(latest, now, "ago", "from now"),
		)
		if participants := group.participants(); len(participants) > 0 {
			line += "  " + strings.Join(participants, ", ")
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
