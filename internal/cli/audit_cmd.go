// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// audit_cmd.go - audit trail commands.
//
// Command: audit [subcommand]
//
// Subcommands:
//   show (default)      Show recent entries
//   stats [--window H]  Aggregate statistics, optionally over the last H hours
//   export --out FILE   Export the trail as CSV
//   clear [--before T]  Clear the trail, or only entries older than T
//                       (the clearing is itself logged)
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/jeranaias/kiroku/internal/security"
	"github.com/jeranaias/kiroku/internal/util"
)

func handleAudit(ctx context.Context, tk *security.Toolkit, args *Args) int {
	switch args.Subcommand {
	case "", "show", "search":
		return auditShow(tk, args)
	case "stats":
		return auditStats(tk, args)
	case "export":
		return auditExport(tk, args)
	case "clear":
		return auditClear(ctx, tk, args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown audit subcommand %q\n", args.Subcommand)
		return 1
	}
}

func auditShow(tk *security.Toolkit, args *Args) int {
	limit := 20
	if raw, ok := args.Options["limit"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			fmt.Fprintf(os.Stderr, "Error: --limit must be a positive integer\n")
			return 1
		}
		limit = n
	}

	filter := security.AuditFilter{
		UserID: args.Options["user"],
		Limit:  limit,
	}
	if t := args.Options["type"]; t != "" {
		filter.EventTypes = []string{t}
	}
	if sev := args.Options["severity"]; sev != "" {
		filter.Severities = []string{sev}
	}
	entries := tk.Audit.Search(filter)

	if args.JSON {
		return printJSON(entries)
	}

	printTitle("Audit Trail")
	if len(entries) == 0 {
		fmt.Println(dimStyle.Render("No matching entries."))
		return 0
	}

	for _, entry := range entries {
		sev := entry.Severity
		if style, ok := severityStyles[sev]; ok {
			sev = style.Render(fmt.Sprintf("%-8s", sev))
		}
		line := fmt.Sprintf("%s  %s %-26s %s",
			dimStyle.Render(entry.Timestamp.Format("2006-01-02 15:04:05")),
			sev,
			entry.EventType,
			entry.UserID,
		)
		fmt.Println(line)
		if len(entry.Details) > 0 {
			fmt.Println(dimStyle.Render("             " + util.TruncateRunes(formatDetails(entry.Details), 90)))
		}
	}
	fmt.Println(dimStyle.Render(fmt.Sprintf("\n%d of %d entries shown", len(entries), tk.Audit.Len())))
	return 0
}

func auditStats(tk *security.Toolkit, args *Args) int {
	window := 0
	if raw, ok := args.Options["window"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			fmt.Fprintf(os.Stderr, "Error: --window must be a positive number of hours\n")
			return 1
		}
		window = n
	}
	stats := tk.Audit.GetLogStatistics(window)

	if args.JSON {
		return printJSON(stats)
	}

	printTitle("Audit Statistics")
	printKV("Total entries", strconv.Itoa(stats.Total))
	if !stats.Oldest.IsZero() {
		printKV("Oldest", stats.Oldest.Format(time.RFC3339))
		printKV("Newest", stats.Newest.Format(time.RFC3339))
	}

	fmt.Println()
	printTitle("By Severity")
	for _, sev := range []string{"CRITICAL", "HIGH", "MEDIUM", "LOW"} {
		if n := stats.BySeverity[sev]; n > 0 {
			label := sev
			if style, ok := severityStyles[sev]; ok {
				label = style.Render(sev)
			}
			fmt.Printf("  %-20s %d\n", label, n)
		}
	}

	fmt.Println()
	printTitle("By Event Type")
	types := make([]string, 0, len(stats.ByType))
	for t := range stats.ByType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Printf("  %-28s %d\n", t, stats.ByType[t])
	}
	return 0
}

func auditExport(tk *security.Toolkit, args *Args) int {
	out := args.Options["out"]
	if out == "" {
		// No file given: write to stdout for piping.
		if err := tk.Audit.ExportCSV(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	csvData, err := tk.Audit.ExportCSVString()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := util.AtomicWriteFile(out, []byte(csvData), 0600); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if !args.Quiet {
		fmt.Println(successStyle.Render(fmt.Sprintf("Exported %d entries to %s", tk.Audit.Len(), out)))
	}
	return 0
}

func auditClear(ctx context.Context, tk *security.Toolkit, args *Args) int {
	var before time.Time
	if raw, ok := args.Options["before"]; ok {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: --before must be an RFC 3339 timestamp\n")
			return 1
		}
		before = parsed
	}

	prompt := "Clear the entire audit trail?"
	if !before.IsZero() {
		prompt = fmt.Sprintf("Clear audit entries older than %s?", before.Format(time.RFC3339))
	}
	if args.Options["yes"] != "true" && !confirm(prompt) {
		fmt.Println(dimStyle.Render("Aborted."))
		return 1
	}

	dropped := tk.Audit.ClearLogs(ctx, currentUser(), before)
	if args.JSON {
		fmt.Printf(`{"cleared":%d}`+"\n", dropped)
		return 0
	}
	fmt.Println(successStyle.Render(fmt.Sprintf("Cleared %d entries (clearing was logged).", dropped)))
	return 0
}

// formatDetails renders a detail map as k=v pairs in stable order.
func formatDetails(details map[string]string) string {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%s", k, details[k])
	}
	return out
}

// printJSON marshals v to stdout, indented.
func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

// currentUser resolves the acting user for self-logged operations.
func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}
