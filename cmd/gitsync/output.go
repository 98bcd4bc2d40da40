package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/szaher/gitsync/internal/diff"
	"github.com/szaher/gitsync/internal/engine"
	"github.com/szaher/gitsync/internal/policy"
	"github.com/szaher/gitsync/internal/state"
)

// writeStructured writes v as JSON or, for format "yaml", as YAML using the
// same field names.
func writeStructured(w io.Writer, v interface{}, format string) error {
	if format == "yaml" {
		data, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}
	return writeJSON(w, v)
}

func writeJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// printReport writes a report as text or JSON.
func printReport(w io.Writer, r *engine.Report, format string) error {
	if format == "json" || format == "yaml" {
		return writeStructured(w, r, format)
	}
	if r.DryRun {
		fmt.Fprint(w, diff.FormatText(r.Deltas()))
	}
	if len(r.Policies) > 0 {
		fmt.Fprintf(w, "\nPolicy:\n%s", policy.FormatResults(r.Policies))
	}
	if !r.DryRun {
		for _, res := range r.Results {
			if res.Outcome == engine.OutcomeInSync {
				continue
			}
			line := fmt.Sprintf("  %-9s %-7s %s", res.Outcome, res.Action, res.Identity)
			switch {
			case res.Error != "":
				line += ": " + res.Error
			case res.Reason != "":
				line += " (" + res.Reason + ")"
			}
			fmt.Fprintln(w, line)
		}
	}
	if pending := r.Pending(); len(pending) > 0 {
		ids := make([]string, len(pending))
		for i, id := range pending {
			ids[i] = id.String()
		}
		fmt.Fprintf(w, "\nAwaiting approval: %s\n", strings.Join(ids, ", "))
	}
	fmt.Fprintf(w, "\n%s\n", r.Summary())
	return nil
}

func printHistory(w io.Writer, records []state.SyncRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No history.")
		return
	}
	for _, rec := range records {
		line := fmt.Sprintf("%6d  %s  %-9s %-7s %s", rec.Seq, rec.AppliedAt.Format("2006-01-02T15:04:05Z07:00"), rec.Outcome, rec.Action, shortRev(rec.AppliedRevision))
		if rec.ErrorDetail != "" {
			line += "  " + rec.ErrorDetail
		}
		fmt.Fprintln(w, line)
	}
}

func shortRev(rev string) string {
	rev = strings.TrimPrefix(rev, "sha256:")
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
