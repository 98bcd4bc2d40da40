package diff

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/szaher/gitsync/internal/secrets"
)

// FormatText renders deltas as a human-readable plan. Values of Secret
// data fields are masked.
func FormatText(deltas []Delta) string {
	s := Summarize(deltas)
	if !s.HasChanges() {
		return "No changes. Live state matches the source.\n"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Plan: %d to create, %d to update, %d to delete\n\n", s.Create, s.Update, s.Delete)
	for _, d := range deltas {
		switch d.Kind {
		case KindCreate:
			fmt.Fprintf(&sb, "  + %s\n", d.Identity)
		case KindUpdate:
			fmt.Fprintf(&sb, "  ~ %s\n", d.Identity)
			for _, c := range d.Changes {
				writeChange(&sb, d.Identity.Kind, c)
			}
		case KindDelete:
			fmt.Fprintf(&sb, "  - %s\n", d.Identity)
		}
	}
	return sb.String()
}

func writeChange(sb *strings.Builder, kind string, c Change) {
	old := secrets.Mask(kind, c.Path, c.OldValue)
	val := secrets.Mask(kind, c.Path, c.NewValue)
	switch c.Type {
	case ChangeAdd:
		fmt.Fprintf(sb, "      + %s: %s\n", c.Path, render(val))
	case ChangeRemove:
		fmt.Fprintf(sb, "      - %s: %s\n", c.Path, render(old))
	default:
		fmt.Fprintf(sb, "      ~ %s: %s -> %s\n", c.Path, render(old), render(val))
	}
}

func render(v interface{}) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// FormatJSON renders deltas and their summary as indented JSON.
func FormatJSON(deltas []Delta) (string, error) {
	type jsonPlan struct {
		HasChanges bool    `json:"has_changes"`
		Summary    Summary `json:"summary"`
		Deltas     []Delta `json:"deltas"`
	}
	masked := make([]Delta, len(deltas))
	for i, d := range deltas {
		masked[i] = Masked(d)
	}
	s := Summarize(deltas)
	data, err := json.MarshalIndent(jsonPlan{HasChanges: s.HasChanges(), Summary: s, Deltas: masked}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data) + "\n", nil
}

// Masked returns a copy of d with secret values replaced.
func Masked(d Delta) Delta {
	if len(d.Changes) == 0 {
		return d
	}
	changes := make([]Change, len(d.Changes))
	for i, c := range d.Changes {
		c.OldValue = secrets.Mask(d.Identity.Kind, c.Path, c.OldValue)
		c.NewValue = secrets.Mask(d.Identity.Kind, c.Path, c.NewValue)
		changes[i] = c
	}
	d.Changes = changes
	return d
}
