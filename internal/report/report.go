// Package report renders schemadiff.Compare results as JSON and
// Markdown for the validate-schema CLI verb (spec.md §6), adapted from
// the teacher's internal/output JSON formatter (payload structs +
// json.MarshalIndent) generalized from a schema-diff payload to a
// schema-validation payload.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"dvsync/internal/schemadiff"
)

type summary struct {
	Errors   int `json:"errors"`
	Warnings int `json:"warnings"`
	Infos    int `json:"infos"`
}

func summarize(diffs []schemadiff.SchemaDifference) summary {
	var s summary
	for _, d := range diffs {
		switch d.Severity {
		case schemadiff.SeverityError:
			s.Errors++
		case schemadiff.SeverityWarning:
			s.Warnings++
		default:
			s.Infos++
		}
	}
	return s
}

type issuePayload struct {
	Entity      string            `json:"entity"`
	IssueType   string            `json:"issueType"`
	Severity    string            `json:"severity"`
	Description string            `json:"description"`
	Details     map[string]string `json:"details,omitempty"`
}

type validationPayload struct {
	Summary summary        `json:"summary"`
	Issues  []issuePayload `json:"issues,omitempty"`
}

func toPayload(diffs []schemadiff.SchemaDifference) validationPayload {
	payload := validationPayload{Summary: summarize(diffs)}
	for _, d := range diffs {
		payload.Issues = append(payload.Issues, issuePayload{
			Entity:      d.Entity,
			IssueType:   string(d.IssueType),
			Severity:    string(d.Severity),
			Description: d.Description,
			Details:     d.Details,
		})
	}
	return payload
}

// WriteJSON renders diffs as an indented JSON document.
func WriteJSON(w io.Writer, diffs []schemadiff.SchemaDifference) error {
	b, err := json.MarshalIndent(toPayload(diffs), "", "  ")
	if err != nil {
		return fmt.Errorf("report: marshal json: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// WriteMarkdown renders diffs as a Markdown document: a summary line
// followed by one table per affected entity, sorted for stable output.
func WriteMarkdown(w io.Writer, diffs []schemadiff.SchemaDifference) error {
	s := summarize(diffs)
	var b strings.Builder
	b.WriteString("# Schema Validation Report\n\n")
	fmt.Fprintf(&b, "%d error(s), %d warning(s), %d info(s)\n\n", s.Errors, s.Warnings, s.Infos)

	if len(diffs) == 0 {
		b.WriteString("No discrepancies found.\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	byEntity := make(map[string][]schemadiff.SchemaDifference)
	for _, d := range diffs {
		byEntity[d.Entity] = append(byEntity[d.Entity], d)
	}
	entities := make([]string, 0, len(byEntity))
	for e := range byEntity {
		entities = append(entities, e)
	}
	sort.Strings(entities)

	for _, entity := range entities {
		fmt.Fprintf(&b, "## %s\n\n", entity)
		b.WriteString("| Severity | Type | Description |\n")
		b.WriteString("|---|---|---|\n")
		for _, d := range byEntity[entity] {
			fmt.Fprintf(&b, "| %s | %s | %s |\n", d.Severity, d.IssueType, d.Description)
		}
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}
