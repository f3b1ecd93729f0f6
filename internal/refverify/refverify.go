// Package refverify is the Reference Verifier of spec.md §4.J: an
// optional post-sync pass that reports foreign keys in the local store
// pointing at business-key values that do not exist in any version of
// the referenced table.
package refverify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"dvsync/internal/core"
	"dvsync/internal/storage"
)

const sampleLimit = 10

// VerificationIssue reports dangling FK values for one referrer/FK pair
// (spec.md §4.J).
type VerificationIssue struct {
	Table           string
	FKColumn        string
	ReferencedTable string
	DanglingCount   int
	TotalChecked    int
	SampleIDs       []string
}

// Report is the outcome of a full verification pass over every
// configured entity's declared FKs.
type Report struct {
	Issues        []VerificationIssue
	TotalDangling int
}

// HasIssues reports whether any FK produced dangling values.
func (r Report) HasIssues() bool { return len(r.Issues) > 0 }

// Render produces the human-readable summary mentioned in spec.md §4.J.
func (r Report) Render() string {
	if !r.HasIssues() {
		return "reference verification: no dangling foreign keys found"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "reference verification: %d dangling value(s) across %d foreign key(s)\n", r.TotalDangling, len(r.Issues))
	for _, iss := range r.Issues {
		fmt.Fprintf(&b, "  %s.%s -> %s: %d/%d dangling (sample: %s)\n",
			iss.Table, iss.FKColumn, iss.ReferencedTable, iss.DanglingCount, iss.TotalChecked, strings.Join(iss.SampleIDs, ", "))
	}
	return b.String()
}

// Verifier runs the dangling-FK checks of spec.md §4.J against the local
// store.
type Verifier struct {
	store *storage.Manager
	log   *zap.Logger
}

// New builds a Verifier over store.
func New(store *storage.Manager, log *zap.Logger) *Verifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Verifier{store: store, log: log}
}

// Verify checks every FK declared on a configured entity's schema against
// its referenced table, skipping FKs whose referenced table is missing
// from the local store (spec.md §4.J: "may be outside the configured
// set", not an error) or entities whose own table is missing (not yet
// synced).
//
// Only active rows (valid_to IS NULL) are checked on the referrer side:
// a dangling value in a superseded historical version is not actionable.
// The referenced side is matched against any version of the referenced
// business key (spec.md §4.J: "matches succeed against any historical
// version"), so no valid_to filter is applied there.
func (v *Verifier) Verify(ctx context.Context, schemas map[string]core.TableSchema, configured map[string]core.EntityConfig) (Report, error) {
	names := make([]string, 0, len(configured))
	for name := range configured {
		names = append(names, name)
	}
	sort.Strings(names)

	var report Report
	for _, name := range names {
		cfg := configured[name]
		schema, ok := schemas[name]
		if !ok {
			continue
		}
		table := cfg.ResolvedAPIName()
		exists, err := v.store.TableExists(ctx, table)
		if err != nil {
			return Report{}, fmt.Errorf("refverify: check %s exists: %w", table, err)
		}
		if !exists {
			continue
		}

		for _, fk := range schema.ForeignKeys {
			refCfg, ok := configured[strings.ToLower(fk.ReferencedTable)]
			if !ok {
				continue
			}
			refTable := refCfg.ResolvedAPIName()
			refExists, err := v.store.TableExists(ctx, refTable)
			if err != nil {
				return Report{}, fmt.Errorf("refverify: check %s exists: %w", refTable, err)
			}
			if !refExists {
				continue
			}

			issue, err := v.verifyFK(ctx, table, fk, refTable)
			if err != nil {
				return Report{}, err
			}
			if issue.DanglingCount > 0 {
				report.Issues = append(report.Issues, issue)
				report.TotalDangling += issue.DanglingCount
			}
		}
	}
	return report, nil
}

func (v *Verifier) verifyFK(ctx context.Context, table string, fk core.ForeignKeySpec, refTable string) (VerificationIssue, error) {
	backend := v.store.Backend()
	q := backend.QuoteIdent
	fkCol, refCol := q(fk.Column), q(fk.ReferencedColumn)
	t, r := q(table), q(refTable)

	totalQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s IS NOT NULL AND valid_to IS NULL", t, fkCol)
	var total int
	if err := v.store.DB().QueryRowContext(ctx, totalQuery).Scan(&total); err != nil {
		return VerificationIssue{}, fmt.Errorf("refverify: count %s.%s: %w", table, fk.Column, err)
	}
	if total == 0 {
		return VerificationIssue{}, nil
	}

	danglingQuery := fmt.Sprintf(
		"SELECT COUNT(*) FROM %s t LEFT JOIN %s r ON t.%s = r.%s WHERE t.%s IS NOT NULL AND t.valid_to IS NULL AND r.%s IS NULL",
		t, r, q(fk.Column), refCol, q(fk.Column), refCol)
	var dangling int
	if err := v.store.DB().QueryRowContext(ctx, danglingQuery).Scan(&dangling); err != nil {
		return VerificationIssue{}, fmt.Errorf("refverify: dangling %s.%s: %w", table, fk.Column, err)
	}
	if dangling == 0 {
		return VerificationIssue{}, nil
	}

	sampleQuery := fmt.Sprintf(
		"SELECT DISTINCT t.%s FROM %s t LEFT JOIN %s r ON t.%s = r.%s WHERE t.%s IS NOT NULL AND t.valid_to IS NULL AND r.%s IS NULL LIMIT %d",
		q(fk.Column), t, r, q(fk.Column), refCol, q(fk.Column), refCol, sampleLimit)
	rows, err := v.store.DB().QueryContext(ctx, sampleQuery)
	if err != nil {
		return VerificationIssue{}, fmt.Errorf("refverify: sample %s.%s: %w", table, fk.Column, err)
	}
	defer rows.Close()

	var samples []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return VerificationIssue{}, err
		}
		samples = append(samples, id)
	}
	if err := rows.Err(); err != nil {
		return VerificationIssue{}, err
	}

	return VerificationIssue{
		Table:           table,
		FKColumn:        fk.Column,
		ReferencedTable: refTable,
		DanglingCount:   dangling,
		TotalChecked:    total,
		SampleIDs:       samples,
	}, nil
}
