// Package schemadiff compares a projected schema (parsed from CSDL
// metadata) against an observed schema (introspected from the storage
// backend) and classifies every discrepancy (spec.md §4.C). It adapts
// the teacher's table/column diffing split (Pieczasz-smf's
// internal/diff package) from a symmetric old-vs-new comparison into the
// asymmetric projected-vs-observed shape this spec needs.
package schemadiff

import (
	"fmt"
	"strings"

	"dvsync/internal/core"
	"dvsync/internal/typemap"
)

// Severity classifies how serious a SchemaDifference is.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// IssueType enumerates the discrepancy kinds of spec.md §4.C.
type IssueType string

const (
	MissingTable     IssueType = "missing_table"
	ExtraTable       IssueType = "extra_table"
	MissingColumn    IssueType = "missing_column"
	ExtraColumn      IssueType = "extra_column"
	TypeMismatch     IssueType = "type_mismatch"
	NullableMismatch IssueType = "nullable_mismatch"
	PKMismatch       IssueType = "pk_mismatch"
	FKMissing        IssueType = "fk_missing"
	FKMismatch       IssueType = "fk_mismatch"
	FKExtra          IssueType = "fk_extra"
)

var severityOf = map[IssueType]Severity{
	MissingTable:     SeverityInfo,
	ExtraTable:       SeverityWarning,
	MissingColumn:    SeverityInfo,
	ExtraColumn:      SeverityWarning,
	TypeMismatch:     SeverityError,
	NullableMismatch: SeverityWarning,
	PKMismatch:       SeverityError,
	FKMissing:        SeverityInfo,
	FKMismatch:       SeverityWarning,
	FKExtra:          SeverityInfo,
}

// SchemaDifference is one reported discrepancy.
type SchemaDifference struct {
	Entity      string
	IssueType   IssueType
	Severity    Severity
	Description string
	Details     map[string]string
}

func newDiff(entity string, issue IssueType, description string, details map[string]string) SchemaDifference {
	return SchemaDifference{
		Entity:      entity,
		IssueType:   issue,
		Severity:    severityOf[issue],
		Description: description,
		Details:     details,
	}
}

// SurrogatePrimaryKey is the physical row identifier every storage
// backend adds; it is not part of the projected business-key schema.
const SurrogatePrimaryKey = "row_id"

// Compare diffs projected against observed table schemas, keyed by
// entity name. Both maps are expected to have system SCD2 columns
// (row_id, json_response, sync_time, valid_from, valid_to) already
// filtered out by the caller (spec.md §4.K step 4).
func Compare(projected, observed map[string]core.TableSchema) []SchemaDifference {
	var diffs []SchemaDifference

	for name, proj := range projected {
		obs, ok := observed[name]
		if !ok {
			diffs = append(diffs, newDiff(name, MissingTable, fmt.Sprintf("table for entity %q does not exist yet", name), nil))
			continue
		}
		diffs = append(diffs, compareTable(name, proj, obs)...)
	}

	for name := range observed {
		if _, ok := projected[name]; !ok {
			diffs = append(diffs, newDiff(name, ExtraTable, fmt.Sprintf("table for entity %q is not in the projected metadata", name), nil))
		}
	}

	return diffs
}

func compareTable(entity string, proj, obs core.TableSchema) []SchemaDifference {
	var diffs []SchemaDifference

	diffs = append(diffs, compareColumns(entity, proj, obs)...)
	diffs = append(diffs, comparePrimaryKey(entity, proj, obs)...)
	diffs = append(diffs, compareForeignKeys(entity, proj, obs)...)

	return diffs
}

func compareColumns(entity string, proj, obs core.TableSchema) []SchemaDifference {
	var diffs []SchemaDifference

	for _, pc := range proj.Columns {
		oc, ok := obs.Column(pc.Name)
		if !ok {
			diffs = append(diffs, newDiff(entity, MissingColumn,
				fmt.Sprintf("column %q is projected but not observed (additive, payload preserved in json_response)", pc.Name),
				map[string]string{"column": pc.Name}))
			continue
		}

		pFamily := typemap.NormalizeFamily(pc.StorageType)
		oFamily := typemap.NormalizeFamily(oc.StorageType)
		if pFamily != oFamily {
			diffs = append(diffs, newDiff(entity, TypeMismatch,
				fmt.Sprintf("column %q: projected type %q, observed type %q", pc.Name, pc.StorageType, oc.StorageType),
				map[string]string{"column": pc.Name, "projected": pc.StorageType, "observed": oc.StorageType}))
		}

		if pc.Nullable != oc.Nullable {
			diffs = append(diffs, newDiff(entity, NullableMismatch,
				fmt.Sprintf("column %q: projected nullable=%v, observed nullable=%v", pc.Name, pc.Nullable, oc.Nullable),
				map[string]string{"column": pc.Name}))
		}
	}

	for _, oc := range obs.Columns {
		if !proj.HasColumn(oc.Name) {
			diffs = append(diffs, newDiff(entity, ExtraColumn,
				fmt.Sprintf("column %q is observed but not projected (tolerated)", oc.Name),
				map[string]string{"column": oc.Name}))
		}
	}

	return diffs
}

// comparePrimaryKey implements the one documented exception of §4.C /
// §4.K: when the observed PK is the surrogate row identifier and the
// projected PK exists as a regular (non-PK) column, this is treated as a
// match rather than a mismatch — the Dataverse-quirk fallback PK
// resolution policy (§4.K) means the business key is stored as an
// ordinary indexed column, not the physical PK.
func comparePrimaryKey(entity string, proj, obs core.TableSchema) []SchemaDifference {
	if proj.PrimaryKey == "" || obs.PrimaryKey == "" {
		return nil
	}
	if strings.EqualFold(proj.PrimaryKey, obs.PrimaryKey) {
		return nil
	}
	if strings.EqualFold(obs.PrimaryKey, SurrogatePrimaryKey) && proj.HasColumn(proj.PrimaryKey) {
		return nil
	}
	return []SchemaDifference{newDiff(entity, PKMismatch,
		fmt.Sprintf("projected primary key %q does not match observed primary key %q", proj.PrimaryKey, obs.PrimaryKey),
		map[string]string{"projected": proj.PrimaryKey, "observed": obs.PrimaryKey})}
}

func compareForeignKeys(entity string, proj, obs core.TableSchema) []SchemaDifference {
	var diffs []SchemaDifference

	findObs := func(column string) (core.ForeignKeySpec, bool) {
		for _, fk := range obs.ForeignKeys {
			if strings.EqualFold(fk.Column, column) {
				return fk, true
			}
		}
		return core.ForeignKeySpec{}, false
	}

	seen := make(map[string]bool)
	for _, pfk := range proj.ForeignKeys {
		seen[strings.ToLower(pfk.Column)] = true
		ofk, ok := findObs(pfk.Column)
		if !ok {
			diffs = append(diffs, newDiff(entity, FKMissing,
				fmt.Sprintf("foreign key on %q is projected but not observed", pfk.Column),
				map[string]string{"column": pfk.Column}))
			continue
		}
		if !pfk.Equal(ofk) {
			diffs = append(diffs, newDiff(entity, FKMismatch,
				fmt.Sprintf("foreign key on %q: projected -> %s.%s, observed -> %s.%s",
					pfk.Column, pfk.ReferencedTable, pfk.ReferencedColumn, ofk.ReferencedTable, ofk.ReferencedColumn),
				map[string]string{"column": pfk.Column}))
		}
	}

	for _, ofk := range obs.ForeignKeys {
		if !seen[strings.ToLower(ofk.Column)] {
			diffs = append(diffs, newDiff(entity, FKExtra,
				fmt.Sprintf("foreign key on %q is observed but not projected", ofk.Column),
				map[string]string{"column": ofk.Column}))
		}
	}

	return diffs
}

// HasErrors reports whether any difference is at error severity (these
// abort the run before any data fetch, spec.md §4.C).
func HasErrors(diffs []SchemaDifference) bool {
	for _, d := range diffs {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// SystemColumns lists the SCD2 columns every entity table carries beyond
// its projected business columns; the orchestrator filters these out of
// the observed schema before calling Compare (spec.md §4.K step 4).
var SystemColumns = map[string]bool{
	"row_id":        true,
	"json_response": true,
	"sync_time":     true,
	"valid_from":    true,
	"valid_to":      true,
}

// StripSystemColumns returns a copy of schema with SystemColumns removed.
func StripSystemColumns(schema core.TableSchema) core.TableSchema {
	filtered := make([]core.ColumnSpec, 0, len(schema.Columns))
	for _, c := range schema.Columns {
		if SystemColumns[strings.ToLower(c.Name)] {
			continue
		}
		filtered = append(filtered, c)
	}
	schema.Columns = filtered
	return schema
}
