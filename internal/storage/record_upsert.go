package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"dvsync/internal/core"
	"dvsync/internal/optionset"
)

// UpsertEntityRecord drives the per-record batch-upsert logic of spec.md
// §4.D: detect option sets, project entity columns (omitting multi-select
// fields, which live only in the junction), canonicalize the payload,
// run the SCD2 upsert, then populate the option-set lookup tables (every
// record) and the junction table (only when a new version was created).
//
// entityPlural is the table name (the API plural); schema is the
// projected schema for the entity; effectivePK is the resolved primary
// key column name (spec.md §4.K quirk policy, resolved by the caller).
func (m *Manager) UpsertEntityRecord(ctx context.Context, entityPlural string, schema core.TableSchema, effectivePK string, record map[string]any, syncTime time.Time) (core.SCD2Result, error) {
	detected := optionset.Detect(record)

	multiSelect := make(map[string]bool, len(detected))
	for field, set := range detected {
		if set.IsMultiSelect {
			multiSelect[strings.ToLower(field)] = true
		}
	}

	columnValues := make(map[string]any, len(schema.Columns))
	for _, col := range schema.Columns {
		if multiSelect[strings.ToLower(col.Name)] {
			continue
		}
		if v, ok := record[col.Name]; ok {
			columnValues[col.Name] = normalizeValue(v)
		}
	}

	businessKeyValue, ok := record[effectivePK]
	if !ok {
		return core.SCD2Result{}, fmt.Errorf("storage: record has no value for effective primary key %q", effectivePK)
	}
	businessKeyStr := fmt.Sprint(normalizeValue(businessKeyValue))

	jsonResponse, err := Canonicalize(record)
	if err != nil {
		return core.SCD2Result{}, fmt.Errorf("storage: canonicalize record for %s: %w", entityPlural, err)
	}

	result, err := m.UpsertSCD2(ctx, entityPlural, effectivePK, businessKeyStr, jsonResponse, columnValues, syncTime, syncTime)
	if err != nil {
		return core.SCD2Result{}, err
	}

	// Option-set lookup population happens on every record, independent
	// of whether the parent entity's version changed: a record can
	// surface a brand-new code even when its own payload is unchanged.
	for field, set := range detected {
		if err := m.EnsureOptionSetTable(ctx, field); err != nil {
			return core.SCD2Result{}, err
		}
		if err := m.UpsertOptionSetLookup(ctx, field, set.CodesAndLabels, syncTime); err != nil {
			return core.SCD2Result{}, err
		}
	}

	if result.VersionCreated {
		for field, set := range detected {
			if !set.IsMultiSelect {
				continue
			}
			if err := m.EnsureJunctionTable(ctx, entityPlural, field); err != nil {
				return core.SCD2Result{}, err
			}
			codes := sortedCodes(set.CodesAndLabels)
			if err := m.SnapshotJunction(ctx, entityPlural, field, businessKeyStr, codes, syncTime); err != nil {
				return core.SCD2Result{}, err
			}
		}
	}

	return result, nil
}

func sortedCodes(m map[int]string) []int {
	codes := make([]int, 0, len(m))
	for c := range m {
		codes = append(codes, c)
	}
	sort.Ints(codes)
	return codes
}

// normalizeValue converts JSON-decoded float64 whole numbers to int64 so
// integer storage columns don't receive "1.0"-shaped values.
func normalizeValue(v any) any {
	f, ok := v.(float64)
	if !ok {
		return v
	}
	if f == float64(int64(f)) {
		return int64(f)
	}
	return f
}
