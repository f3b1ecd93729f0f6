// Package typemap maps OData Edm.* primitive types to storage column
// types, and normalizes storage type strings into a canonical family name
// for schema comparison (spec.md §4.A).
package typemap

import (
	"fmt"
	"strings"
)

// Target identifies a storage backend's type system.
type Target string

const (
	TargetSQLite   Target = "sqlite"
	TargetPostgres Target = "postgres"
)

// family tables: Edm.* -> storage type, one per target.
var sqliteFamily = map[string]string{
	"edm.string":         "TEXT",
	"edm.guid":           "TEXT",
	"edm.int32":          "INTEGER",
	"edm.int64":          "INTEGER",
	"edm.boolean":        "INTEGER",
	"edm.decimal":        "REAL",
	"edm.double":         "REAL",
	"edm.datetimeoffset": "TEXT",
	"edm.binary":         "BLOB",
}

var postgresFamily = map[string]string{
	"edm.string":         "TEXT",
	"edm.guid":           "UUID",
	"edm.int32":          "INTEGER",
	"edm.int64":          "BIGINT",
	"edm.boolean":        "BOOLEAN",
	"edm.decimal":        "NUMERIC",
	"edm.double":         "DOUBLE PRECISION",
	"edm.datetimeoffset": "TIMESTAMPTZ",
	"edm.binary":         "BYTEA",
}

const (
	sqliteFallback   = "TEXT"
	postgresFallback = "TEXT"
	sqliteOptionSet  = "INTEGER"
	postgresOptionSet = "INTEGER"
)

// MapEDM maps edmType to a storage type for target. When isOptionSet is
// true and edmType is Edm.String, the integer family is returned
// regardless of target: option sets arrive as strings in CSDL but
// semantically encode integer codes (spec.md §4.A).
func MapEDM(edmType string, target Target, maxLength *int, isOptionSet bool) (string, error) {
	key := strings.ToLower(strings.TrimSpace(edmType))

	if isOptionSet && key == "edm.string" {
		switch target {
		case TargetPostgres:
			return postgresOptionSet, nil
		default:
			return sqliteOptionSet, nil
		}
	}

	switch target {
	case TargetPostgres:
		if t, ok := postgresFamily[key]; ok {
			if t == "TEXT" && maxLength != nil && *maxLength > 0 {
				return fmt.Sprintf("VARCHAR(%d)", *maxLength), nil
			}
			return t, nil
		}
		return postgresFallback, nil
	case TargetSQLite:
		if t, ok := sqliteFamily[key]; ok {
			return t, nil
		}
		return sqliteFallback, nil
	default:
		return "", fmt.Errorf("typemap: unknown target %q", target)
	}
}

// familyAliases canonicalizes storage type name spellings that differ
// across dialects but denote the same family, used solely by the schema
// comparer (spec.md §4.A).
var familyAliases = map[string]string{
	"int":               "integer",
	"int4":              "integer",
	"integer":           "integer",
	"int8":              "bigint",
	"bigint":            "bigint",
	"varchar":           "text",
	"character varying": "text",
	"char":              "text",
	"text":              "text",
	"bool":              "boolean",
	"boolean":           "boolean",
	"real":              "double precision",
	"double precision":  "double precision",
	"float":             "double precision",
	"numeric":           "numeric",
	"decimal":           "numeric",
	"datetime":          "timestamp",
	"timestamp":         "timestamp",
	"timestamptz":       "timestamp",
	"blob":              "binary",
	"bytea":             "binary",
	"uuid":              "text",
}

// NormalizeFamily strips length qualifiers (e.g. "VARCHAR(100)" ->
// "varchar"), case-folds, and maps family aliases to a canonical family
// name. Used only by the schema comparer (spec.md §4.A).
func NormalizeFamily(storageType string) string {
	t := strings.ToLower(strings.TrimSpace(storageType))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	if canon, ok := familyAliases[t]; ok {
		return canon
	}
	return t
}
