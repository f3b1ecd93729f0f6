// Package core contains the single source of truth for a synced entity's
// shape: the projected schema parsed from Dataverse metadata, and the
// configuration that selects which entities a run touches. Equality on
// these types is case-insensitive on names and storage-type families,
// since the same column can be reported with different casing by the
// metadata document and by a storage backend's introspection.
package core

import "strings"

// EntityConfig is one line of the entities configuration file (spec.md §6).
type EntityConfig struct {
	Name        string // singular, e.g. "account"
	APIName     string // plural, e.g. "accounts"; derived when empty
	Filtered    bool
	Description string
}

// ResolvedAPIName returns APIName, falling back to Name+"s" when unset.
func (e EntityConfig) ResolvedAPIName() string {
	if e.APIName != "" {
		return e.APIName
	}
	return e.Name + "s"
}

// ColumnSpec describes one column of a projected or observed table.
type ColumnSpec struct {
	Name        string
	StorageType string
	EdmType     string // empty when the column comes from storage introspection
	Nullable    bool
	MaxLength   *int
}

// Equal reports case-insensitive equality on name and storage-type family.
// MaxLength and EdmType are descriptive, not part of identity.
func (c ColumnSpec) Equal(other ColumnSpec) bool {
	return strings.EqualFold(c.Name, other.Name) &&
		strings.EqualFold(normalizeTypeFamily(c.StorageType), normalizeTypeFamily(other.StorageType))
}

// HashKey returns a case-folded key consistent with Equal, suitable for
// use as a map key when comparing column sets.
func (c ColumnSpec) HashKey() string {
	return strings.ToLower(c.Name) + "|" + strings.ToLower(normalizeTypeFamily(c.StorageType))
}

// normalizeTypeFamily is a local, dependency-free fold used only for
// ColumnSpec identity; internal/typemap.NormalizeFamily performs the full
// canonicalization used by the schema comparer.
func normalizeTypeFamily(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(t)
}

// ForeignKeySpec describes one foreign key relationship, authoritative or
// inferred (spec.md §4.B).
type ForeignKeySpec struct {
	Column           string
	ReferencedTable  string
	ReferencedColumn string
}

// Equal reports case-insensitive equality across all three fields.
func (f ForeignKeySpec) Equal(other ForeignKeySpec) bool {
	return strings.EqualFold(f.Column, other.Column) &&
		strings.EqualFold(f.ReferencedTable, other.ReferencedTable) &&
		strings.EqualFold(f.ReferencedColumn, other.ReferencedColumn)
}

// IndexSpec describes a secondary index the storage manager maintains.
type IndexSpec struct {
	Name    string
	Columns []string
	Unique  bool
}

// TableSchema is the projected or observed shape of one entity table.
// PrimaryKey is the business key (spec.md §3), distinct from the physical
// surrogate row id the storage manager always adds.
type TableSchema struct {
	EntityName  string
	Columns     []ColumnSpec
	PrimaryKey  string
	ForeignKeys []ForeignKeySpec
	Indexes     []IndexSpec
}

// Column looks up a column by case-insensitive name.
func (t TableSchema) Column(name string) (ColumnSpec, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return ColumnSpec{}, false
}

// HasColumn reports whether name exists, case-insensitively.
func (t TableSchema) HasColumn(name string) bool {
	_, ok := t.Column(name)
	return ok
}

// DetectedOptionSet is the result of recovering a code/label mapping for
// one field from formatted-value annotations (spec.md §4.F).
type DetectedOptionSet struct {
	FieldName     string
	IsMultiSelect bool
	CodesAndLabels map[int]string
}

// SCD2Result is returned by every entity upsert (spec.md §3) and drives
// junction-table snapshotting.
type SCD2Result struct {
	IsNewEntity      bool
	VersionCreated   bool
	ValidFrom        string // RFC3339, the canonical timestamp for this version
	BusinessKeyValue string
}
