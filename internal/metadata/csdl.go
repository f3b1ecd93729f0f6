// Package metadata parses Dataverse's $metadata CSDL (Common Schema
// Definition Language) XML document into projected TableSchema values
// (spec.md §4.B). Documents run to several megabytes with hundreds of
// entity types, so the document is streamed token-by-token rather than
// unmarshaled in one shot.
package metadata

import (
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"dvsync/internal/core"
	"dvsync/internal/typemap"
)

// xmlEntityType mirrors the subset of CSDL's EntityType element this
// parser cares about. It is decoded one element at a time via
// decoder.DecodeElement, not by unmarshaling the whole document.
type xmlEntityType struct {
	Name     string `xml:"Name,attr"`
	Abstract string `xml:"Abstract,attr"`
	Key      struct {
		PropertyRefs []struct {
			Name string `xml:"Name,attr"`
		} `xml:"PropertyRef"`
	} `xml:"Key"`
	Properties []struct {
		Name      string `xml:"Name,attr"`
		Type      string `xml:"Type,attr"`
		Nullable  string `xml:"Nullable,attr"`
		MaxLength string `xml:"MaxLength,attr"`
	} `xml:"Property"`
	NavigationProperties []struct {
		Name                   string `xml:"Name,attr"`
		Type                   string `xml:"Type,attr"`
		ReferentialConstraints []struct {
			Property           string `xml:"Property,attr"`
			ReferencedProperty string `xml:"ReferencedProperty,attr"`
		} `xml:"ReferentialConstraint"`
	} `xml:"NavigationProperty"`
}

var namespacedTypeSuffix = regexp.MustCompile(`^Collection\((.*)\)$`)

// singularFromType strips "Collection(...)" and any namespace prefix,
// returning the bare singular entity name a NavigationProperty's Type
// attribute points at (spec.md §4.B).
func singularFromType(t string) string {
	if m := namespacedTypeSuffix.FindStringSubmatch(t); m != nil {
		t = m[1]
	}
	if i := strings.LastIndexByte(t, '.'); i >= 0 {
		t = t[i+1:]
	}
	return t
}

var fieldValuePattern = regexp.MustCompile(`^_(.+)_value$`)
var trailingIDPattern = regexp.MustCompile(`^(.+)id$`)

// inferForeignKey applies the two inferred FK patterns of spec.md §4.B
// for a column not already covered by a ReferentialConstraint.
func inferForeignKey(columnName, primaryKey string) (core.ForeignKeySpec, bool) {
	if m := fieldValuePattern.FindStringSubmatch(columnName); m != nil {
		field := m[1]
		return core.ForeignKeySpec{
			Column:           columnName,
			ReferencedTable:  field,
			ReferencedColumn: field + "id",
		}, true
	}

	if strings.EqualFold(columnName, "versionnumber") {
		return core.ForeignKeySpec{}, false
	}
	if m := trailingIDPattern.FindStringSubmatch(strings.ToLower(columnName)); m != nil {
		if strings.EqualFold(columnName, primaryKey) {
			return core.ForeignKeySpec{}, false
		}
		name := m[1]
		return core.ForeignKeySpec{
			Column:           columnName,
			ReferencedTable:  name,
			ReferencedColumn: name + "id",
		}, true
	}
	return core.ForeignKeySpec{}, false
}

// ParseCSDL reads a CSDL XML document and returns a mapping from
// singular entity name to its projected TableSchema. optionSetOverrides
// declares which string-typed columns of which entities are actually
// option sets (entity -> field names); that flag is passed into the
// type mapper when emitting each ColumnSpec.StorageType.
func ParseCSDL(r io.Reader, target typemap.Target, optionSetOverrides map[string][]string) (map[string]core.TableSchema, error) {
	decoder := xml.NewDecoder(r)
	result := make(map[string]core.TableSchema)

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("metadata: parse CSDL: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "EntityType" {
			continue
		}

		var et xmlEntityType
		if err := decoder.DecodeElement(&et, &start); err != nil {
			return nil, fmt.Errorf("metadata: decode EntityType: %w", err)
		}

		if strings.EqualFold(et.Abstract, "true") {
			continue
		}

		schema, err := projectEntityType(et, target, optionSetOverrides[et.Name])
		if err != nil {
			return nil, fmt.Errorf("metadata: project entity %q: %w", et.Name, err)
		}
		result[et.Name] = schema
	}

	return result, nil
}

func projectEntityType(et xmlEntityType, target typemap.Target, optionSetFields []string) (core.TableSchema, error) {
	isOptionSet := make(map[string]bool, len(optionSetFields))
	for _, f := range optionSetFields {
		isOptionSet[strings.ToLower(f)] = true
	}

	var primaryKey string
	if len(et.Key.PropertyRefs) > 0 {
		primaryKey = et.Key.PropertyRefs[0].Name
	}

	columns := make([]core.ColumnSpec, 0, len(et.Properties))
	for _, p := range et.Properties {
		nullable := true
		if p.Nullable != "" {
			n, err := strconv.ParseBool(p.Nullable)
			if err == nil {
				nullable = n
			}
		}

		var maxLength *int
		if p.MaxLength != "" {
			if n, err := strconv.Atoi(p.MaxLength); err == nil {
				maxLength = &n
			}
		}

		storageType, err := typemap.MapEDM(p.Type, target, maxLength, isOptionSet[strings.ToLower(p.Name)])
		if err != nil {
			return core.TableSchema{}, err
		}

		columns = append(columns, core.ColumnSpec{
			Name:        p.Name,
			StorageType: storageType,
			EdmType:     p.Type,
			Nullable:    nullable,
			MaxLength:   maxLength,
		})
	}

	fks := buildForeignKeys(et, columns, primaryKey)

	return core.TableSchema{
		EntityName:  et.Name,
		Columns:     columns,
		PrimaryKey:  primaryKey,
		ForeignKeys: fks,
	}, nil
}

// buildForeignKeys merges authoritative NavigationProperty constraints
// with the inferred patterns, authoritative taking precedence for any
// column it covers (spec.md §4.B).
func buildForeignKeys(et xmlEntityType, columns []core.ColumnSpec, primaryKey string) []core.ForeignKeySpec {
	covered := make(map[string]bool)
	var fks []core.ForeignKeySpec

	for _, nav := range et.NavigationProperties {
		referencedEntity := singularFromType(nav.Type)
		for _, rc := range nav.ReferentialConstraints {
			fks = append(fks, core.ForeignKeySpec{
				Column:           rc.Property,
				ReferencedTable:  referencedEntity,
				ReferencedColumn: rc.ReferencedProperty,
			})
			covered[strings.ToLower(rc.Property)] = true
		}
	}

	for _, c := range columns {
		if covered[strings.ToLower(c.Name)] {
			continue
		}
		if fk, ok := inferForeignKey(c.Name, primaryKey); ok {
			fks = append(fks, fk)
			covered[strings.ToLower(c.Name)] = true
		}
	}

	return fks
}
