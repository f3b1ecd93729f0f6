// Package relgraph builds the bidirectional entity-reference index used
// by the filtered syncer to discover the transitive closure of IDs to
// fetch (spec.md §4.G).
package relgraph

import (
	"strings"

	"dvsync/internal/core"
)

// Edge names one foreign-key relationship. Table is the plural API name
// on the "many" side; FKColumn is the referrer's FK column; RefColumn is
// the referenced business key (never the surrogate row id).
type Edge struct {
	Table     string
	FKColumn  string
	RefColumn string
}

// Graph is a bidirectional index of FK relationships among configured
// entities only.
type Graph struct {
	referencesTo map[string][]Edge // apiName(plural ref target) -> edges pointing at it
	referencedBy map[string][]Edge // apiName -> edges the entity itself declares
}

// Build constructs the graph from parsed schemas, restricted to entities
// present in configured (keyed by singular name). Both ends of a FK must
// be configured for the edge to be recorded (spec.md §4.G).
func Build(schemas map[string]core.TableSchema, configured map[string]core.EntityConfig) *Graph {
	g := &Graph{
		referencesTo: make(map[string][]Edge),
		referencedBy: make(map[string][]Edge),
	}

	pluralOf := make(map[string]string, len(configured)) // lower(singular) -> plural
	for name, cfg := range configured {
		pluralOf[strings.ToLower(name)] = cfg.ResolvedAPIName()
	}

	for singular, cfg := range configured {
		schema, ok := schemas[singular]
		if !ok {
			continue
		}
		selfPlural := cfg.ResolvedAPIName()

		for _, fk := range schema.ForeignKeys {
			refPlural, ok := pluralOf[strings.ToLower(fk.ReferencedTable)]
			if !ok {
				continue
			}

			edge := Edge{Table: selfPlural, FKColumn: fk.Column, RefColumn: fk.ReferencedColumn}
			g.referencedBy[selfPlural] = append(g.referencedBy[selfPlural], edge)
			g.referencesTo[refPlural] = append(g.referencesTo[refPlural], edge)
		}
	}

	return g
}

// EntitiesThatReference returns the edges of entities that hold a FK
// pointing at the given (plural) entity.
func (g *Graph) EntitiesThatReference(apiName string) []Edge {
	return g.referencesTo[apiName]
}

// EntitiesReferencedBy returns the edges the given (plural) entity itself
// declares, i.e. what it points at.
func (g *Graph) EntitiesReferencedBy(apiName string) []Edge {
	return g.referencedBy[apiName]
}
