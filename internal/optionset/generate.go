// generate.go implements the generate-optionset-config CLI verb's
// heuristic (supplemented from original_source/generate_optionset_config.py,
// see DESIGN.md): recover which entities actually carry a given
// option-set field by checking for the field's column or junction table
// on each configured entity.
package optionset

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"dvsync/internal/core"
	"dvsync/internal/storage"
)

const optionSetTablePrefix = "_optionset_"

// GenerateEntityFieldMap scans the local store's _optionset_* tables and,
// for each, determines which of entities actually carries that field:
// either an integer column of the field's name on the entity's table, or a
// `_junction_<entity>_<field>` table (multi-select fields have no column on
// the entity table itself). The result maps each entity's configured
// singular name -> sorted field names, matching the option-set config
// format of spec.md §6 (`{"<singular_entity>":["<field>", ...]}`) and
// `metadata.ParseCSDL`'s singular-keyed `optionSetOverrides` lookup, so the
// output round-trips back through `--optionsets-config` (the original's
// `table_to_entity` plural->singular conversion in
// scripts/optionset.py, see DESIGN.md).
func GenerateEntityFieldMap(ctx context.Context, store *storage.Manager, entities []core.EntityConfig) (map[string][]string, error) {
	observed, err := store.Backend().ObserveSchema(ctx, store.DB())
	if err != nil {
		return nil, fmt.Errorf("optionset: observe schema: %w", err)
	}

	var fields []string
	for table := range observed {
		if field, ok := strings.CutPrefix(table, optionSetTablePrefix); ok {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)

	result := make(map[string][]string)
	for _, e := range entities {
		table := e.ResolvedAPIName()
		entitySchema, ok := observed[strings.ToLower(table)]
		if !ok {
			continue
		}

		var entityFields []string
		for _, field := range fields {
			if entityOwnsOptionSetField(entitySchema, table, field, observed) {
				entityFields = append(entityFields, field)
			}
		}
		if len(entityFields) > 0 {
			result[e.Name] = entityFields
		}
	}
	return result, nil
}

// entityOwnsOptionSetField reports whether entity actually carries field:
// either a junction table (multi-select) or an integer-typed column
// (single-select) on the entity's own table.
func entityOwnsOptionSetField(entitySchema core.TableSchema, entity, field string, observed map[string]core.TableSchema) bool {
	if _, ok := observed[storage.JunctionTableName(entity, field)]; ok {
		return true
	}
	col, ok := entitySchema.Column(field)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(col.StorageType), "int")
}
