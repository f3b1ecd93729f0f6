// Package pkresolve implements the effective primary-key quirk policy of
// spec.md §4.K, shared by the entity syncer and the filtered syncer:
// Dataverse sometimes declares a primary key in metadata that never
// actually appears as a payload column (e.g. "ownerid" declared as PK
// while records only carry "<entity>id"). The schema comparer's
// PK-mismatch tolerance is a separate rule in internal/schemadiff.
package pkresolve

import (
	"fmt"
	"strings"

	"dvsync/internal/core"
)

// Resolve returns the column that should actually be used as the
// business-key/effective-PK for schema, given its declared PK and the
// columns observed on the payload/table: the declared PK if present,
// else "<entityname>id", else any "*id" column not starting with "_",
// else an error.
func Resolve(schema core.TableSchema) (string, error) {
	if schema.PrimaryKey != "" && schema.HasColumn(schema.PrimaryKey) {
		return schema.PrimaryKey, nil
	}

	fallback := strings.ToLower(schema.EntityName) + "id"
	if schema.HasColumn(fallback) {
		return fallback, nil
	}

	for _, col := range schema.Columns {
		name := strings.ToLower(col.Name)
		if strings.HasPrefix(name, "_") {
			continue
		}
		if strings.HasSuffix(name, "id") {
			return col.Name, nil
		}
	}

	return "", fmt.Errorf("pkresolve: no usable primary key for entity %q (declared %q not found, no <name>id or *id column)", schema.EntityName, schema.PrimaryKey)
}
