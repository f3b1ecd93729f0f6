package storage

import (
	"encoding/json"
	"strings"
)

const odataMetadataPrefix = "@odata."

// Canonicalize produces the canonical JSON payload used both as the
// stored json_response and as the comparison basis for the SCD2 upsert:
// keys sorted (encoding/json already sorts map keys lexicographically)
// and any key prefixed with the OData metadata marker stripped, since
// those change on every fetch and must not trigger spurious new versions
// (spec.md §4.D, testable property 4).
func Canonicalize(record map[string]any) (string, error) {
	filtered := make(map[string]any, len(record))
	for k, v := range record {
		if strings.HasPrefix(strings.ToLower(k), odataMetadataPrefix) {
			continue
		}
		filtered[k] = v
	}
	b, err := json.Marshal(filtered)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
