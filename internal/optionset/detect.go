// Package optionset recovers option-set code/label mappings from the
// formatted-value annotations Dataverse attaches to option-set fields in
// JSON responses (spec.md §4.F).
package optionset

import (
	"strconv"
	"strings"

	"dvsync/internal/core"
)

const formattedValueSuffix = "@OData.Community.Display.V1.FormattedValue"

// Detect scans one JSON record's keys and returns the option sets found,
// keyed by field name. Fields whose raw value cannot be parsed as an
// integer (or comma-separated integers) are skipped: they are not real
// option sets (spec.md §4.F).
func Detect(record map[string]any) map[string]core.DetectedOptionSet {
	result := make(map[string]core.DetectedOptionSet)

	for key := range record {
		field, ok := strings.CutSuffix(key, formattedValueSuffix)
		if !ok {
			continue
		}

		rawVal, hasRaw := record[field]
		if !hasRaw {
			continue
		}
		formattedVal, _ := record[key].(string)

		set, ok := detectField(field, rawVal, formattedVal)
		if ok {
			result[field] = set
		}
	}

	return result
}

func detectField(field string, rawVal any, formattedVal string) (core.DetectedOptionSet, bool) {
	isMulti := strings.Contains(formattedVal, ";")

	rawStr, isString := rawVal.(string)
	if isString && strings.Contains(rawStr, ",") {
		isMulti = true
	}

	if isMulti {
		return detectMultiSelect(field, rawVal, formattedVal)
	}
	return detectSingleSelect(field, rawVal, formattedVal)
}

func detectSingleSelect(field string, rawVal any, formattedVal string) (core.DetectedOptionSet, bool) {
	code, ok := toInt(rawVal)
	if !ok {
		return core.DetectedOptionSet{}, false
	}
	return core.DetectedOptionSet{
		FieldName:      field,
		IsMultiSelect:  false,
		CodesAndLabels: map[int]string{code: formattedVal},
	}, true
}

func detectMultiSelect(field string, rawVal any, formattedVal string) (core.DetectedOptionSet, bool) {
	rawStr, ok := rawVal.(string)
	if !ok {
		return core.DetectedOptionSet{}, false
	}

	rawParts := strings.Split(rawStr, ",")
	labelParts := strings.Split(formattedVal, ";")

	codes := make([]int, 0, len(rawParts))
	for _, p := range rawParts {
		code, ok := toInt(strings.TrimSpace(p))
		if !ok {
			return core.DetectedOptionSet{}, false
		}
		codes = append(codes, code)
	}

	labels := make(map[int]string, len(codes))
	for i, code := range codes {
		label := ""
		if i < len(labelParts) {
			label = strings.TrimSpace(labelParts[i])
		}
		labels[code] = label
	}

	return core.DetectedOptionSet{
		FieldName:      field,
		IsMultiSelect:  true,
		CodesAndLabels: labels,
	}, true
}

func toInt(v any) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case float64:
		return int(val), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
