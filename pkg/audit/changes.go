package audit

import (
	"encoding/json"
	"reflect"
	"sort"
)

// ChangedFields computes changed_fields for a mutation.
//
// UPDATE yields the sorted top-level keys whose values differ, comparing
// values as decoded JSON so 1 and 1.0 are equal; a key present on one side
// only counts as changed. An UPDATE missing either side yields ["*"].
// INSERT yields the keys of newValues and DELETE the keys of oldValues.
func ChangedFields(op Operation, oldValues, newValues map[string]interface{}) []string {
	switch op {
	case OperationInsert:
		return sortedKeys(newValues)
	case OperationDelete:
		return sortedKeys(oldValues)
	case OperationUpdate:
		if oldValues == nil || newValues == nil {
			return []string{BulkSentinel}
		}
	default:
		return []string{BulkSentinel}
	}

	oldNorm := normalizeValues(oldValues)
	newNorm := normalizeValues(newValues)

	changed := []string{}
	for key, oldValue := range oldNorm {
		newValue, ok := newNorm[key]
		if !ok || !reflect.DeepEqual(oldValue, newValue) {
			changed = append(changed, key)
		}
	}
	for key := range newNorm {
		if _, ok := oldNorm[key]; !ok {
			changed = append(changed, key)
		}
	}

	sort.Strings(changed)
	return changed
}

func sortedKeys(values map[string]interface{}) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// normalizeValues round-trips values through JSON so that comparisons see
// what will be stored in the JSONB columns.
func normalizeValues(values map[string]interface{}) map[string]interface{} {
	data, err := json.Marshal(values)
	if err != nil {
		return values
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return values
	}
	return out
}
