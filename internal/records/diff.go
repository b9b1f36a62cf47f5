package records

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

const fieldIsDeleted = "isDeleted"

// DiffPayloads returns the field-level differences between two payloads, keyed by a
// dotted path (list elements use [index]). A nil before produces a diff for every field.
func DiffPayloads(before, after *Payload) ([]FieldDiff, error) {
	beforeFields := map[string]string{}
	afterFields := map[string]string{}
	if before != nil {
		flattened, err := flattenPayload(*before)
		if err != nil {
			return nil, err
		}
		beforeFields = flattened
	}
	if after != nil {
		flattened, err := flattenPayload(*after)
		if err != nil {
			return nil, err
		}
		afterFields = flattened
	}

	keys := make([]string, 0, len(beforeFields)+len(afterFields))
	seen := make(map[string]struct{}, len(beforeFields)+len(afterFields))
	for key := range beforeFields {
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	for key := range afterFields {
		if _, ok := seen[key]; ok {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	diffs := make([]FieldDiff, 0)
	for _, key := range keys {
		oldValue, hadOld := beforeFields[key]
		newValue, hasNew := afterFields[key]
		if hadOld && hasNew && oldValue == newValue {
			continue
		}
		diffs = append(diffs, FieldDiff{Field: key, Before: oldValue, After: newValue})
	}
	return diffs, nil
}

func deletionDiff(wasDeleted, isDeleted bool) FieldDiff {
	return FieldDiff{
		Field:  fieldIsDeleted,
		Before: strconv.FormatBool(wasDeleted),
		After:  strconv.FormatBool(isDeleted),
	}
}

func flattenPayload(payload Payload) (map[string]string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var tree any
	if err := json.Unmarshal(encoded, &tree); err != nil {
		return nil, err
	}
	fields := map[string]string{}
	if err := flattenValue("", tree, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func flattenValue(prefix string, value any, fields map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		if len(typed) == 0 && prefix != "" {
			fields[prefix] = "{}"
			return nil
		}
		for key, child := range typed {
			path := key
			if prefix != "" {
				path = prefix + "." + key
			}
			if err := flattenValue(path, child, fields); err != nil {
				return err
			}
		}
	case []any:
		if len(typed) == 0 {
			fields[prefix] = "[]"
			return nil
		}
		for index, child := range typed {
			if err := flattenValue(fmt.Sprintf("%s[%d]", prefix, index), child, fields); err != nil {
				return err
			}
		}
	case nil:
		fields[prefix] = "null"
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return err
		}
		fields[prefix] = string(encoded)
	}
	return nil
}
