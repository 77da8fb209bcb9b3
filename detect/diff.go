package detect

import (
	"fmt"
	"reflect"
)

// FieldChange records one field whose value changed between two payloads
type FieldChange struct {
	// OldValue is the value from the previous sighting
	OldValue interface{} `json:"old_value"`
	// NewValue is the value from the current sighting
	NewValue interface{} `json:"new_value"`
}

// DiffResult is a structural description of the differences between two item
// payloads. The document is JSON serializable since it is delivered to
// subscribers alongside the updated item.
type DiffResult struct {
	// ValuesChanged maps field path to its old and new value
	ValuesChanged map[string]FieldChange `json:"values_changed,omitempty"`
	// DictionaryItemAdded maps added field paths to their value
	DictionaryItemAdded map[string]interface{} `json:"dictionary_item_added,omitempty"`
	// DictionaryItemRemoved maps removed field paths to their last value
	DictionaryItemRemoved map[string]interface{} `json:"dictionary_item_removed,omitempty"`
	// IterableItemAdded maps container field paths to elements present only in the new payload
	IterableItemAdded map[string][]interface{} `json:"iterable_item_added,omitempty"`
	// IterableItemRemoved maps container field paths to elements present only in the old payload
	IterableItemRemoved map[string][]interface{} `json:"iterable_item_removed,omitempty"`
}

// Empty whether the two payloads were structurally equal
func (r *DiffResult) Empty() bool {
	return len(r.ValuesChanged) == 0 &&
		len(r.DictionaryItemAdded) == 0 &&
		len(r.DictionaryItemRemoved) == 0 &&
		len(r.IterableItemAdded) == 0 &&
		len(r.IterableItemRemoved) == 0
}

// Differ computes a structural diff between two payloads. Container valued
// fields are compared order-insensitively, and structurally equal payloads
// must yield an empty result.
type Differ interface {
	Diff(oldPayload, newPayload map[string]interface{}) *DiffResult
}

// structuralDiffer implements Differ for JSON-decoded payloads
type structuralDiffer struct{}

// NewStructuralDiffer define a Differ instance
func NewStructuralDiffer() Differ {
	return &structuralDiffer{}
}

// Diff compare two payloads field by field
func (d *structuralDiffer) Diff(
	oldPayload, newPayload map[string]interface{},
) *DiffResult {
	result := &DiffResult{
		ValuesChanged:         map[string]FieldChange{},
		DictionaryItemAdded:   map[string]interface{}{},
		DictionaryItemRemoved: map[string]interface{}{},
		IterableItemAdded:     map[string][]interface{}{},
		IterableItemRemoved:   map[string][]interface{}{},
	}
	d.diffMaps("root", oldPayload, newPayload, result)
	return result
}

func (d *structuralDiffer) diffMaps(
	path string, oldMap, newMap map[string]interface{}, result *DiffResult,
) {
	for key, oldVal := range oldMap {
		fieldPath := fmt.Sprintf("%s['%s']", path, key)
		newVal, present := newMap[key]
		if !present {
			result.DictionaryItemRemoved[fieldPath] = oldVal
			continue
		}
		d.diffValues(fieldPath, oldVal, newVal, result)
	}
	for key, newVal := range newMap {
		if _, present := oldMap[key]; !present {
			result.DictionaryItemAdded[fmt.Sprintf("%s['%s']", path, key)] = newVal
		}
	}
}

func (d *structuralDiffer) diffValues(
	path string, oldVal, newVal interface{}, result *DiffResult,
) {
	oldMap, oldIsMap := oldVal.(map[string]interface{})
	newMap, newIsMap := newVal.(map[string]interface{})
	if oldIsMap && newIsMap {
		d.diffMaps(path, oldMap, newMap, result)
		return
	}
	oldList, oldIsList := oldVal.([]interface{})
	newList, newIsList := newVal.([]interface{})
	if oldIsList && newIsList {
		added, removed := multisetDiff(oldList, newList)
		if len(added) > 0 {
			result.IterableItemAdded[path] = added
		}
		if len(removed) > 0 {
			result.IterableItemRemoved[path] = removed
		}
		return
	}
	if !structurallyEqual(oldVal, newVal) {
		result.ValuesChanged[path] = FieldChange{OldValue: oldVal, NewValue: newVal}
	}
}

// multisetDiff order-insensitive element comparison between two lists
func multisetDiff(oldList, newList []interface{}) (added, removed []interface{}) {
	oldMatched := make([]bool, len(oldList))
	for _, newItem := range newList {
		found := false
		for idx, oldItem := range oldList {
			if !oldMatched[idx] && structurallyEqual(oldItem, newItem) {
				oldMatched[idx] = true
				found = true
				break
			}
		}
		if !found {
			added = append(added, newItem)
		}
	}
	for idx, oldItem := range oldList {
		if !oldMatched[idx] {
			removed = append(removed, oldItem)
		}
	}
	return added, removed
}

// structurallyEqual order-insensitive structural equality over JSON values
func structurallyEqual(a, b interface{}) bool {
	aMap, aIsMap := a.(map[string]interface{})
	bMap, bIsMap := b.(map[string]interface{})
	if aIsMap && bIsMap {
		if len(aMap) != len(bMap) {
			return false
		}
		for key, aVal := range aMap {
			bVal, present := bMap[key]
			if !present || !structurallyEqual(aVal, bVal) {
				return false
			}
		}
		return true
	}
	aList, aIsList := a.([]interface{})
	bList, bIsList := b.([]interface{})
	if aIsList && bIsList {
		if len(aList) != len(bList) {
			return false
		}
		added, removed := multisetDiff(aList, bList)
		return len(added) == 0 && len(removed) == 0
	}
	return reflect.DeepEqual(a, b)
}
