package detect

import (
	"github.com/alwitt/restream/common"
	"github.com/apex/log"
)

// Annotation keys added to published item copies. They are never written into
// the item cache, which always holds the raw fetched payload.
const (
	// TypeAnnotation marks an item as new or updated
	TypeAnnotation = "__restream_type"
	// DiffAnnotation carries the structural diff on updated items
	DiffAnnotation = "__restream_diff"
	// ClassNewItem an item id seen for the first time
	ClassNewItem = "new_item"
	// ClassUpdatedItem a known item id whose payload changed
	ClassUpdatedItem = "updated_item"
)

// ProducedItem an annotated item ready for publishing. Produced items are
// transient; they are handed straight to the fanout publisher.
type ProducedItem struct {
	// Class is either ClassNewItem or ClassUpdatedItem
	Class string
	// Payload is the annotated copy of the fetched item
	Payload map[string]interface{}
}

// ChangeDetector classifies a freshly fetched item against its previous cache
// record. Items classified unchanged produce nothing.
type ChangeDetector interface {
	Classify(previous, item map[string]interface{}) *ProducedItem
}

// changeDetectorImpl implements ChangeDetector
type changeDetectorImpl struct {
	common.Component
	differ Differ
}

// DefineChangeDetector create new change detector using the given differ
func DefineChangeDetector(differ Differ) (ChangeDetector, error) {
	logTags := log.Fields{
		"module": "detect", "component": "change-detector",
	}
	return &changeDetectorImpl{
		Component: common.Component{LogTags: logTags}, differ: differ,
	}, nil
}

// Classify decide whether the item is new, updated, or unchanged. For new and
// updated items an annotated copy is returned; nil means unchanged.
func (d *changeDetectorImpl) Classify(previous, item map[string]interface{}) *ProducedItem {
	if previous == nil {
		annotated := annotatedCopy(item)
		annotated[TypeAnnotation] = ClassNewItem
		return &ProducedItem{Class: ClassNewItem, Payload: annotated}
	}
	diff := d.differ.Diff(previous, item)
	if diff.Empty() {
		return nil
	}
	annotated := annotatedCopy(item)
	annotated[TypeAnnotation] = ClassUpdatedItem
	annotated[DiffAnnotation] = diff
	return &ProducedItem{Class: ClassUpdatedItem, Payload: annotated}
}

// annotatedCopy copy the payload's top level so annotations never leak back
// into the caller's (and thus the cache's) view of the item
func annotatedCopy(item map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(item)+2)
	for k, v := range item {
		result[k] = v
	}
	return result
}
