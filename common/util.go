package common

import (
	"github.com/apex/log"
)

// Component base structure for a component, carrying its log tags
type Component struct {
	LogTags log.Fields
}
