package model

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerateUUIDWithSuffix creates a new identifier prefixed with a short
// module tag, e.g. "rule_3f2c...".
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}
