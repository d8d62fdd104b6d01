package bundle

import (
	"errors"
	"fmt"

	"github.com/hutch-labs/hutch-agent/internal/rocrate"
)

var (
	ErrUnpack            = errors.New("bundle unpack failed")
	ErrTooLarge          = fmt.Errorf("%w: bundle exceeds size limit", ErrUnpack)
	ErrMetadataNotFound  = errors.New("crate metadata not found")
	ErrInvalidMainEntity = errors.New("invalid main entity")
)

// IsValidation reports whether err means the submitted bundle itself is
// unusable, as opposed to an agent-side failure.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrUnpack,
		ErrMetadataNotFound,
		ErrInvalidMainEntity,
		rocrate.ErrParse,
		rocrate.ErrNotFound,
		rocrate.ErrUnresolvedReference,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
