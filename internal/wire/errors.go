package wire

import (
	"fmt"

	"github.com/dmarkelov/vkgrab/internal/retry"
)

// MalformedEventError reports a raw event that violates the minimum wire
// shape. It classifies as a validation failure: the event is dropped and
// logged, never retried.
type MalformedEventError struct {
	Reason string
	Event  RawEvent
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event: %s", e.Reason)
}

// RetryKind implements retry.Kinder.
func (e *MalformedEventError) RetryKind() retry.Kind {
	return retry.KindValidation
}
