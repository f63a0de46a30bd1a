package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors folds the non-nil errors from a multi-part teardown into
// one error, logging the individual causes. It returns nil when every part
// succeeded.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	var kept []error
	for _, err := range errs {
		if err != nil {
			kept = append(kept, err)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	causes := make([]string, len(kept))
	for i, err := range kept {
		causes[i] = err.Error()
	}
	Log().Error(operation+" finished with errors",
		append(fields,
			F("failed", len(kept)),
			F("causes", causes))...)
	return fmt.Errorf("%s: %w", operation, errors.Join(kept...))
}
