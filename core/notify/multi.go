package notify

import (
	"context"
	"errors"

	"github.com/wispberry-tech/wispy-trust/core"
)

// Multi delivers every notification to each sink in order. All sinks are attempted;
// their errors are joined.
type Multi []core.Notifier

func (m Multi) Notify(ctx context.Context, n core.Notification) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
