package notify

import (
	"context"
	"log/slog"
)

// noopNotifier is used when no change-request host is configured. Lookups
// find nothing and comments are logged instead of posted.
type noopNotifier struct{}

// NewNoopNotifier creates a Notifier that performs no remote calls.
func NewNoopNotifier() Notifier {
	return &noopNotifier{}
}

func (*noopNotifier) FindChangeRequest(_ context.Context, _ string) (*ChangeRequest, error) {
	return nil, nil
}

func (*noopNotifier) PostComment(_ context.Context, number int, body string) error {
	slog.Info("Change-request notification disabled, dropping comment",
		"change_request", number,
		"comment", body)
	return nil
}
