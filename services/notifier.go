package services

import (
	"context"
	"time"

	"dosematic/models"

	"go.uber.org/zap"
)

// TransitionNotifier is told about every reconciled state change
type TransitionNotifier interface {
	Name() string
	NotifyTransition(ctx context.Context, transition models.StateTransition) error
}

// TransitionDispatcher fans transitions out to the configured notifiers
type TransitionDispatcher struct {
	notifiers []TransitionNotifier
	timeout   time.Duration
	logger    *zap.Logger
}

func NewTransitionDispatcher(logger *zap.Logger, notifiers ...TransitionNotifier) *TransitionDispatcher {
	return &TransitionDispatcher{
		notifiers: notifiers,
		timeout:   10 * time.Second,
		logger:    logger,
	}
}

// Start consumes transitions until ctx is cancelled or the channel closes
func (d *TransitionDispatcher) Start(ctx context.Context, transitions <-chan models.StateTransition) {
	names := make([]string, 0, len(d.notifiers))
	for _, n := range d.notifiers {
		names = append(names, n.Name())
	}
	d.logger.Info("Starting transition dispatcher", zap.Strings("notifiers", names))

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Transition dispatcher stopped")
			return
		case transition, ok := <-transitions:
			if !ok {
				d.logger.Info("Transition channel closed")
				return
			}
			d.dispatch(ctx, transition)
		}
	}
}

func (d *TransitionDispatcher) dispatch(ctx context.Context, transition models.StateTransition) {
	for _, notifier := range d.notifiers {
		notifyCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := notifier.NotifyTransition(notifyCtx, transition)
		cancel()

		if err != nil {
			d.logger.Error("Failed to notify transition",
				zap.String("notifier", notifier.Name()),
				zap.String("transition_id", transition.ID),
				zap.Stringer("to", transition.To),
				zap.Error(err))
		}
	}
}
