package services

import (
	"context"
	"fmt"
	"time"

	"dosematic/models"

	"go.uber.org/zap"
)

// CommandIssuer sends power commands to the control collaborator with a
// bounded wait. It never retries: a duplicate power toggle is worse than a
// failed one the operator can retry.
type CommandIssuer struct {
	controller PowerController
	timeout    time.Duration
	logger     *zap.Logger
}

// NewCommandIssuer creates a command issuer
func NewCommandIssuer(controller PowerController, timeout time.Duration, logger *zap.Logger) *CommandIssuer {
	return &CommandIssuer{
		controller: controller,
		timeout:    timeout,
		logger:     logger,
	}
}

// Issue sends the action and returns the acknowledgment. Timeouts and network
// errors come back as TransientError, refusals as RejectedError.
func (c *CommandIssuer) Issue(ctx context.Context, action models.PowerAction) (*models.PowerAck, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	ack, err := c.controller.SetPower(cmdCtx, action)
	if err != nil {
		err = asTransient("set power", err)
		c.logger.Error("Power command failed",
			zap.String("action", string(action)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Bool("retryable", IsRetryable(err)),
			zap.Error(err))
		return nil, err
	}

	if want := action == models.PowerOn; ack.CommandedEnabled != want {
		err := &RejectedError{
			Op:     "set power",
			Reason: fmt.Sprintf("acknowledged %q but backend reports esp32Enabled=%t", action, ack.CommandedEnabled),
		}
		c.logger.Error("Power command acknowledgment inconsistent", zap.Error(err))
		return nil, err
	}

	c.logger.Info("Power command issued",
		zap.String("action", string(action)),
		zap.Duration("elapsed", time.Since(start)))
	return ack, nil
}
