package logging

import (
	"context"
	"errors"
	"reflect"

	"github.com/sirupsen/logrus"
	"github.com/terraskye/eventflow"
)

// WithCommandLogging wraps a CommandHandler with logging functionality.
// It logs the command type and aggregate ID before execution, and logs
// errors if the command fails. Revision conflicts and discarded cycles log
// at warning level since they are expected under contention.
func WithCommandLogging[C eventflow.Command](logger *logrus.Entry, next eventflow.CommandHandler[C]) eventflow.CommandHandler[C] {
	return func(ctx context.Context, command C) (eventflow.AppendResult, error) {
		cmdType := reflect.TypeOf(command).String()
		logger.Infof("Dispatch: %s (aggregateID: %s)", cmdType, command.AggregateID())

		result, err := next(ctx, command)
		if err != nil {
			if eventflow.IsConflict(err) || errors.Is(err, eventflow.ErrConflictBudgetExhausted) {
				logger.Warnf("Dispatch conflicted: %s (aggregateID: %s): %v", cmdType, command.AggregateID(), err)
			} else {
				logger.Errorf("Dispatch failed: %s (aggregateID: %s): %v", cmdType, command.AggregateID(), err)
			}
		}

		return result, err
	}
}
