package logging

import (
	"context"
	"reflect"

	"github.com/sirupsen/logrus"
	"github.com/terraskye/eventflow"
)

type queryHandlerLogger[T eventflow.Query, R any] struct {
	logger *logrus.Entry
	next   eventflow.QueryHandler[T, R]
}

func (q *queryHandlerLogger[T, R]) HandleQuery(ctx context.Context, qry T) (R, error) {
	qryType := reflect.TypeOf(qry).String()
	qryID := string(qry.ID())
	q.logger.Infof("Query: %s (id: %s)", qryType, qryID)

	result, err := q.next.HandleQuery(ctx, qry)
	if err != nil {
		q.logger.Errorf("Query failed: %s (id: %s): %v", qryType, qryID, err)
	}

	return result, err
}

// WithQueryLogging wraps a QueryHandler with logging functionality.
// It logs the query type and ID before execution, and logs errors if the
// query fails.
func WithQueryLogging[T eventflow.Query, R any](logger *logrus.Entry, next eventflow.QueryHandler[T, R]) eventflow.QueryHandler[T, R] {
	return &queryHandlerLogger[T, R]{
		logger: logger,
		next:   next,
	}
}
