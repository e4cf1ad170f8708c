package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	es "github.com/terraskye/eventflow"
	"github.com/terraskye/eventflow/fixtures"
)

func newLogrusEntry(buf *bytes.Buffer) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(buf)
	return l.WithField("component", "test")
}

func TestWithCommandLogging(t *testing.T) {
	t.Run("logs dispatch and passes result through", func(t *testing.T) {
		var buf bytes.Buffer
		handler := WithCommandLogging(newLogrusEntry(&buf), func(ctx context.Context, cmd fixtures.TestCommand) (es.AppendResult, error) {
			return es.AppendResult{Successful: true, NextExpectedVersion: 3}, nil
		})

		result, err := handler(context.Background(), fixtures.NewTestCommand().WithID("agg-9").Build())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.NextExpectedVersion != 3 {
			t.Fatalf("result not passed through: %+v", result)
		}
		if !strings.Contains(buf.String(), "agg-9") {
			t.Fatalf("expected aggregate ID in log output, got %q", buf.String())
		}
	})

	t.Run("conflicts log at warning level", func(t *testing.T) {
		var buf bytes.Buffer
		conflict := &es.StreamRevisionConflictError{Stream: "s", ExpectedRevision: 1, ActualRevision: 2}
		handler := WithCommandLogging(newLogrusEntry(&buf), func(ctx context.Context, cmd fixtures.TestCommand) (es.AppendResult, error) {
			return es.AppendResult{}, conflict
		})

		_, err := handler(context.Background(), fixtures.NewTestCommand().Build())
		if !errors.Is(err, conflict) {
			t.Fatalf("error not passed through: %v", err)
		}
		if !strings.Contains(buf.String(), "level=warning") {
			t.Fatalf("expected warning level, got %q", buf.String())
		}
	})

	t.Run("other failures log at error level", func(t *testing.T) {
		var buf bytes.Buffer
		handler := WithCommandLogging(newLogrusEntry(&buf), func(ctx context.Context, cmd fixtures.TestCommand) (es.AppendResult, error) {
			return es.AppendResult{}, errors.New("boom")
		})

		if _, err := handler(context.Background(), fixtures.NewTestCommand().Build()); err == nil {
			t.Fatal("expected error")
		}
		if !strings.Contains(buf.String(), "level=error") {
			t.Fatalf("expected error level, got %q", buf.String())
		}
	})
}

func TestWithQueryLogging(t *testing.T) {
	var buf bytes.Buffer

	inner := es.NewQueryHandlerFunc(func(ctx context.Context, q getThing) (string, error) {
		return "thing-" + string(q.ID()), nil
	})
	handler := WithQueryLogging(newLogrusEntry(&buf), inner)

	got, err := handler.HandleQuery(context.Background(), getThing{id: "42"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "thing-42" {
		t.Fatalf("result not passed through: %q", got)
	}
	if !strings.Contains(buf.String(), "getThing") {
		t.Fatalf("expected query type in log output, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "id: 42") {
		t.Fatalf("expected query ID in log output, got %q", buf.String())
	}
}

type getThing struct {
	id string
}

func (q getThing) ID() []byte { return []byte(q.id) }

func TestWithLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	env := fixtures.NewEnvelope(fixtures.NewTestEvent().WithID("agg-1").Build())
	ctx := es.WithEnvelope(context.Background(), env)

	called := false
	handler := WithLoggingMiddleware(logger, es.NewEventHandlerFunc(func(ctx context.Context, event es.Event) error {
		called = true
		return nil
	}))

	if err := handler.Handle(ctx, env.Event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("inner handler not invoked")
	}
	if !strings.Contains(buf.String(), "agg-1") {
		t.Fatalf("expected aggregate ID in log output, got %q", buf.String())
	}

	// Failures surface in the log and in the return value.
	buf.Reset()
	wantErr := errors.New("handler blew up")
	failing := WithLoggingMiddleware(logger, es.NewEventHandlerFunc(func(ctx context.Context, event es.Event) error {
		return wantErr
	}))
	if err := failing.Handle(ctx, env.Event); !errors.Is(err, wantErr) {
		t.Fatalf("error not passed through: %v", err)
	}
	if !strings.Contains(buf.String(), "error processing event") {
		t.Fatalf("expected error log, got %q", buf.String())
	}
}
