package eventflow

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/terraskye/eventflow"

var (
	meter metric.Meter

	// Command metrics
	CommandsHandled  metric.Int64Counter
	CommandsFailed   metric.Int64Counter
	CommandsDuration metric.Float64Histogram
	CommandsInFlight metric.Int64UpDownCounter

	// Event metrics
	EventsAppended metric.Int64Counter
	EventsLoaded   metric.Int64Counter

	// Outbox metrics
	MessagesEnqueued   metric.Int64Counter
	MessagesDispatched metric.Int64Counter
	DispatchErrors     metric.Int64Counter

	// System metrics
	ConcurrencyConflicts metric.Int64Counter
	CyclesDiscarded      metric.Int64Counter

	once        sync.Once
	initErr     error
	initialized bool
)

// InitMetrics initializes the global metric instruments. Call once at
// application startup; decorators in the otel subpackage record into these.
func InitMetrics() error {
	once.Do(func() {
		meter = otel.Meter(instrumentationName,
			metric.WithInstrumentationVersion(InstrumentationVersion))
		initErr = initializeMetrics()
		if initErr == nil {
			initialized = true
		}
	})
	return initErr
}

func initializeMetrics() error {
	var err error

	CommandsHandled, err = meter.Int64Counter(
		"eventflow.commands.handled",
		metric.WithDescription("Number of commands handled"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return err
	}

	CommandsFailed, err = meter.Int64Counter(
		"eventflow.commands.failed",
		metric.WithDescription("Number of failed commands"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return err
	}

	CommandsDuration, err = meter.Float64Histogram(
		"eventflow.commands.duration",
		metric.WithDescription("Command handling duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)
	if err != nil {
		return err
	}

	CommandsInFlight, err = meter.Int64UpDownCounter(
		"eventflow.commands.in_flight",
		metric.WithDescription("Number of commands currently being processed"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return err
	}

	EventsAppended, err = meter.Int64Counter(
		"eventflow.events.appended",
		metric.WithDescription("Number of events appended to streams"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	EventsLoaded, err = meter.Int64Counter(
		"eventflow.events.loaded",
		metric.WithDescription("Number of events loaded from streams"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	MessagesEnqueued, err = meter.Int64Counter(
		"eventflow.outbox.enqueued",
		metric.WithDescription("Number of outgoing messages enqueued with a commit"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return err
	}

	MessagesDispatched, err = meter.Int64Counter(
		"eventflow.outbox.dispatched",
		metric.WithDescription("Number of outgoing messages handed to the delivery transport"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return err
	}

	DispatchErrors, err = meter.Int64Counter(
		"eventflow.outbox.dispatch_errors",
		metric.WithDescription("Number of message delivery failures"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	ConcurrencyConflicts, err = meter.Int64Counter(
		"eventflow.concurrency.conflicts",
		metric.WithDescription("Number of stream revision conflicts"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		return err
	}

	CyclesDiscarded, err = meter.Int64Counter(
		"eventflow.concurrency.cycles_discarded",
		metric.WithDescription("Number of command cycles discarded after exhausting the conflict budget"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// MetricsInitialized returns whether the instruments have been initialized.
func MetricsInitialized() bool {
	return initialized
}

// MustInitMetrics initializes metrics and panics on error. Use in main() for
// fail-fast behavior.
func MustInitMetrics() {
	if err := InitMetrics(); err != nil {
		panic("failed to initialize metrics: " + err.Error())
	}
}
