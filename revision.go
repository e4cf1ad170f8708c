package eventflow

// StreamState is the concurrency requirement a writer attaches to a Save:
// the condition the stream must satisfy for the append to be accepted.
//
// Implementations of EventStore must enforce the guard and the append
// atomically; the guard is the single serialization point for concurrent
// writers against one stream.
type StreamState interface {
	streamState()
}

// Any means append without checking the current revision.
type Any struct{}

func (Any) streamState() {}

// NoStream means the stream must not exist yet. Used for stream creation;
// a Save against an existing stream fails with ErrStreamExists.
type NoStream struct{}

func (NoStream) streamState() {}

// StreamExists means the stream must already have at least one event.
type StreamExists struct{}

func (StreamExists) streamState() {}

// Revision is the optimistic-concurrency token: the stream's current version
// must equal this value exactly, else the Save is rejected as a whole with a
// StreamRevisionConflictError.
type Revision uint64

func (Revision) streamState() {}
