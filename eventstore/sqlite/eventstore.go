// Package sqlite provides a durable OutboxStore on SQLite. One SQL
// transaction covers the revision check, the event append and the outbox
// enqueue, which is exactly the atomicity the commit coordinator requires:
// a crash or a lost race never leaves events committed without their
// messages, or vice versa.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/terraskye/eventflow"
)

const schema = `
CREATE TABLE IF NOT EXISTS streams (
	stream_id TEXT PRIMARY KEY,
	version   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	global_position INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id        TEXT NOT NULL UNIQUE,
	stream_id       TEXT NOT NULL,
	version         INTEGER NOT NULL,
	event_type      TEXT NOT NULL,
	payload         BLOB NOT NULL,
	metadata        BLOB NOT NULL,
	occurred_at     TEXT NOT NULL,
	UNIQUE (stream_id, version)
);

CREATE TABLE IF NOT EXISTS outbox (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id    TEXT NOT NULL UNIQUE,
	stream_id     TEXT NOT NULL,
	message_type  TEXT NOT NULL,
	payload       BLOB NOT NULL,
	metadata      BLOB NOT NULL,
	enqueued_at   TEXT NOT NULL,
	dispatched_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox (seq) WHERE dispatched_at IS NULL;
`

type SQLiteStore struct {
	db *sql.DB
}

var _ eventflow.OutboxStore = (*SQLiteStore)(nil)

// Open opens (creating if necessary) a store at the given path. WAL mode and
// a busy timeout are applied so concurrent writers queue instead of failing
// immediately.
func Open(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eventflow.WrapEventStoreError(fmt.Errorf("open sqlite store %q: %w", path, err))
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, eventflow.WrapEventStoreError(fmt.Errorf("apply schema: %w", err))
	}

	return &SQLiteStore{db: db}, nil
}

// Save implements EventStore.Save as SaveWithMessages with no messages.
func (s *SQLiteStore) Save(ctx context.Context, events []eventflow.Envelope, revision eventflow.StreamState) (eventflow.AppendResult, error) {
	return s.SaveWithMessages(ctx, events, nil, revision)
}

// SaveWithMessages appends events and enqueues messages in one transaction,
// guarded by the revision check. A concurrent writer that advanced the
// stream first causes a *StreamRevisionConflictError and a full rollback.
func (s *SQLiteStore) SaveWithMessages(ctx context.Context, events []eventflow.Envelope, messages []eventflow.OutboxMessage, revision eventflow.StreamState) (eventflow.AppendResult, error) {
	if len(events) == 0 && len(messages) == 0 {
		return eventflow.AppendResult{Successful: true}, nil
	}

	streamID := ""
	if len(events) > 0 {
		streamID = events[0].StreamID
	} else {
		streamID = messages[0].StreamID
	}

	for i, env := range events {
		if env.StreamID != streamID {
			return eventflow.AppendResult{}, fmt.Errorf(
				"save events to stream %q: %w: event %d has different stream ID %q",
				streamID, eventflow.ErrInvalidEventBatch, i, env.StreamID,
			)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eventflow.AppendResult{Successful: false, StreamID: streamID},
			eventflow.WrapEventStoreError(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	var currentVersion uint64
	err = tx.QueryRowContext(ctx, `SELECT version FROM streams WHERE stream_id = ?`, streamID).Scan(&currentVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return eventflow.AppendResult{Successful: false, StreamID: streamID},
			eventflow.WrapEventStoreError(fmt.Errorf("read stream version: %w", err))
	}

	switch rev := revision.(type) {
	case eventflow.Any:
		// No concurrency check.
	case eventflow.NoStream:
		if currentVersion != 0 {
			return eventflow.AppendResult{Successful: false, StreamID: streamID},
				fmt.Errorf("stream %q: already exists: %w", streamID, eventflow.ErrStreamExists)
		}
	case eventflow.StreamExists:
		if currentVersion == 0 {
			return eventflow.AppendResult{Successful: false, StreamID: streamID},
				fmt.Errorf("stream %q: should exist: %w", streamID, eventflow.ErrStreamNotFound)
		}
	case eventflow.Revision:
		if currentVersion != uint64(rev) {
			return eventflow.AppendResult{Successful: false, StreamID: streamID}, &eventflow.StreamRevisionConflictError{
				Stream:           streamID,
				ExpectedRevision: rev,
				ActualRevision:   eventflow.Revision(currentVersion),
			}
		}
	default:
		return eventflow.AppendResult{Successful: false, StreamID: streamID},
			fmt.Errorf("unsupported revision type %T for stream %q: %w", revision, streamID, eventflow.ErrInvalidRevision)
	}

	version := currentVersion
	for _, env := range events {
		version++

		payload, err := json.Marshal(env.Event)
		if err != nil {
			return eventflow.AppendResult{Successful: false, StreamID: streamID},
				fmt.Errorf("encode event %q: %w", eventflow.TypeName(env.Event), err)
		}
		metadata, err := json.Marshal(env.Metadata)
		if err != nil {
			return eventflow.AppendResult{Successful: false, StreamID: streamID},
				fmt.Errorf("encode event metadata: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO events (event_id, stream_id, version, event_type, payload, metadata, occurred_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			env.EventID.String(), streamID, version, eventflow.TypeName(env.Event),
			payload, metadata, env.OccurredAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			// A unique violation on (stream_id, version) means another
			// writer won the race between our version read and this insert.
			if isUniqueViolation(err) {
				return eventflow.AppendResult{Successful: false, StreamID: streamID}, &eventflow.StreamRevisionConflictError{
					Stream:           streamID,
					ExpectedRevision: eventflow.Revision(currentVersion),
					ActualRevision:   eventflow.Revision(version),
				}
			}
			return eventflow.AppendResult{Successful: false, StreamID: streamID},
				eventflow.WrapEventStoreError(fmt.Errorf("insert event: %w", err))
		}
	}

	if len(events) > 0 {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO streams (stream_id, version) VALUES (?, ?)
			 ON CONFLICT (stream_id) DO UPDATE SET version = excluded.version`,
			streamID, version,
		)
		if err != nil {
			return eventflow.AppendResult{Successful: false, StreamID: streamID},
				eventflow.WrapEventStoreError(fmt.Errorf("advance stream version: %w", err))
		}
	}

	for _, msg := range messages {
		payload, err := json.Marshal(msg.Message)
		if err != nil {
			return eventflow.AppendResult{Successful: false, StreamID: streamID},
				fmt.Errorf("encode message %q: %w", eventflow.TypeName(msg.Message), err)
		}
		metadata, err := json.Marshal(msg.Metadata)
		if err != nil {
			return eventflow.AppendResult{Successful: false, StreamID: streamID},
				fmt.Errorf("encode message metadata: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO outbox (message_id, stream_id, message_type, payload, metadata, enqueued_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			msg.MessageID.String(), msg.StreamID, eventflow.TypeName(msg.Message),
			payload, metadata, msg.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return eventflow.AppendResult{Successful: false, StreamID: streamID},
				eventflow.WrapEventStoreError(fmt.Errorf("enqueue outbox message: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return eventflow.AppendResult{Successful: false, StreamID: streamID},
			eventflow.WrapEventStoreError(fmt.Errorf("commit transaction: %w", err))
	}

	return eventflow.AppendResult{
		Successful:          true,
		StreamID:            streamID,
		NextExpectedVersion: version,
	}, nil
}

// LoadStream loads all events for the given stream, oldest first.
func (s *SQLiteStore) LoadStream(ctx context.Context, id string) (*eventflow.Iterator[*eventflow.Envelope], error) {
	return s.LoadStreamFrom(ctx, id, 0)
}

// LoadStreamFrom loads events for the given stream starting after the given
// version; 0 loads the whole stream.
func (s *SQLiteStore) LoadStreamFrom(ctx context.Context, id string, version uint64) (*eventflow.Iterator[*eventflow.Envelope], error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT global_position, event_id, stream_id, version, event_type, payload, metadata, occurred_at
		 FROM events WHERE stream_id = ? AND version > ? ORDER BY version ASC`,
		id, version,
	)
	if err != nil {
		return nil, eventflow.WrapEventStoreError(fmt.Errorf("load stream %q: %w", id, err))
	}

	envelopes, err := scanEnvelopes(rows)
	if err != nil {
		return nil, err
	}

	if len(envelopes) == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM streams WHERE stream_id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("load stream %q: %w", id, eventflow.ErrStreamNotFound)
		}
		if err != nil {
			return nil, eventflow.WrapEventStoreError(fmt.Errorf("check stream %q: %w", id, err))
		}
	}

	return eventflow.NewSliceIterator(envelopes), nil
}

// LoadFromAll loads events across all streams starting at the given global
// position, in commit order.
func (s *SQLiteStore) LoadFromAll(ctx context.Context, position uint64) (*eventflow.Iterator[*eventflow.Envelope], error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT global_position, event_id, stream_id, version, event_type, payload, metadata, occurred_at
		 FROM events WHERE global_position > ? ORDER BY global_position ASC`,
		position,
	)
	if err != nil {
		return nil, eventflow.WrapEventStoreError(fmt.Errorf("load all from %d: %w", position, err))
	}

	envelopes, err := scanEnvelopes(rows)
	if err != nil {
		return nil, err
	}
	return eventflow.NewSliceIterator(envelopes), nil
}

// PendingMessages returns up to limit not-yet-dispatched messages in
// enqueue order.
func (s *SQLiteStore) PendingMessages(ctx context.Context, limit int) ([]*eventflow.OutboxMessage, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, stream_id, message_type, payload, metadata, enqueued_at
		 FROM outbox WHERE dispatched_at IS NULL ORDER BY seq ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eventflow.WrapEventStoreError(fmt.Errorf("load pending messages: %w", err))
	}
	defer rows.Close()

	var pending []*eventflow.OutboxMessage
	for rows.Next() {
		var (
			rawID, streamID, messageType, enqueuedAt string
			payload, metadata                        []byte
		)
		if err := rows.Scan(&rawID, &streamID, &messageType, &payload, &metadata, &enqueuedAt); err != nil {
			return nil, eventflow.WrapEventStoreError(fmt.Errorf("scan outbox row: %w", err))
		}

		messageID, err := uuid.Parse(rawID)
		if err != nil {
			return nil, eventflow.WrapEventStoreError(fmt.Errorf("parse message id %q: %w", rawID, err))
		}

		message, err := decodeMessage(messageType, payload)
		if err != nil {
			return nil, err
		}

		var meta map[string]any
		if err := json.Unmarshal(metadata, &meta); err != nil {
			return nil, eventflow.WrapEventStoreError(fmt.Errorf("decode message metadata: %w", err))
		}

		at, err := time.Parse(time.RFC3339Nano, enqueuedAt)
		if err != nil {
			return nil, eventflow.WrapEventStoreError(fmt.Errorf("parse enqueued_at: %w", err))
		}

		pending = append(pending, &eventflow.OutboxMessage{
			MessageID:  messageID,
			StreamID:   streamID,
			Message:    message,
			Metadata:   meta,
			EnqueuedAt: at,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, eventflow.WrapEventStoreError(fmt.Errorf("iterate outbox rows: %w", err))
	}

	return pending, nil
}

// MarkDispatched records delivery of the given messages. Unknown IDs are
// ignored so the dispatcher can safely retry.
func (s *SQLiteStore) MarkDispatched(ctx context.Context, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	dispatched := time.Now().UTC().Format(time.RFC3339Nano)
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(ids)+1)
	args = append(args, dispatched)
	for _, id := range ids {
		args = append(args, id.String())
	}

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE outbox SET dispatched_at = ? WHERE message_id IN (%s) AND dispatched_at IS NULL`, placeholders),
		args...,
	)
	if err != nil {
		return eventflow.WrapEventStoreError(fmt.Errorf("mark dispatched: %w", err))
	}
	return nil
}

// Close closes the underlying database. Close is idempotent.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanEnvelopes(rows *sql.Rows) ([]*eventflow.Envelope, error) {
	defer rows.Close()

	var envelopes []*eventflow.Envelope
	for rows.Next() {
		var (
			globalPosition, version          uint64
			rawID, streamID, eventType, when string
			payload, metadata                []byte
		)
		if err := rows.Scan(&globalPosition, &rawID, &streamID, &version, &eventType, &payload, &metadata, &when); err != nil {
			return nil, eventflow.WrapEventStoreError(fmt.Errorf("scan event row: %w", err))
		}

		eventID, err := uuid.Parse(rawID)
		if err != nil {
			return nil, eventflow.WrapEventStoreError(fmt.Errorf("parse event id %q: %w", rawID, err))
		}

		event, err := decodeEvent(eventType, payload)
		if err != nil {
			return nil, err
		}

		var meta map[string]any
		if err := json.Unmarshal(metadata, &meta); err != nil {
			return nil, eventflow.WrapEventStoreError(fmt.Errorf("decode event metadata: %w", err))
		}

		occurredAt, err := time.Parse(time.RFC3339Nano, when)
		if err != nil {
			return nil, eventflow.WrapEventStoreError(fmt.Errorf("parse occurred_at: %w", err))
		}

		envelopes = append(envelopes, &eventflow.Envelope{
			EventID:       eventID,
			StreamID:      streamID,
			Event:         event,
			Metadata:      meta,
			Version:       version,
			GlobalVersion: globalPosition,
			OccurredAt:    occurredAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, eventflow.WrapEventStoreError(fmt.Errorf("iterate event rows: %w", err))
	}

	return envelopes, nil
}

// decodeEvent rebuilds a concrete event from its registered factory. When
// the factory returns a pointer the decoded value is dereferenced if the
// value type itself implements Event, so the dynamic type matches events
// appended in-process.
func decodeEvent(name string, payload []byte) (eventflow.Event, error) {
	ev, err := eventflow.NewEventByName(name)
	if err != nil {
		return nil, fmt.Errorf("decode event %q: %w", name, err)
	}

	var target any = ev
	rv := reflect.ValueOf(ev)
	if rv.Kind() != reflect.Pointer {
		pv := reflect.New(rv.Type())
		pv.Elem().Set(rv)
		target = pv.Interface()
		rv = pv
	}

	if err := json.Unmarshal(payload, target); err != nil {
		return nil, fmt.Errorf("decode event %q payload: %w", name, err)
	}

	if value, ok := rv.Elem().Interface().(eventflow.Event); ok {
		return value, nil
	}
	return target.(eventflow.Event), nil
}

func decodeMessage(name string, payload []byte) (eventflow.Message, error) {
	msg, err := eventflow.NewMessageByName(name)
	if err != nil {
		return nil, fmt.Errorf("decode message %q: %w", name, err)
	}

	var target any = msg
	rv := reflect.ValueOf(msg)
	if rv.Kind() != reflect.Pointer {
		pv := reflect.New(rv.Type())
		pv.Elem().Set(rv)
		target = pv.Interface()
		rv = pv
	}

	if err := json.Unmarshal(payload, target); err != nil {
		return nil, fmt.Errorf("decode message %q payload: %w", name, err)
	}

	if value, ok := rv.Elem().Interface().(eventflow.Message); ok {
		return value, nil
	}
	return target.(eventflow.Message), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
