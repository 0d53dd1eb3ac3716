// Package msglog is the append-only audit trail of channel messages.
package msglog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/randalmurphal/courier/pkg/courier/observability"
)

// Direction tells whether a message was received or sent.
type Direction string

// Message directions.
const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// DefaultQueryLimit caps Query results when no limit is given.
const DefaultQueryLimit = 100

// Entry is one logged message.
type Entry struct {
	ID        int64     `json:"id,string"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Direction Direction `json:"direction"`
	Content   string    `json:"content"`
	Command   string    `json:"command,omitempty"`
	Response  string    `json:"response,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Query selects entries. Results are newest first.
type Query struct {
	// Identity matches entries sent from or to this identity.
	Identity string

	// Direction restricts results to one direction.
	Direction Direction

	// Since excludes entries older than this time.
	Since time.Time

	// Limit caps the number of results. Zero uses DefaultQueryLimit.
	Limit int
}

func (q Query) match(e Entry) bool {
	if q.Identity != "" && e.From != q.Identity && e.To != q.Identity {
		return false
	}
	if q.Direction != "" && e.Direction != q.Direction {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	return true
}

// Store persists message log entries.
type Store interface {
	InsertMessageLog(ctx context.Context, e Entry) error
	QueryMessageLogs(ctx context.Context, q Query) ([]Entry, error)
}

// Log assigns ids and timestamps to entries and appends them to a Store.
type Log struct {
	store  Store
	node   *snowflake.Node
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Log.
type Option func(*logOptions)

type logOptions struct {
	nodeID int64
	now    func() time.Time
	logger *slog.Logger
}

// WithNodeID sets the snowflake node id used for entry ids.
// Processes writing to the same store need distinct node ids.
func WithNodeID(id int64) Option {
	return func(o *logOptions) { o.nodeID = id }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *logOptions) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *logOptions) { o.logger = logger }
}

// NewLog creates a Log on top of store.
func NewLog(store Store, opts ...Option) (*Log, error) {
	o := logOptions{nodeID: 1, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	node, err := snowflake.NewNode(o.nodeID)
	if err != nil {
		return nil, fmt.Errorf("init message id generator: %w", err)
	}

	return &Log{
		store:  store,
		node:   node,
		now:    o.now,
		logger: observability.Component(o.logger, "message_log"),
	}, nil
}

// Record appends e, filling in its id and timestamp.
func (l *Log) Record(ctx context.Context, e Entry) (Entry, error) {
	e.ID = l.node.Generate().Int64()
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	if err := l.store.InsertMessageLog(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("insert message log: %w", err)
	}
	return e, nil
}

// RecordIncoming logs a received message. Failures are logged, not returned.
func (l *Log) RecordIncoming(ctx context.Context, from, content, command string) {
	_, err := l.Record(ctx, Entry{
		From:      from,
		Direction: Incoming,
		Content:   content,
		Command:   command,
	})
	if err != nil {
		l.logger.Warn("record incoming message", slog.String("from", from), slog.String("error", err.Error()))
	}
}

// RecordOutgoing logs a sent message. Failures are logged, not returned.
func (l *Log) RecordOutgoing(ctx context.Context, to, content, command, response string) {
	_, err := l.Record(ctx, Entry{
		To:        to,
		Direction: Outgoing,
		Content:   content,
		Command:   command,
		Response:  response,
	})
	if err != nil {
		l.logger.Warn("record outgoing message", slog.String("to", to), slog.String("error", err.Error()))
	}
}

// Query returns entries matching q, newest first.
func (l *Log) Query(ctx context.Context, q Query) ([]Entry, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}
	entries, err := l.store.QueryMessageLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query message logs: %w", err)
	}
	return entries, nil
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) InsertMessageLog(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) QueryMessageLogs(ctx context.Context, q Query) ([]Entry, error) {
	s.mu.RLock()
	out := make([]Entry, 0)
	for _, e := range s.entries {
		if q.match(e) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
