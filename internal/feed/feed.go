// ABOUTME: Ordered, resumable change feed over durable message inserts
// ABOUTME: Backed by a Redis stream with a durably committed resume position

package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/relay-gateway/internal/store"
)

const (
	// DefaultStream is the Redis stream carrying message insert events.
	DefaultStream = "relay:feed"

	messageField = "message"

	defaultBatchSize = 64
	defaultBlock     = time.Second
)

// Entry is one feed event: an inserted message plus its stream position.
type Entry struct {
	Pos     string
	Message *store.Message
}

// Appender publishes message inserts onto the change feed.
type Appender struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

// NewAppender creates an Appender writing to the given stream.
func NewAppender(client *redis.Client, stream string, logger *slog.Logger) *Appender {
	if stream == "" {
		stream = DefaultStream
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Appender{
		client: client,
		stream: stream,
		logger: logger.With("component", "feed-appender"),
	}
}

// Append publishes a persisted message onto the feed. The stream assigns
// the ordered position; callers must persist the message before appending.
func (a *Appender) Append(ctx context.Context, msg *store.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding feed message: %w", err)
	}

	pos, err := a.client.XAdd(ctx, &redis.XAddArgs{
		Stream: a.stream,
		Values: map[string]any{messageField: string(data)},
	}).Result()
	if err != nil {
		return fmt.Errorf("appending to feed: %w", err)
	}

	a.logger.Debug("appended to feed",
		"message_id", msg.ID,
		"thread_key", msg.ThreadKey.String(),
		"pos", pos,
	)
	return nil
}

// Reader consumes the feed in insert order with at-least-once semantics.
// The resume position is only advanced by an explicit Commit, so a crash
// between read and commit causes re-delivery, never loss.
type Reader struct {
	client    *redis.Client
	stream    string
	posKey    string
	batchSize int64
	block     time.Duration
	logger    *slog.Logger

	// onGap is invoked when the committed position has been trimmed away.
	onGap func()

	// lastPos is the in-memory read cursor; Commit persists it.
	lastPos string
}

// ReaderOption customizes a Reader.
type ReaderOption func(*Reader)

// WithBatchSize bounds how many entries a single Next call returns.
func WithBatchSize(n int64) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithGapHandler registers a callback fired when Start finds the committed
// resume position trimmed out of the stream.
func WithGapHandler(fn func()) ReaderOption {
	return func(r *Reader) {
		r.onGap = fn
	}
}

// WithBlock sets how long Next blocks waiting for new entries.
func WithBlock(d time.Duration) ReaderOption {
	return func(r *Reader) {
		if d > 0 {
			r.block = d
		}
	}
}

// NewReader creates a Reader for the named consumer. Distinct consumers
// keep independent resume positions; all of them see every event.
func NewReader(client *redis.Client, stream, consumer string, logger *slog.Logger, opts ...ReaderOption) *Reader {
	if stream == "" {
		stream = DefaultStream
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reader{
		client:    client,
		stream:    stream,
		posKey:    stream + ":pos:" + consumer,
		batchSize: defaultBatchSize,
		block:     defaultBlock,
		logger:    logger.With("component", "feed-reader", "consumer", consumer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start loads the committed resume position and verifies it is still
// covered by the stream. A trimmed-away position is a data-loss event:
// it is logged loudly and reading resumes from the oldest retained entry.
func (r *Reader) Start(ctx context.Context) error {
	pos, err := r.client.Get(ctx, r.posKey).Result()
	if errors.Is(err, redis.Nil) {
		r.lastPos = "0-0"
		r.logger.Info("no committed feed position, starting from beginning")
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading feed position: %w", err)
	}
	r.lastPos = pos

	first, err := r.client.XRangeN(ctx, r.stream, "-", "+", 1).Result()
	if err != nil {
		return fmt.Errorf("inspecting feed head: %w", err)
	}
	if len(first) > 0 && streamIDLess(pos, first[0].ID) {
		// The committed position was trimmed out of the stream. Events
		// between it and the oldest retained entry are unrecoverable.
		r.logger.Error("feed resume position expired, events may have been lost",
			"committed_pos", pos,
			"oldest_retained", first[0].ID,
		)
		if r.onGap != nil {
			r.onGap()
		}
	}

	r.logger.Info("resuming feed", "pos", r.lastPos)
	return nil
}

// Next returns the next batch of entries after the read cursor, blocking
// up to the configured duration. An empty batch means no new entries.
func (r *Reader) Next(ctx context.Context) ([]Entry, error) {
	streams, err := r.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{r.stream, r.lastPos},
		Count:   r.batchSize,
		Block:   r.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading feed: %w", err)
	}

	var entries []Entry
	for _, s := range streams {
		for _, xmsg := range s.Messages {
			entry, err := decodeEntry(xmsg)
			if err != nil {
				// A malformed entry cannot be retried; skip past it.
				r.logger.Error("dropping malformed feed entry", "pos", xmsg.ID, "error", err)
				r.lastPos = xmsg.ID
				continue
			}
			entries = append(entries, entry)
			r.lastPos = xmsg.ID
		}
	}
	return entries, nil
}

// Commit durably records the resume position. Call only after every entry
// up to pos has been fully dispatched.
func (r *Reader) Commit(ctx context.Context, pos string) error {
	if err := r.client.Set(ctx, r.posKey, pos, 0).Err(); err != nil {
		return fmt.Errorf("committing feed position: %w", err)
	}
	return nil
}

// Rewind resets the read cursor to the last committed position, used after
// a dispatch failure so the batch is re-delivered.
func (r *Reader) Rewind(ctx context.Context) error {
	pos, err := r.client.Get(ctx, r.posKey).Result()
	if errors.Is(err, redis.Nil) {
		r.lastPos = "0-0"
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading feed position: %w", err)
	}
	r.lastPos = pos
	return nil
}

func decodeEntry(xmsg redis.XMessage) (Entry, error) {
	raw, ok := xmsg.Values[messageField].(string)
	if !ok {
		return Entry{}, fmt.Errorf("feed entry %s missing %q field", xmsg.ID, messageField)
	}
	var msg store.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return Entry{}, fmt.Errorf("decoding feed entry %s: %w", xmsg.ID, err)
	}
	return Entry{Pos: xmsg.ID, Message: &msg}, nil
}

// streamIDLess reports whether stream ID a orders strictly before b.
func streamIDLess(a, b string) bool {
	ams, aseq := splitStreamID(a)
	bms, bseq := splitStreamID(b)
	if ams != bms {
		return ams < bms
	}
	return aseq < bseq
}

func splitStreamID(id string) (int64, uint64) {
	parts := strings.SplitN(id, "-", 2)
	ms, _ := strconv.ParseInt(parts[0], 10, 64)
	var seq uint64
	if len(parts) == 2 {
		seq, _ = strconv.ParseUint(parts[1], 10, 64)
	}
	return ms, seq
}
