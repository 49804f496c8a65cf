package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"negotiation-chat/internal/models"
	"negotiation-chat/internal/observability"
)

const (
	DefaultFlushDelay = 500 * time.Millisecond
	// DefaultMaxWait bounds how long a message can sit in the buffer under
	// steady traffic. It stays below MarkReadDelay.
	DefaultMaxWait  = 2 * time.Second
	DefaultMaxBatch = 200
)

// MessageWriter is the durable side of the batcher.
type MessageWriter interface {
	InsertMessages(ctx context.Context, msgs []models.Message) error
	TouchLastMessage(ctx context.Context, lastByChat map[string]time.Time) error
}

// Batcher buffers messages and writes them in one batch once no new message
// has arrived for the flush delay, once the oldest buffered message has
// waited maxWait, or as soon as maxBatch messages are buffered. Flushes are
// serialized; appends proceed while a flush is writing.
type Batcher struct {
	writer   MessageWriter
	log      *zap.Logger
	delay    time.Duration
	maxWait  time.Duration
	maxBatch int

	mu       sync.Mutex
	buf      []models.Message
	inflight []models.Message
	idle     *time.Timer
	deadline *time.Timer
	closed   bool

	flushMu sync.Mutex
}

type BatcherOption func(*Batcher)

func WithMaxWait(d time.Duration) BatcherOption {
	return func(b *Batcher) {
		if d > 0 {
			b.maxWait = d
		}
	}
}

func WithMaxBatch(n int) BatcherOption {
	return func(b *Batcher) {
		if n > 0 {
			b.maxBatch = n
		}
	}
}

func NewBatcher(writer MessageWriter, log *zap.Logger, delay time.Duration, opts ...BatcherOption) *Batcher {
	if delay <= 0 {
		delay = DefaultFlushDelay
	}
	b := &Batcher{
		writer:   writer,
		log:      log.With(zap.String("component", "message_batcher")),
		delay:    delay,
		maxWait:  DefaultMaxWait,
		maxBatch: DefaultMaxBatch,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add buffers msg and restarts the idle timer. A full buffer is flushed
// right away.
func (b *Batcher) Add(msg models.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, msg)
	if len(b.buf)%b.maxBatch == 0 && !b.closed {
		go b.flushAsync()
		return
	}
	b.armLocked()
}

// Handle adapts the batcher to the persist-message job.
func (b *Batcher) Handle(_ context.Context, job Job) error {
	var p PersistMessagePayload
	if err := DecodePayload(job, &p); err != nil {
		return err
	}
	b.Add(p.Message)
	return nil
}

// PendingMessage reports whether messageID is accepted but not yet written.
func (b *Batcher) PendingMessage(messageID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, set := range [][]models.Message{b.buf, b.inflight} {
		for _, m := range set {
			if m.ID == messageID {
				return true
			}
		}
	}
	return false
}

// PendingInChat reports whether any message of chatID created at or before
// upTo is still waiting to be written.
func (b *Batcher) PendingInChat(chatID string, upTo time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, set := range [][]models.Message{b.buf, b.inflight} {
		for _, m := range set {
			if m.ChatID == chatID && !m.CreatedAt.After(upTo) {
				return true
			}
		}
	}
	return false
}

// armLocked restarts the idle timer and, for the first buffered message,
// starts the hard deadline.
func (b *Batcher) armLocked() {
	if b.closed {
		return
	}
	if b.idle == nil {
		b.idle = time.AfterFunc(b.delay, b.flushAsync)
	} else {
		b.idle.Reset(b.delay)
	}
	if b.deadline == nil {
		b.deadline = time.AfterFunc(b.maxWait, b.flushAsync)
	}
}

func (b *Batcher) flushAsync() {
	_ = b.Flush(context.Background())
}

// Flush writes everything buffered so far. On failure the items go back to
// the front of the buffer and the timer is re-armed.
func (b *Batcher) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.buf
	b.buf = nil
	b.inflight = batch
	if b.deadline != nil {
		b.deadline.Stop()
		b.deadline = nil
	}
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	err := b.write(ctx, batch)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inflight = nil
	if err == nil {
		observability.ObserveBatchFlush(len(batch))
		return nil
	}

	b.log.Error("message batch flush failed, requeueing", zap.Int("count", len(batch)), zap.Error(err))
	b.buf = append(batch, b.buf...)
	b.armLocked()
	return err
}

func (b *Batcher) write(ctx context.Context, batch []models.Message) error {
	if err := b.writer.InsertMessages(ctx, batch); err != nil {
		return err
	}
	last := make(map[string]time.Time, len(batch))
	for _, m := range batch {
		if cur, ok := last[m.ChatID]; !ok || m.CreatedAt.After(cur) {
			last[m.ChatID] = m.CreatedAt
		}
	}
	return b.writer.TouchLastMessage(ctx, last)
}

// Close stops the timers and flushes what is left.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	if b.idle != nil {
		b.idle.Stop()
	}
	if b.deadline != nil {
		b.deadline.Stop()
		b.deadline = nil
	}
	b.mu.Unlock()
	return b.Flush(ctx)
}
