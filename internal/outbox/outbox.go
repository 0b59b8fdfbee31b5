// Package outbox implements the durable client-side queue that guarantees
// eventual delivery of safety events to the relay endpoint despite transient
// connectivity loss.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/aegis/internal/types"
)

var (
	ErrInvalidEventType = errors.New("invalid event type")
	ErrNotFound         = errors.New("entry not found")
	ErrAlreadySent      = errors.New("entry already sent")
)

// EntryStatus is the lifecycle state of an outbox entry.
type EntryStatus string

const (
	StatusPending EntryStatus = "pending"
	StatusSending EntryStatus = "sending"
	StatusSent    EntryStatus = "sent"
	StatusFailed  EntryStatus = "failed"
)

// Entry is a durable record of one safety event awaiting confirmed delivery.
type Entry struct {
	ID          types.EntryID   `json:"id"`
	EventType   types.EventType `json:"event_type"`
	Payload     *types.Event    `json:"payload"`
	Status      EntryStatus     `json:"status"`
	Attempts    int             `json:"attempts"`
	NextRetryAt time.Time       `json:"next_retry_at"`
	CreatedAt   time.Time       `json:"created_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// Sender delivers a single event to the relay endpoint. Retry is the
// outbox's job, not the sender's.
type Sender interface {
	Send(ctx context.Context, event *types.Event) error
}

// Stats summarizes the queue by entry status. Retrying counts failed entries
// that still have retry budget left.
type Stats struct {
	Pending  int `json:"pending"`
	Sending  int `json:"sending"`
	Sent     int `json:"sent"`
	Failed   int `json:"failed"`
	Retrying int `json:"retrying"`
}

const (
	processInterval = 30 * time.Second
	pruneAfter      = 24 * time.Hour
)

// Outbox is a JSON-file-backed durable queue with jittered exponential
// backoff. All mutations go through Add and the processing pass; the file is
// rewritten atomically (temp file + rename) on every change.
type Outbox struct {
	path   string
	sender Sender
	policy *RetryPolicy
	clock  func() time.Time
	online func() bool

	// processing admits at most one concurrent pass; overlapping triggers
	// (timer tick, online transition, Add) are dropped, not queued.
	processing *semaphore.Weighted

	mu      sync.Mutex
	entries []*Entry
}

// Option configures optional behavior on an Outbox.
type Option func(*Outbox)

// WithClock injects a time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Outbox) { o.clock = clock }
}

// WithPolicy overrides the default retry policy.
func WithPolicy(p *RetryPolicy) Option {
	return func(o *Outbox) { o.policy = p }
}

// WithOnline injects the connectivity probe consulted by Add.
func WithOnline(fn func() bool) Option {
	return func(o *Outbox) { o.online = fn }
}

// New loads (or creates) the queue file at path and reconciles crash state:
// entries found in `sending` from a previous run are demoted to `failed` so
// they re-enter the retry cycle instead of being stuck.
func New(path string, sender Sender, opts ...Option) (*Outbox, error) {
	o := &Outbox{
		path:       path,
		sender:     sender,
		policy:     DefaultRetryPolicy(),
		clock:      time.Now,
		online:     func() bool { return true },
		processing: semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(o)
	}

	if err := o.load(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	recovered := 0
	for _, e := range o.entries {
		if e.Status == StatusSending {
			e.Status = StatusFailed
			e.LastError = "interrupted by restart"
			e.NextRetryAt = o.clock()
			recovered++
		}
	}
	if recovered > 0 {
		slog.Info("outbox crash recovery", "recovered", recovered)
		if err := o.save(); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Add validates the event type, persists a pending entry, and triggers an
// immediate processing pass if the device reports itself online.
func (o *Outbox) Add(ctx context.Context, eventType types.EventType, event *types.Event) (types.EntryID, error) {
	if !eventType.Valid() {
		return "", fmt.Errorf("%w: %s", ErrInvalidEventType, eventType)
	}

	now := o.clock()
	entry := &Entry{
		ID:          types.NewEntryID(),
		EventType:   eventType,
		Payload:     event,
		Status:      StatusPending,
		Attempts:    0,
		NextRetryAt: now,
		CreatedAt:   now,
	}

	o.mu.Lock()
	o.entries = append(o.entries, entry)
	err := o.save()
	o.mu.Unlock()
	if err != nil {
		return "", err
	}

	if o.online() {
		o.Process(ctx)
	}
	return entry.ID, nil
}

// Process runs one queue-processing pass: every due entry is delivered
// serially, then sent entries older than the prune window are removed. A
// second overlapping trigger returns immediately without touching the queue.
func (o *Outbox) Process(ctx context.Context) {
	if !o.processing.TryAcquire(1) {
		return
	}
	defer o.processing.Release(1)

	for _, entry := range o.due() {
		o.deliver(ctx, entry)
	}
	o.prune()
}

// due snapshots entries eligible for a delivery attempt, oldest first.
func (o *Outbox) due() []*Entry {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clock()
	var due []*Entry
	for _, e := range o.entries {
		if (e.Status == StatusPending || e.Status == StatusFailed) &&
			!e.NextRetryAt.After(now) &&
			!o.policy.Exhausted(e.Attempts) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	return due
}

// deliver attempts one send of a single entry. The sender is called without
// holding the queue lock.
func (o *Outbox) deliver(ctx context.Context, entry *Entry) {
	o.mu.Lock()
	entry.Status = StatusSending
	entry.Attempts++
	attempts := entry.Attempts
	if err := o.save(); err != nil {
		slog.Error("outbox persist failed", "entry_id", string(entry.ID), "error", err)
	}
	o.mu.Unlock()

	err := o.sender.Send(ctx, entry.Payload)

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		entry.Status = StatusFailed
		entry.LastError = err.Error()
		entry.NextRetryAt = o.clock().Add(o.policy.NextDelay(attempts))
		slog.Warn("outbox delivery failed",
			"entry_id", string(entry.ID),
			"event_type", string(entry.EventType),
			"attempts", attempts,
			"error", err,
		)
	} else {
		entry.Status = StatusSent
		entry.LastError = ""
		slog.Info("outbox delivered", "entry_id", string(entry.ID), "event_type", string(entry.EventType), "attempts", attempts)
	}
	if err := o.save(); err != nil {
		slog.Error("outbox persist failed", "entry_id", string(entry.ID), "error", err)
	}
}

// prune drops sent entries older than the retention window. Failed entries
// that exhausted their attempts are kept for manual inspection.
func (o *Outbox) prune() {
	o.mu.Lock()
	defer o.mu.Unlock()

	cutoff := o.clock().Add(-pruneAfter)
	kept := o.entries[:0]
	removed := 0
	for _, e := range o.entries {
		if e.Status == StatusSent && e.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return
	}
	o.entries = kept
	if err := o.save(); err != nil {
		slog.Error("outbox persist failed", "error", err)
	}
}

// Retry resets a failed or exhausted entry for an immediate attempt and runs
// a processing pass.
func (o *Outbox) Retry(ctx context.Context, id types.EntryID) error {
	o.mu.Lock()
	var entry *Entry
	for _, e := range o.entries {
		if e.ID == id {
			entry = e
			break
		}
	}
	if entry == nil {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if entry.Status == StatusSent {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadySent, id)
	}
	entry.Status = StatusPending
	entry.NextRetryAt = o.clock()
	entry.Attempts = 0
	err := o.save()
	o.mu.Unlock()
	if err != nil {
		return err
	}

	o.Process(ctx)
	return nil
}

// Stats returns entry counts by status.
func (o *Outbox) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	var s Stats
	for _, e := range o.entries {
		switch e.Status {
		case StatusPending:
			s.Pending++
		case StatusSending:
			s.Sending++
		case StatusSent:
			s.Sent++
		case StatusFailed:
			s.Failed++
			if !o.policy.Exhausted(e.Attempts) {
				s.Retrying++
			}
		}
	}
	return s
}

// Entries returns a snapshot copy of the queue for inspection.
func (o *Outbox) Entries() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Entry, len(o.entries))
	for i, e := range o.entries {
		out[i] = *e
	}
	return out
}

// Get returns a snapshot of one entry by id.
func (o *Outbox) Get(id types.EntryID) (Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, e := range o.entries {
		if e.ID == id {
			return *e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Run processes the queue on a fixed interval until the context is canceled.
func (o *Outbox) Run(ctx context.Context) {
	t := time.NewTicker(processInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.Process(ctx)
		}
	}
}

// load reads the queue file. A missing file yields an empty queue.
func (o *Outbox) load() error {
	data, err := os.ReadFile(o.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read outbox file: %w", err)
	}
	var entries []*Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("unmarshal outbox: %w", err)
	}
	o.entries = entries
	return nil
}

// save writes the full queue to disk using atomic write (temp file + rename).
// Caller must hold o.mu.
func (o *Outbox) save() error {
	data, err := json.MarshalIndent(o.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal outbox: %w", err)
	}

	dir := filepath.Dir(o.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create outbox dir: %w", err)
	}

	tmp := o.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp outbox file: %w", err)
	}
	if err := os.Rename(tmp, o.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp outbox file: %w", err)
	}
	return nil
}
