package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"guardline/internal/domain"
)

const (
	DefaultQueueSize        = 2048
	DefaultMaxEventsPerFile = 5000

	TypeJournalStarted  = "journal_started"
	TypeJournalStopping = "journal_stopping"
)

// Submitter accepts events without ever blocking the caller.
type Submitter interface {
	Submit(eventType string, payload map[string]any) bool
}

// Discard drops every event.
type Discard struct{}

func (Discard) Submit(string, map[string]any) bool { return false }

// Config configures a Journal.
type Config struct {
	Directory        string
	QueueSize        int
	MaxEventsPerFile int
	// WriterDelay slows the consumer after each event.
	WriterDelay time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// Stats is a point-in-time copy of the journal counters. Submitted counts
// every Submit call; Dropped counts the ones discarded because the queue was
// full or the journal was closed.
type Stats struct {
	Directory    string `json:"directory"`
	RunID        string `json:"run_id"`
	Submitted    int64  `json:"submitted"`
	Written      int64  `json:"written"`
	Dropped      int64  `json:"dropped"`
	Failed       int64  `json:"failed"`
	QueueDepth   int    `json:"queue_depth"`
	LastError    string `json:"last_error,omitempty"`
	ActiveFile   string `json:"active_file,omitempty"`
	SegmentIndex int64  `json:"segment_index"`
}

// Journal is a bounded event queue drained by one goroutine into rotating
// JSONL segment files.
type Journal struct {
	cfg   Config
	runID string
	log   *slog.Logger
	queue chan domain.Event
	stop  chan struct{}
	done  chan struct{}

	// mu orders submissions against Close so no event lands in the queue
	// after the consumer has drained it.
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	submitted atomic.Int64
	written   atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
	segment   atomic.Int64
	lastError atomic.Value // string
	active    atomic.Value // string

	// owned by the consumer goroutine
	file    *os.File
	count   int
	failing bool
}

// Open creates the directory, starts the consumer and emits a
// journal_started event.
func Open(cfg Config) (*Journal, error) {
	if cfg.Directory == "" {
		return nil, errors.New("journal directory is required")
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxEventsPerFile == 0 {
		cfg.MaxEventsPerFile = DefaultMaxEventsPerFile
	}
	if cfg.QueueSize < 0 {
		return nil, errors.New("queue_size must be positive")
	}
	if cfg.MaxEventsPerFile < 0 {
		return nil, errors.New("max_events_per_file must be positive")
	}
	if cfg.WriterDelay < 0 {
		return nil, errors.New("writer_delay must be non-negative")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{
		cfg:   cfg,
		runID: fmt.Sprintf("%d", cfg.Now().UnixMilli()),
		log:   logger.With("component", "journal"),
		queue: make(chan domain.Event, cfg.QueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	j.lastError.Store("")
	j.active.Store("")
	go j.run()
	j.Submit(TypeJournalStarted, map[string]any{
		"directory":           cfg.Directory,
		"queue_size":          cfg.QueueSize,
		"max_events_per_file": cfg.MaxEventsPerFile,
	})
	return j, nil
}

// NewEvent stamps an event with a fresh id and the current UTC time.
func NewEvent(eventType string, payload map[string]any, now time.Time) domain.Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return domain.Event{
		ID:           uuid.New().String(),
		TimestampUTC: now.UTC().Format("2006-01-02T15:04:05.000000Z"),
		Type:         eventType,
		Payload:      payload,
	}
}

// Submit enqueues an event if there is room. It never blocks and never
// fails; the return value reports whether the event was queued.
func (j *Journal) Submit(eventType string, payload map[string]any) bool {
	copied := make(map[string]any, len(payload))
	for k, v := range payload {
		copied[k] = v
	}
	return j.SubmitEvent(NewEvent(eventType, copied, j.cfg.Now()))
}

// SubmitEvent enqueues a prepared event.
func (j *Journal) SubmitEvent(ev domain.Event) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	j.submitted.Add(1)
	if j.closed {
		j.dropped.Add(1)
		return false
	}
	select {
	case j.queue <- ev:
		return true
	default:
		j.dropped.Add(1)
		return false
	}
}

// Stats returns the current counters.
func (j *Journal) Stats() Stats {
	return Stats{
		Directory:    j.cfg.Directory,
		RunID:        j.runID,
		Submitted:    j.submitted.Load(),
		Written:      j.written.Load(),
		Dropped:      j.dropped.Load(),
		Failed:       j.failed.Load(),
		QueueDepth:   len(j.queue),
		LastError:    j.lastError.Load().(string),
		ActiveFile:   j.active.Load().(string),
		SegmentIndex: j.segment.Load(),
	}
}

// Directory returns the segment directory.
func (j *Journal) Directory() string { return j.cfg.Directory }

// Close emits journal_stopping, drains the queue and closes the active
// segment. Submissions after Close are counted as dropped.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() {
		j.Submit(TypeJournalStopping, map[string]any{})
		j.mu.Lock()
		j.closed = true
		j.mu.Unlock()
		close(j.stop)
		<-j.done
	})
	return nil
}

func (j *Journal) run() {
	defer close(j.done)
	for {
		select {
		case ev := <-j.queue:
			j.write(ev)
		case <-j.stop:
			for {
				select {
				case ev := <-j.queue:
					j.write(ev)
				default:
					j.closeSegment()
					return
				}
			}
		}
	}
}

func (j *Journal) write(ev domain.Event) {
	if j.cfg.WriterDelay > 0 {
		time.Sleep(j.cfg.WriterDelay)
	}
	line, err := json.Marshal(ev)
	if err != nil {
		j.fail(fmt.Errorf("marshal event %s: %w", ev.Type, err))
		return
	}
	if err := j.ensureSegment(); err != nil {
		j.fail(err)
		return
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		j.closeSegment()
		j.fail(fmt.Errorf("write segment: %w", err))
		return
	}
	j.count++
	j.written.Add(1)
	if j.failing {
		j.failing = false
		j.log.Info("journal storage recovered", "segment", j.active.Load())
	}
}

func (j *Journal) ensureSegment() error {
	if j.file != nil && j.count < j.cfg.MaxEventsPerFile {
		return nil
	}
	j.closeSegment()
	if err := os.MkdirAll(j.cfg.Directory, 0o755); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}
	idx := j.segment.Load() + 1
	path := filepath.Join(j.cfg.Directory, SegmentName(j.runID, idx))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	j.segment.Store(idx)
	j.file = f
	j.count = 0
	j.active.Store(path)
	return nil
}

func (j *Journal) closeSegment() {
	if j.file == nil {
		return
	}
	if err := j.file.Close(); err != nil {
		j.fail(fmt.Errorf("close segment: %w", err))
	}
	j.file = nil
}

func (j *Journal) fail(err error) {
	j.failed.Add(1)
	j.lastError.Store(err.Error())
	if !j.failing {
		j.failing = true
		j.log.Warn("journal storage failure", "error", err)
	}
}

// SegmentName is the file name of segment idx of a journal run.
func SegmentName(runID string, idx int64) string {
	return fmt.Sprintf("trajectory-%s-%08d.jsonl", runID, idx)
}
