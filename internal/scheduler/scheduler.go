// Package scheduler runs periodic index syncs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chatrack/chatrack/internal/chatdb"
	"github.com/chatrack/chatrack/internal/indexer"
)

// ErrSyncRunning is returned when a sync is requested while one is
// already in flight. Scheduled runs that overlap are skipped, not
// queued.
var ErrSyncRunning = errors.New("sync already running")

// Status is a snapshot of the scheduler state.
type Status struct {
	Schedule   string              `json:"schedule,omitempty"`
	Running    bool                `json:"running"`
	LastRun    time.Time           `json:"last_run,omitzero"`
	LastError  string              `json:"last_error,omitempty"`
	LastResult *indexer.SyncResult `json:"last_result,omitempty"`
	NextRun    time.Time           `json:"next_run,omitzero"`
}

// Scheduler triggers index syncs, either on a cron schedule or on
// demand.
type Scheduler struct {
	indexer    *indexer.Indexer
	chatDBPath string
	logger     *slog.Logger
	cron       *cron.Cron
	entryID    cron.EntryID
	schedule   string

	mu         sync.Mutex
	running    bool
	lastRun    time.Time
	lastErr    string
	lastResult *indexer.SyncResult
}

// New creates a Scheduler syncing from the chat database at chatDBPath.
func New(ix *indexer.Indexer, chatDBPath string) *Scheduler {
	return &Scheduler{
		indexer:    ix,
		chatDBPath: chatDBPath,
		logger:     slog.Default(),
	}
}

// WithLogger sets the logger and returns the scheduler.
func (s *Scheduler) WithLogger(l *slog.Logger) *Scheduler {
	if l != nil {
		s.logger = l
	}
	return s
}

// Start begins scheduled syncs using the given cron expression. An
// empty expression disables scheduling; on-demand syncs still work.
func (s *Scheduler) Start(schedule string) error {
	if schedule == "" {
		return nil
	}
	c := cron.New()
	id, err := c.AddFunc(schedule, func() {
		if err := s.RunNow(context.Background()); err != nil {
			if errors.Is(err, ErrSyncRunning) {
				s.logger.Info("scheduled sync skipped, previous run still in flight")
				return
			}
			s.logger.Error("scheduled sync failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	s.cron = c
	s.entryID = id
	s.schedule = schedule
	c.Start()
	s.logger.Info("index schedule started", "schedule", schedule)
	return nil
}

// Stop halts scheduled runs. An in-flight sync finishes on its own.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// TriggerSync starts a sync in the background. Returns ErrSyncRunning
// if one is already in flight.
func (s *Scheduler) TriggerSync() error {
	if !s.tryBegin() {
		return ErrSyncRunning
	}
	go func() {
		defer s.end()
		s.runLocked(context.Background())
	}()
	return nil
}

// RunNow performs one sync synchronously. Returns ErrSyncRunning if a
// sync is already in flight.
func (s *Scheduler) RunNow(ctx context.Context) error {
	if !s.tryBegin() {
		return ErrSyncRunning
	}
	defer s.end()
	return s.runLocked(ctx)
}

func (s *Scheduler) tryBegin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Scheduler) end() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// runLocked does the sync. The caller holds the running flag.
func (s *Scheduler) runLocked(ctx context.Context) error {
	source, err := chatdb.Open(s.chatDBPath)
	if err != nil {
		s.record(nil, err)
		return err
	}
	defer source.Close()

	result, err := s.indexer.Sync(ctx, source, nil)
	s.record(result, err)
	return err
}

func (s *Scheduler) record(result *indexer.SyncResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun = time.Now()
	s.lastResult = result
	if err != nil {
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
	}
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Schedule:   s.schedule,
		Running:    s.running,
		LastRun:    s.lastRun,
		LastError:  s.lastErr,
		LastResult: s.lastResult,
	}
	if s.cron != nil {
		st.NextRun = s.cron.Entry(s.entryID).Next
	}
	return st
}
