// Package scheduler runs the mail pipeline for each user on a cron
// schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ajayg10/ai-email-agent/internal/config"
)

// SyncFunc is invoked when a user's mailbox should be processed.
type SyncFunc func(ctx context.Context, email string) error

var (
	// ErrAlreadyRunning is returned when a run for the user is in progress.
	ErrAlreadyRunning = errors.New("sync already running")
	// ErrNotScheduled is returned for users the scheduler does not know.
	ErrNotScheduled = errors.New("user is not scheduled")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("scheduler is stopped")
)

// UserStatus is the schedule state of one user.
type UserStatus struct {
	Email     string    `json:"email"`
	Running   bool      `json:"running"`
	LastRun   time.Time `json:"last_run,omitempty"`
	NextRun   time.Time `json:"next_run"`
	Schedule  string    `json:"schedule"`
	LastError string    `json:"last_error,omitempty"`
}

// parser accepts standard 5-field expressions and descriptors such as
// "@every 10m" or "@hourly".
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler manages per-user cron schedules. A user never has two runs in
// flight at once.
type Scheduler struct {
	cron     *cron.Cron
	syncFunc SyncFunc
	logger   *slog.Logger

	mu        sync.RWMutex
	jobs      map[string]cron.EntryID // email -> cron entry ID
	schedules map[string]string       // email -> cron expression
	running   map[string]bool         // email -> currently syncing
	lastRun   map[string]time.Time    // email -> last successful run
	lastErr   map[string]error        // email -> last error

	ctx     context.Context    // cancelled on Stop
	cancel  context.CancelFunc // cancels ctx
	wg      sync.WaitGroup     // tracks running sync goroutines
	started bool
	stopped bool
}

// New creates a Scheduler with the given sync callback.
func New(syncFunc SyncFunc) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:      cron.New(cron.WithParser(parser)),
		syncFunc:  syncFunc,
		logger:    slog.Default(),
		jobs:      make(map[string]cron.EntryID),
		schedules: make(map[string]string),
		running:   make(map[string]bool),
		lastRun:   make(map[string]time.Time),
		lastErr:   make(map[string]error),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// WithLogger sets the logger for the scheduler.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// AddUser schedules runs for a user, replacing any existing schedule.
func (s *Scheduler) AddUser(email, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, err := s.cron.AddFunc(spec, func() {
		if !s.begin(email) {
			return
		}
		s.runSync(email)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	if old, exists := s.jobs[email]; exists {
		s.cron.Remove(old)
	}
	s.jobs[email] = entryID
	s.schedules[email] = spec
	s.logger.Info("scheduled user",
		"email", email,
		"schedule", spec,
		"next_run", s.cron.Entry(entryID).Next)

	return nil
}

// AddUsers schedules each email with its configured schedule. Users
// disabled in config are skipped. Returns how many were scheduled.
func (s *Scheduler) AddUsers(cfg *config.Config, emails []string) (int, []error) {
	var errs []error
	scheduled := 0

	for _, email := range emails {
		spec, enabled := cfg.ScheduleFor(email)
		if !enabled {
			s.logger.Info("polling disabled for user", "email", email)
			continue
		}
		if err := s.AddUser(email, spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", email, err))
			continue
		}
		scheduled++
	}

	return scheduled, errs
}

// RemoveUser removes the schedule for a user. A run in progress finishes.
func (s *Scheduler) RemoveUser(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.jobs[email]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, email)
		delete(s.schedules, email)
		s.logger.Info("removed schedule", "email", email)
	}
}

// Start begins executing scheduled jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.started = true
	s.stopped = false
	jobs := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "users", jobs)
}

// IsRunning returns true if the scheduler has been started and not yet stopped.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && !s.stopped
}

// Stop stops the scheduler, cancels running syncs, and returns a context
// that is done once they have all returned.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("scheduler stopping")

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	s.cancel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		cancel()
	}()
	return ctx
}

// begin marks email running. It reports false when the scheduler is
// stopped or a run is already in flight.
func (s *Scheduler) begin(email string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.running[email] {
		return false
	}
	s.running[email] = true
	s.wg.Add(1)
	return true
}

// runSync executes one run. The caller must have called begin.
func (s *Scheduler) runSync(email string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running[email] = false
		s.mu.Unlock()
	}()

	s.logger.Info("starting sync", "email", email)
	start := time.Now()

	err := s.syncFunc(s.ctx, email)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr[email] = err
		s.logger.Error("sync failed",
			"email", email,
			"duration", time.Since(start),
			"error", err)
		return
	}
	s.lastRun[email] = time.Now()
	s.lastErr[email] = nil
	s.logger.Info("sync completed",
		"email", email,
		"duration", time.Since(start))
}

// IsScheduled returns true if the user has been added to the scheduler.
func (s *Scheduler) IsScheduled(email string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.jobs[email]
	return exists
}

// TriggerSync starts a run for a user outside the schedule.
func (s *Scheduler) TriggerSync(email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if _, exists := s.jobs[email]; !exists {
		return fmt.Errorf("%s: %w", email, ErrNotScheduled)
	}
	if s.running[email] {
		return fmt.Errorf("%s: %w", email, ErrAlreadyRunning)
	}

	s.running[email] = true
	s.wg.Add(1)
	go s.runSync(email)
	return nil
}

// TriggerAll starts a run for every scheduled user that is idle. Returns
// how many runs were started.
func (s *Scheduler) TriggerAll() int {
	s.mu.RLock()
	emails := make([]string, 0, len(s.jobs))
	for email := range s.jobs {
		emails = append(emails, email)
	}
	s.mu.RUnlock()
	sort.Strings(emails)

	started := 0
	for _, email := range emails {
		if err := s.TriggerSync(email); err == nil {
			started++
		}
	}
	return started
}

// Status returns the state of every scheduled user, ordered by email.
func (s *Scheduler) Status() []UserStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]UserStatus, 0, len(s.jobs))
	for email, entryID := range s.jobs {
		entry := s.cron.Entry(entryID)
		status := UserStatus{
			Email:    email,
			Running:  s.running[email],
			LastRun:  s.lastRun[email],
			NextRun:  entry.Next,
			Schedule: s.schedules[email],
		}
		if err := s.lastErr[email]; err != nil {
			status.LastError = err.Error()
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Email < statuses[j].Email })
	return statuses
}

// ValidateSpec checks a schedule without adding it.
func ValidateSpec(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}
