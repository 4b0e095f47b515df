package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ajayg10/ai-email-agent/internal/config"
)

// yearly never fires during a test.
const yearly = "0 0 1 1 *"

func newTestScheduler(fn SyncFunc) *Scheduler {
	return New(fn).WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func noop(ctx context.Context, email string) error { return nil }

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func statusFor(t *testing.T, s *Scheduler, email string) UserStatus {
	t.Helper()
	for _, st := range s.Status() {
		if st.Email == email {
			return st
		}
	}
	t.Fatalf("%s not found in status", email)
	return UserStatus{}
}

func TestAddUser(t *testing.T) {
	s := newTestScheduler(noop)

	tests := []struct {
		spec    string
		wantErr bool
	}{
		{"0 2 * * *", false},
		{"@every 10m", false},
		{"@hourly", false},
		{"invalid cron", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			err := s.AddUser("user@example.com", tt.spec)
			if (err != nil) != tt.wantErr {
				t.Errorf("AddUser(%q) = %v, wantErr %v", tt.spec, err, tt.wantErr)
			}
		})
	}
	if !s.IsScheduled("user@example.com") {
		t.Error("user not scheduled")
	}
}

func TestAddUser_ReplacesExisting(t *testing.T) {
	s := newTestScheduler(noop)

	if err := s.AddUser("user@example.com", "0 2 * * *"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	s.mu.RLock()
	firstID := s.jobs["user@example.com"]
	s.mu.RUnlock()

	if err := s.AddUser("user@example.com", "@every 5m"); err != nil {
		t.Fatalf("AddUser replacement: %v", err)
	}
	s.mu.RLock()
	secondID := s.jobs["user@example.com"]
	entries := len(s.cron.Entries())
	s.mu.RUnlock()

	if firstID == secondID {
		t.Error("entry ID was not updated after replacement")
	}
	if entries != 1 {
		t.Errorf("cron entries = %d, want 1", entries)
	}
	if got := statusFor(t, s, "user@example.com").Schedule; got != "@every 5m" {
		t.Errorf("Schedule = %q, want @every 5m", got)
	}
}

func TestAddUser_InvalidKeepsExisting(t *testing.T) {
	s := newTestScheduler(noop)
	if err := s.AddUser("user@example.com", "@every 10m"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if err := s.AddUser("user@example.com", "bogus"); err == nil {
		t.Fatal("expected error")
	}
	if got := statusFor(t, s, "user@example.com").Schedule; got != "@every 10m" {
		t.Errorf("Schedule = %q, want previous schedule kept", got)
	}
}

func TestRemoveUser(t *testing.T) {
	s := newTestScheduler(noop)

	if err := s.AddUser("user@example.com", yearly); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	s.RemoveUser("user@example.com")
	if s.IsScheduled("user@example.com") {
		t.Error("user still scheduled after RemoveUser")
	}

	// Unknown users are ignored.
	s.RemoveUser("nobody@example.com")
}

func TestAddUsers(t *testing.T) {
	s := newTestScheduler(noop)
	cfg := &config.Config{
		Schedule: config.ScheduleConfig{Default: "@every 10m"},
		Users: []config.UserSchedule{
			{Email: "custom@example.com", Schedule: "0 * * * *", Enabled: true},
			{Email: "off@example.com", Enabled: false},
			{Email: "broken@example.com", Schedule: "nope", Enabled: true},
		},
	}

	n, errs := s.AddUsers(cfg, []string{"default@example.com", "custom@example.com", "off@example.com", "broken@example.com"})
	if n != 2 {
		t.Errorf("scheduled = %d, want 2", n)
	}
	if len(errs) != 1 {
		t.Errorf("errors = %v, want one", errs)
	}
	if s.IsScheduled("off@example.com") {
		t.Error("disabled user scheduled")
	}
	if got := statusFor(t, s, "default@example.com").Schedule; got != "@every 10m" {
		t.Errorf("default schedule = %q", got)
	}
	if got := statusFor(t, s, "custom@example.com").Schedule; got != "0 * * * *" {
		t.Errorf("custom schedule = %q", got)
	}
}

func TestStartStop(t *testing.T) {
	s := newTestScheduler(noop)

	if s.IsRunning() {
		t.Error("IsRunning() = true before Start()")
	}
	s.Start()
	if !s.IsRunning() {
		t.Error("IsRunning() = false after Start()")
	}

	ctx := s.Stop()
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop()")
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Error("Stop() did not complete in time")
	}
}

func TestStopCancelsRunningSync(t *testing.T) {
	started := make(chan struct{})
	s := newTestScheduler(func(ctx context.Context, email string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	if err := s.AddUser("user@example.com", yearly); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if err := s.TriggerSync("user@example.com"); err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("sync did not start")
	}

	ctx := s.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not complete after cancelling sync")
	}

	if statusFor(t, s, "user@example.com").LastError == "" {
		t.Error("expected error after cancelled sync")
	}
}

func TestTriggerSync_NoOverlap(t *testing.T) {
	release := make(chan struct{})
	var calls, concurrent, maxConcurrent atomic.Int32
	s := newTestScheduler(func(ctx context.Context, email string) error {
		calls.Add(1)
		c := concurrent.Add(1)
		if c > maxConcurrent.Load() {
			maxConcurrent.Store(c)
		}
		<-release
		concurrent.Add(-1)
		return nil
	})

	if err := s.AddUser("user@example.com", yearly); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if err := s.TriggerSync("user@example.com"); err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := s.TriggerSync("user@example.com"); !errors.Is(err, ErrAlreadyRunning) {
			t.Errorf("TriggerSync while running = %v, want ErrAlreadyRunning", err)
		}
	}
	if !statusFor(t, s, "user@example.com").Running {
		t.Error("status.Running = false during sync")
	}

	close(release)
	waitFor(t, "sync to finish", func() bool { return !statusFor(t, s, "user@example.com").Running })

	if calls.Load() != 1 {
		t.Errorf("syncFunc called %d times, want 1", calls.Load())
	}
	if maxConcurrent.Load() != 1 {
		t.Errorf("max concurrent = %d, want 1", maxConcurrent.Load())
	}
}

func TestTriggerSync_Errors(t *testing.T) {
	s := newTestScheduler(noop)

	if err := s.TriggerSync("nobody@example.com"); !errors.Is(err, ErrNotScheduled) {
		t.Errorf("unscheduled: err = %v, want ErrNotScheduled", err)
	}

	if err := s.AddUser("user@example.com", yearly); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	<-s.Stop().Done()
	if err := s.TriggerSync("user@example.com"); !errors.Is(err, ErrStopped) {
		t.Errorf("after stop: err = %v, want ErrStopped", err)
	}
}

func TestTriggerAll(t *testing.T) {
	var calls atomic.Int32
	s := newTestScheduler(func(ctx context.Context, email string) error {
		calls.Add(1)
		return nil
	})
	for _, e := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		if err := s.AddUser(e, yearly); err != nil {
			t.Fatalf("AddUser: %v", err)
		}
	}

	if n := s.TriggerAll(); n != 3 {
		t.Errorf("TriggerAll() = %d, want 3", n)
	}
	waitFor(t, "three runs", func() bool { return calls.Load() == 3 })
}

func TestStatus(t *testing.T) {
	s := newTestScheduler(func(ctx context.Context, email string) error {
		if email == "bad@example.com" {
			return errors.New("token revoked")
		}
		return nil
	})
	for _, e := range []string{"good@example.com", "bad@example.com"} {
		if err := s.AddUser(e, "0 2 * * *"); err != nil {
			t.Fatalf("AddUser: %v", err)
		}
	}
	s.Start()
	defer s.Stop()

	statuses := s.Status()
	if len(statuses) != 2 || statuses[0].Email != "bad@example.com" {
		t.Fatalf("Status() = %+v, want two entries sorted by email", statuses)
	}
	if statuses[1].NextRun.IsZero() {
		t.Error("NextRun is zero for a started scheduler")
	}

	s.TriggerAll()
	waitFor(t, "runs to record", func() bool {
		return !statusFor(t, s, "good@example.com").LastRun.IsZero() &&
			statusFor(t, s, "bad@example.com").LastError != ""
	})

	if got := statusFor(t, s, "good@example.com"); got.LastError != "" {
		t.Errorf("good LastError = %q, want empty", got.LastError)
	}
	if got := statusFor(t, s, "bad@example.com"); got.LastError != "token revoked" || !got.LastRun.IsZero() {
		t.Errorf("bad status = %+v", got)
	}
}

func TestValidateSpec(t *testing.T) {
	tests := []struct {
		spec    string
		wantErr bool
	}{
		{"0 2 * * *", false},
		{"*/15 * * * *", false},
		{"@every 10m", false},
		{"@daily", false},
		{"invalid", true},
		{"* * * * * *", true},
		{"@every nonsense", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			err := ValidateSpec(tt.spec)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSpec(%q) = %v, wantErr %v", tt.spec, err, tt.wantErr)
			}
		})
	}
}
