// Package scheduler drives the orchestrator and the token refresh on named
// cron jobs whose cadences can be changed at runtime.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pysugar/exchange-sync/internal/config"
	"github.com/pysugar/exchange-sync/internal/db"
	"github.com/pysugar/exchange-sync/internal/db/models"
	"github.com/pysugar/exchange-sync/internal/syncer"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// Job names.
const (
	JobIncremental  = "incremental"
	JobDailyFull    = "daily-full"
	JobTokenRefresh = "token-refresh"
)

// settingPrefix namespaces persisted cadences in the configs table.
const settingPrefix = "schedule."

var (
	ErrUnknownJob     = errors.New("unknown job")
	ErrInvalidCadence = errors.New("invalid cadence")
)

// SyncRunner runs one orchestrated sync and blocks until it finishes.
type SyncRunner interface {
	Run(ctx context.Context, req syncer.Request) (*models.SyncLog, error)
}

// TokenRefresher refreshes the stored token when it is close to expiry.
type TokenRefresher interface {
	RefreshIfExpiring(ctx context.Context, window time.Duration) (bool, error)
}

// JobStatus describes one named job.
type JobStatus struct {
	Name    string     `json:"name"`
	Cadence string     `json:"cadence"`
	Active  bool       `json:"active"`
	Next    *time.Time `json:"next,omitempty"`
	Prev    *time.Time `json:"prev,omitempty"`
}

type job struct {
	name    string
	cadence string
	run     func()
	entryID cron.EntryID
	active  bool
}

// Scheduler owns the cron runner and its named jobs.
type Scheduler struct {
	mu      sync.Mutex
	db      *gorm.DB
	cron    *cron.Cron
	parser  cron.Parser
	jobs    map[string]*job
	enabled bool
	started bool
}

// cadenceParser accepts five-field specs and descriptors such as "@every 15m".
var cadenceParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New builds the scheduler. Cadences persisted by an earlier Reschedule
// override the configured ones. Jobs run on ctx and stop being scheduled
// once Shutdown is called.
func New(ctx context.Context, gdb *gorm.DB, cfg config.ScheduleConfig, runner SyncRunner, tokens TokenRefresher) (*Scheduler, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("schedule timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}

	cronLog := cron.PrintfLogger(log.New(log.Writer(), "⏰ [Scheduler] ", log.Flags()))
	s := &Scheduler{
		db:     gdb,
		parser: cadenceParser,
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithParser(cadenceParser),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		enabled: cfg.Enabled,
	}

	window := cfg.TokenRefreshWindow
	s.jobs = map[string]*job{
		JobIncremental: {
			name:    JobIncremental,
			cadence: cfg.Incremental,
			run:     func() { runSync(ctx, runner, JobIncremental, syncer.ModeIncremental) },
		},
		JobDailyFull: {
			name:    JobDailyFull,
			cadence: cfg.DailyFull,
			run:     func() { runSync(ctx, runner, JobDailyFull, syncer.ModeFull) },
		},
		JobTokenRefresh: {
			name:    JobTokenRefresh,
			cadence: cfg.TokenRefresh,
			run:     func() { refreshToken(ctx, tokens, window) },
		},
	}

	persisted, err := db.SettingsWithPrefix(gdb, settingPrefix)
	if err != nil {
		return nil, fmt.Errorf("load persisted cadences: %w", err)
	}
	for key, cadence := range persisted {
		j, ok := s.jobs[strings.TrimPrefix(key, settingPrefix)]
		if !ok {
			continue
		}
		if _, err := s.parser.Parse(cadence); err != nil {
			log.Printf("⚠️ [Scheduler] Ignoring persisted cadence %q for %s: %v", cadence, j.name, err)
			continue
		}
		j.cadence = cadence
	}

	for _, j := range s.jobs {
		if _, err := s.parser.Parse(j.cadence); err != nil {
			return nil, fmt.Errorf("%w for %s: %q: %v", ErrInvalidCadence, j.name, j.cadence, err)
		}
	}
	return s, nil
}

func runSync(ctx context.Context, runner SyncRunner, name string, mode syncer.Mode) {
	entry, err := runner.Run(ctx, syncer.Request{Mode: mode, TriggeredBy: "scheduler:" + name})
	switch {
	case errors.Is(err, syncer.ErrSyncInProgress):
		log.Printf("⏭️ [Scheduler] %s: another run is in progress, skipping", name)
	case err != nil:
		log.Printf("❌ [Scheduler] %s: %v", name, err)
	default:
		log.Printf("⏰ [Scheduler] %s: run %s finished with status %s", name, entry.ID, entry.Status)
	}
}

func refreshToken(ctx context.Context, tokens TokenRefresher, window time.Duration) {
	refreshed, err := tokens.RefreshIfExpiring(ctx, window)
	if err != nil {
		log.Printf("❌ [Scheduler] token-refresh: %v", err)
		return
	}
	if refreshed {
		log.Printf("🔄 [Scheduler] token-refresh: token refreshed ahead of expiry")
	}
}

// Start starts the cron runner and, when scheduling is enabled, every job.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	if !s.enabled {
		log.Printf("⏸️ [Scheduler] Scheduling disabled; jobs can be started manually")
		return
	}
	for _, name := range s.names() {
		s.activateLocked(s.jobs[name])
	}
}

// Shutdown stops scheduling and returns a context that is done when running
// jobs have completed.
func (s *Scheduler) Shutdown() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		s.deactivateLocked(j)
	}
	s.started = false
	return s.cron.Stop()
}

// StartJob schedules a stopped job.
func (s *Scheduler) StartJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.jobLocked(name)
	if err != nil {
		return err
	}
	s.activateLocked(j)
	return nil
}

// StopJob unschedules a job. A run already in flight finishes on its own.
func (s *Scheduler) StopJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.jobLocked(name)
	if err != nil {
		return err
	}
	s.deactivateLocked(j)
	return nil
}

// RestartJob stops and starts one job.
func (s *Scheduler) RestartJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.jobLocked(name)
	if err != nil {
		return err
	}
	s.deactivateLocked(j)
	s.activateLocked(j)
	return nil
}

// StopAll unschedules every job without interrupting an in-flight run.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		s.deactivateLocked(j)
	}
	log.Printf("⏹️ [Scheduler] All jobs stopped")
}

// Restart stops every job and starts them all again.
func (s *Scheduler) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range s.names() {
		j := s.jobs[name]
		s.deactivateLocked(j)
		s.activateLocked(j)
	}
	log.Printf("🔁 [Scheduler] All jobs restarted")
}

// Reschedule validates and persists a new cadence for a job. An active job is
// swapped under the lock, so the old and new schedules never overlap.
func (s *Scheduler) Reschedule(name, cadence string) error {
	cadence = strings.TrimSpace(cadence)
	if _, err := s.parser.Parse(cadence); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidCadence, cadence, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.jobLocked(name)
	if err != nil {
		return err
	}
	if err := db.SetSetting(s.db, settingPrefix+name, cadence); err != nil {
		return fmt.Errorf("persist cadence for %s: %w", name, err)
	}

	wasActive := j.active
	s.deactivateLocked(j)
	j.cadence = cadence
	if wasActive {
		s.activateLocked(j)
	}
	log.Printf("🗓️ [Scheduler] %s rescheduled to %q", name, cadence)
	return nil
}

// Jobs reports every job in name order.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, name := range s.names() {
		j := s.jobs[name]
		st := JobStatus{Name: j.name, Cadence: j.cadence, Active: j.active}
		if j.active {
			e := s.cron.Entry(j.entryID)
			if !e.Next.IsZero() {
				next := e.Next
				st.Next = &next
			}
			if !e.Prev.IsZero() {
				prev := e.Prev
				st.Prev = &prev
			}
		}
		out = append(out, st)
	}
	return out
}

func (s *Scheduler) jobLocked(name string) (*job, error) {
	j, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return j, nil
}

func (s *Scheduler) activateLocked(j *job) {
	if j.active {
		return
	}
	id, err := s.cron.AddFunc(j.cadence, j.run)
	if err != nil {
		// cadences are validated before they are stored
		log.Printf("❌ [Scheduler] Failed to schedule %s (%q): %v", j.name, j.cadence, err)
		return
	}
	j.entryID = id
	j.active = true
	log.Printf("▶️ [Scheduler] %s scheduled (%s)", j.name, j.cadence)
}

func (s *Scheduler) deactivateLocked(j *job) {
	if !j.active {
		return
	}
	s.cron.Remove(j.entryID)
	j.active = false
	j.entryID = 0
}

func (s *Scheduler) names() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
