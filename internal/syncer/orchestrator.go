// Package syncer runs per-resource sync pipelines and orchestrates them into
// logged, single-flight runs.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pysugar/exchange-sync/internal/auth/token"
	"github.com/pysugar/exchange-sync/internal/config"
	"github.com/pysugar/exchange-sync/internal/db"
	"github.com/pysugar/exchange-sync/internal/db/models"
	"github.com/pysugar/exchange-sync/internal/logging"
	"github.com/pysugar/exchange-sync/internal/monitor"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// ErrSyncInProgress rejects a trigger while another run is active.
	ErrSyncInProgress = monitor.ErrRunInProgress
	// ErrUnknownResource rejects a trigger naming a resource outside the catalog.
	ErrUnknownResource = errors.New("unknown resource")
)

var validate = validator.New()

// Request asks for one orchestrated run.
type Request struct {
	Resources   []string `json:"resources" validate:"omitempty,dive,required"`
	Mode        Mode     `json:"mode" validate:"omitempty,oneof=incremental full"`
	TriggeredBy string   `json:"triggered_by" validate:"max=64"`
}

// TokenSource is what the orchestrator needs from the token manager.
type TokenSource interface {
	AccessTokenSource
	GetTokenStatus(ctx context.Context) (token.Status, error)
}

// RunDetails is stored as the sync log detail payload.
type RunDetails struct {
	Mode      Mode              `json:"mode"`
	Resources map[string]Result `json:"resources"`
}

// ResourceStatus is the per-resource diagnostic row.
type ResourceStatus struct {
	Resource      string     `json:"resource"`
	Endpoint      string     `json:"endpoint"`
	Rows          int64      `json:"rows"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// Status is the read-only sync diagnostic.
type Status struct {
	Running   *models.SyncLog     `json:"running"`
	LastRun   *models.SyncLog     `json:"last_run"`
	Resources []ResourceStatus    `json:"resources"`
	Stats     models.SyncRunStats `json:"stats"`
	Token     token.Status        `json:"token"`
}

// Orchestrator runs the requested resource pipelines as one logged run.
type Orchestrator struct {
	db       *gorm.DB
	tokens   TokenSource
	fetcher  Fetcher
	monitor  *monitor.SyncMonitor
	catalog  map[string]Resource
	defaults []string
	pipeCfg  PipelineConfig
	parallel int

	// background runs started by TriggerSync outlive the request that
	// started them and stop only with baseCtx
	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewOrchestrator wires the pipelines for every catalog resource.
func NewOrchestrator(baseCtx context.Context, gdb *gorm.DB, tokens TokenSource, fetcher Fetcher, mon *monitor.SyncMonitor, syncCfg config.SyncConfig, endpoints map[string]string) *Orchestrator {
	defaults := syncCfg.Resources
	if len(defaults) == 0 {
		defaults = DefaultResources
	}
	parallel := syncCfg.Concurrency
	if parallel < 1 {
		parallel = 1
	}
	return &Orchestrator{
		db:       gdb,
		tokens:   tokens,
		fetcher:  fetcher,
		monitor:  mon,
		catalog:  Catalog(endpoints),
		defaults: defaults,
		pipeCfg: PipelineConfig{
			IncrementalLookback: syncCfg.IncrementalLookback,
			IncrementalMaxPages: syncCfg.IncrementalMaxPages,
			FullMaxPages:        syncCfg.FullMaxPages,
		},
		parallel: parallel,
		baseCtx:  baseCtx,
	}
}

// TriggerSync starts a run in the background and returns its running log
// entry. The outcome is observable only through the sync log.
func (o *Orchestrator) TriggerSync(ctx context.Context, req Request) (*models.SyncLog, error) {
	resources, mode, entry, err := o.begin(ctx, req)
	if err != nil {
		return nil, err
	}

	accepted := *entry
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(o.baseCtx, entry, resources, mode)
	}()
	return &accepted, nil
}

// Run performs a run synchronously and returns its finished log entry.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*models.SyncLog, error) {
	resources, mode, entry, err := o.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	o.wg.Add(1)
	defer o.wg.Done()
	o.execute(ctx, entry, resources, mode)
	return entry, nil
}

// Wait blocks until background runs finish or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resources returns the supported resource keys.
func (o *Orchestrator) Resources() []string {
	return append([]string(nil), DefaultResources...)
}

// begin validates the request and claims the single-flight marker.
func (o *Orchestrator) begin(ctx context.Context, req Request) ([]Resource, Mode, *models.SyncLog, error) {
	if err := validate.Struct(req); err != nil {
		return nil, "", nil, fmt.Errorf("invalid sync request: %w", err)
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeIncremental
	}
	keys := req.Resources
	if len(keys) == 0 {
		keys = o.defaults
	}
	resources, err := resolveResources(o.catalog, keys)
	if err != nil {
		return nil, "", nil, err
	}
	triggeredBy := strings.TrimSpace(req.TriggeredBy)
	if triggeredBy == "" {
		triggeredBy = "manual"
	}

	names := make([]string, len(resources))
	for i, r := range resources {
		names[i] = r.Key
	}
	entry, err := o.monitor.BeginRun(ctx, monitor.RunSpec{
		SyncType:    string(mode),
		Resources:   names,
		TriggeredBy: triggeredBy,
	})
	if err != nil {
		return nil, "", nil, err
	}
	log.Printf("🚀 [Sync] [run %s] %s sync of %s triggered by %s", shortID(entry.ID), mode, strings.Join(names, ","), triggeredBy)
	return resources, mode, entry, nil
}

// execute runs the pipelines and finalizes the log entry. A pipeline failure
// never stops its siblings; only a token failure before any pipeline starts
// fails the whole run.
func (o *Orchestrator) execute(ctx context.Context, entry *models.SyncLog, resources []Resource, mode Mode) {
	ctx = logging.WithRunID(ctx, shortID(entry.ID))
	startedAt := entry.StartedAt
	stopHeartbeat := o.monitor.KeepAlive(ctx, entry.ID)
	defer stopHeartbeat()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("💥 [Sync] %spanic: %v", logging.Tag(ctx), r)
			o.finish(ctx, entry, monitor.RunResult{
				Status:       models.SyncStatusError,
				ErrorMessage: fmt.Sprintf("internal error: %v", r),
			})
		}
	}()

	if _, err := o.tokens.GetValidAccessToken(ctx); err != nil {
		log.Printf("❌ [Sync] %saborting run, no usable token: %v", logging.Tag(ctx), err)
		o.finish(ctx, entry, monitor.RunResult{
			Status:       models.SyncStatusError,
			ErrorMessage: "authorization: " + err.Error(),
		})
		return
	}

	results := make([]Result, len(resources))
	opts := RunOptions{Mode: mode, StartedAt: startedAt}
	if o.parallel > 1 && len(resources) > 1 {
		var g errgroup.Group
		g.SetLimit(o.parallel)
		for i, r := range resources {
			g.Go(func() error {
				results[i] = o.pipeline(r).Run(ctx, opts)
				return nil
			})
		}
		g.Wait()
	} else {
		for i, r := range resources {
			results[i] = o.pipeline(r).Run(ctx, opts)
		}
	}

	o.finish(ctx, entry, summarize(mode, results))
}

func (o *Orchestrator) pipeline(r Resource) *Pipeline {
	return NewPipeline(r, o.db, o.tokens, o.fetcher, o.pipeCfg)
}

func (o *Orchestrator) finish(ctx context.Context, entry *models.SyncLog, result monitor.RunResult) {
	// the run must release the marker even when ctx was cancelled
	if err := o.monitor.FinishRun(context.WithoutCancel(ctx), entry, result); err != nil {
		log.Printf("⚠️ [Sync] %sfailed to finalize run log: %v", logging.Tag(ctx), err)
		return
	}
	log.Printf("🏁 [Sync] %srun finished: status=%s processed=%d created=%d updated=%d",
		logging.Tag(ctx), result.Status, result.RecordsProcessed, result.RecordsCreated, result.RecordsUpdated)
}

// summarize folds pipeline results into the run outcome: success when no
// pipeline failed, partial when some did, error when all did.
func summarize(mode Mode, results []Result) monitor.RunResult {
	out := monitor.RunResult{}
	details := RunDetails{Mode: mode, Resources: make(map[string]Result, len(results))}
	var failures []string
	for _, r := range results {
		details.Resources[r.Resource] = r
		out.RecordsProcessed += r.Synced
		out.RecordsCreated += r.Created
		out.RecordsUpdated += r.Updated
		if r.Errors > 0 {
			failures = append(failures, r.Resource+": "+r.Error)
		}
	}

	switch {
	case len(failures) == 0:
		out.Status = models.SyncStatusSuccess
	case len(failures) < len(results):
		out.Status = models.SyncStatusPartial
	default:
		out.Status = models.SyncStatusError
	}
	out.ErrorMessage = strings.Join(failures, "; ")
	out.Details, _ = json.Marshal(details)
	return out
}

// Status reports the running and last run, per-resource watermarks and row
// counts, run statistics and token state.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	var st Status
	var err error
	if st.Running, err = o.monitor.Current(ctx); err != nil {
		return st, err
	}
	if st.LastRun, err = o.monitor.LastFinished(ctx); err != nil {
		return st, err
	}
	st.Stats = o.monitor.GetStats()
	if st.Token, err = o.tokens.GetTokenStatus(ctx); err != nil {
		return st, err
	}

	timestamps, err := db.ListSyncTimestamps(ctx, o.db)
	if err != nil {
		return st, err
	}
	marks := make(map[string]models.SyncTimestamp, len(timestamps))
	for _, ts := range timestamps {
		marks[ts.Resource] = ts
	}

	for _, key := range DefaultResources {
		r := o.catalog[key]
		rs := ResourceStatus{Resource: key, Endpoint: r.Endpoint}
		if rs.Rows, err = db.CountRows(ctx, o.db, r.Model); err != nil {
			return st, err
		}
		if ts, ok := marks[key]; ok {
			rs.LastSyncedAt = ts.LastSyncedAt
			rs.LastAttemptAt = ts.LastAttemptAt
			rs.LastError = ts.LastError
		}
		st.Resources = append(st.Resources, rs)
	}
	return st, nil
}

// History returns recent run log entries, newest first.
func (o *Orchestrator) History(ctx context.Context, limit int) ([]models.SyncLog, error) {
	return o.monitor.History(ctx, limit)
}

// RecoverStale finalizes runs abandoned by a crashed process.
func (o *Orchestrator) RecoverStale(ctx context.Context) (int64, error) {
	return o.monitor.RecoverStale(ctx)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
