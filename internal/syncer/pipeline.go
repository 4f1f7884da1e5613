package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/pysugar/exchange-sync/internal/db"
	"github.com/pysugar/exchange-sync/internal/logging"
	"github.com/pysugar/exchange-sync/internal/upstream"
	"gorm.io/gorm"
)

// Mode selects how much of a resource is fetched.
type Mode string

const (
	// ModeIncremental fetches records updated since the resource's watermark.
	ModeIncremental Mode = "incremental"
	// ModeFull fetches everything up to the full-sync page cap.
	ModeFull Mode = "full"
)

// Fetcher pulls every page of a vendor collection.
type Fetcher interface {
	FetchAllPages(ctx context.Context, resource, endpoint string, filter upstream.Filter) ([]json.RawMessage, error)
}

// AccessTokenSource resolves a valid vendor access token.
type AccessTokenSource interface {
	GetValidAccessToken(ctx context.Context) (string, error)
}

// RunOptions parameterizes one pipeline run.
type RunOptions struct {
	Mode Mode
	// Since overrides the stored watermark in incremental mode.
	Since *time.Time
	// StartedAt becomes the new watermark on success.
	StartedAt time.Time
}

// Result reports one pipeline run. Errors is 0 or 1.
type Result struct {
	Resource string     `json:"resource"`
	Mode     Mode       `json:"mode"`
	Since    *time.Time `json:"since,omitempty"`
	Fetched  int        `json:"fetched"`
	Synced   int        `json:"synced"`
	Created  int        `json:"created"`
	Updated  int        `json:"updated"`
	Skipped  int        `json:"skipped,omitempty"`
	// Truncated marks a fetch stopped by the page cap.
	Truncated bool   `json:"truncated,omitempty"`
	Errors    int    `json:"errors"`
	Error     string `json:"error,omitempty"`
	Duration  string `json:"duration"`
}

// Pipeline composes fetch, map and upsert for one resource and owns its watermark.
type Pipeline struct {
	resource            Resource
	db                  *gorm.DB
	tokens              AccessTokenSource
	fetcher             Fetcher
	lookback            time.Duration
	incrementalMaxPages int
	fullMaxPages        int
	now                 func() time.Time
}

// PipelineConfig carries the fetch bounds shared by every pipeline.
type PipelineConfig struct {
	IncrementalLookback time.Duration
	IncrementalMaxPages int
	FullMaxPages        int
}

func NewPipeline(resource Resource, gdb *gorm.DB, tokens AccessTokenSource, fetcher Fetcher, cfg PipelineConfig) *Pipeline {
	lookback := cfg.IncrementalLookback
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return &Pipeline{
		resource:            resource,
		db:                  gdb,
		tokens:              tokens,
		fetcher:             fetcher,
		lookback:            lookback,
		incrementalMaxPages: cfg.IncrementalMaxPages,
		fullMaxPages:        cfg.FullMaxPages,
		now:                 time.Now,
	}
}

// Run fetches, maps and upserts the resource. The watermark advances to
// opts.StartedAt only when every step succeeds and the fetch reached the end
// of the collection; otherwise the watermark is left alone so the window is
// fetched again. A page cap hit in incremental mode fails the resource after
// the fetched records are written; in full mode it only holds the watermark.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) Result {
	start := p.now()
	if opts.StartedAt.IsZero() {
		opts.StartedAt = start
	}
	if opts.Mode == "" {
		opts.Mode = ModeIncremental
	}
	key := p.resource.Key
	res := Result{Resource: key, Mode: opts.Mode}

	fail := func(stage string, err error) Result {
		res.Errors = 1
		res.Error = stage + ": " + err.Error()
		res.Duration = p.now().Sub(start).Round(time.Millisecond).String()
		log.Printf("❌ [Sync] %s%s failed at %s: %v", logging.Tag(ctx), key, stage, err)
		if recErr := db.RecordSyncFailure(context.WithoutCancel(ctx), p.db, key, p.now(), res.Error); recErr != nil {
			log.Printf("⚠️ [Sync] %s%s: failed to record failure: %v", logging.Tag(ctx), key, recErr)
		}
		return res
	}

	if _, err := p.tokens.GetValidAccessToken(ctx); err != nil {
		return fail("token", err)
	}

	filter := upstream.Filter{MaxPages: p.fullMaxPages}
	if opts.Mode == ModeIncremental {
		since, err := p.since(ctx, opts)
		if err != nil {
			return fail("watermark", err)
		}
		res.Since = &since
		filter = upstream.Filter{UpdatedSince: &since, MaxPages: p.incrementalMaxPages}
	}

	raws, fetchErr := p.fetcher.FetchAllPages(ctx, key, p.resource.Endpoint, filter)
	if fetchErr != nil && !errors.Is(fetchErr, upstream.ErrPageCapReached) {
		return fail("fetch", fetchErr)
	}
	res.Fetched = len(raws)
	res.Truncated = fetchErr != nil

	written, skipped, err := p.resource.write(ctx, p.db, raws, opts.StartedAt)
	res.Skipped = skipped
	if err != nil {
		return fail("write", err)
	}
	res.Created, res.Updated = written.Created, written.Updated
	res.Synced = written.Total()

	if res.Truncated {
		if opts.Mode == ModeIncremental {
			return fail("fetch", fetchErr)
		}
		res.Duration = p.now().Sub(start).Round(time.Millisecond).String()
		log.Printf("⚠️ [Sync] %s%s: full sync stopped at the page cap, synced=%d; watermark unchanged",
			logging.Tag(ctx), key, res.Synced)
		return res
	}

	if err := db.AdvanceSyncTimestamp(ctx, p.db, key, opts.StartedAt); err != nil {
		// rows are already committed; an unadvanced watermark only causes a refetch
		return fail("watermark", err)
	}

	res.Duration = p.now().Sub(start).Round(time.Millisecond).String()
	log.Printf("✅ [Sync] %s%s: fetched=%d synced=%d (created=%d updated=%d skipped=%d) in %s",
		logging.Tag(ctx), key, res.Fetched, res.Synced, res.Created, res.Updated, res.Skipped, res.Duration)
	return res
}

// since picks the lower bound of an incremental fetch: the explicit override,
// the stored watermark, or the fixed lookback window.
func (p *Pipeline) since(ctx context.Context, opts RunOptions) (time.Time, error) {
	if opts.Since != nil {
		return opts.Since.UTC(), nil
	}
	ts, err := db.GetSyncTimestamp(ctx, p.db, p.resource.Key)
	if err != nil {
		return time.Time{}, err
	}
	if ts != nil && ts.LastSyncedAt != nil {
		return ts.LastSyncedAt.UTC(), nil
	}
	return opts.StartedAt.Add(-p.lookback).UTC(), nil
}
