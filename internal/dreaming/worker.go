// Package dreaming runs offline enrichment per tenant: durable jobs over
// the dreaming_jobs table, executed either by direct LLM calls or through a
// provider batch endpoint that is polled to completion.
package dreaming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Healer-AI/p8fs-sub003/internal/llm"
	"github.com/Healer-AI/p8fs-sub003/internal/metrics"
	"github.com/Healer-AI/p8fs-sub003/internal/models"
	"github.com/Healer-AI/p8fs-sub003/internal/repository"
	"github.com/Healer-AI/p8fs-sub003/internal/storage"
)

// Mode selects how a job talks to the LLM.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModeBatch  Mode = "batch"
)

// Job states.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Job is one row of dreaming_jobs.
type Job struct {
	ID         string
	TenantID   string
	Mode       Mode
	Status     string
	BatchID    string
	DataWindow string
	Result     models.JSONMap
	LastError  string
	Attempts   int
	UpdatedAt  time.Time
}

// Enricher is the unit of work a job runs: build the LLM requests for a
// data window, then ingest the results into the substrates. Completion is
// recorded only after Ingest returns, so a crash mid-ingest re-runs ingest
// from the stored LLM result, not the LLM.
type Enricher interface {
	BuildRequests(ctx context.Context, tenantID, dataWindow string) ([]llm.BatchItem, error)
	Ingest(ctx context.Context, tenantID string, results []llm.BatchResult) (models.JSONMap, error)
}

// Notifier receives terminal job transitions. Calls run on their own
// goroutine; a slow consumer never blocks the executor pool.
type Notifier func(job Job)

// Config shapes the worker.
type Config struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	Executors    int           `mapstructure:"executors"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

func (c Config) withDefaults() Config {
	if c.TickInterval == 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.Executors == 0 {
		c.Executors = 4
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Minute
	}
	return c
}

// Worker owns the job lifecycle: one scheduler loop plus a bounded executor
// pool per tick.
type Worker struct {
	repo      *repository.Repository
	completer llm.Completer
	batcher   llm.Batcher
	enricher  Enricher
	cfg       Config
	logger    *zap.Logger
	desc      models.ModelDescriptor
	notifier  Notifier
}

func NewWorker(repo *repository.Repository, completer llm.Completer, batcher llm.Batcher, enricher Enricher, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		repo:      repo,
		completer: completer,
		batcher:   batcher,
		enricher:  enricher,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		desc:      models.JobDescriptor(),
	}
}

// SetNotifier installs the terminal-transition hook. Call before Run.
func (w *Worker) SetNotifier(n Notifier) { w.notifier = n }

func (w *Worker) notify(job Job) {
	if w.notifier == nil {
		return
	}
	go w.notifier(job)
}

// EnsureSchema registers the jobs table.
func (w *Worker) EnsureSchema(ctx context.Context) error {
	_, err := w.repo.RegisterModel(ctx, w.desc, false)
	return err
}

// Submit creates a pending job, or returns the existing one for the same
// (tenant, mode, data window). The unique constraint on the table backs the
// idempotence check against racing submitters.
func (w *Worker) Submit(ctx context.Context, tenantID string, mode Mode, dataWindow string) (*Job, error) {
	if tenantID == "" {
		return nil, storage.ErrTenantMissing
	}
	if mode != ModeDirect && mode != ModeBatch {
		return nil, fmt.Errorf("unknown dreaming mode %q", mode)
	}

	existing, err := w.findJob(ctx, tenantID, mode, dataWindow)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	row := map[string]interface{}{
		"id":          uuid.NewString(),
		"tenant_id":   tenantID,
		"mode":        string(mode),
		"status":      StatusPending,
		"data_window": dataWindow,
	}
	if err := w.repo.Upsert(ctx, tenantID, w.desc.Table, []map[string]interface{}{row}); err != nil {
		return nil, err
	}
	metrics.DreamingJobs.WithLabelValues(string(mode), StatusPending).Inc()
	return w.findJob(ctx, tenantID, mode, dataWindow)
}

// Get loads a job by id.
func (w *Worker) Get(ctx context.Context, tenantID, jobID string) (*Job, error) {
	row, err := w.repo.Get(ctx, tenantID, w.desc.Table, jobID)
	if err != nil {
		return nil, err
	}
	return jobFromRow(row), nil
}

func (w *Worker) findJob(ctx context.Context, tenantID string, mode Mode, dataWindow string) (*Job, error) {
	rows, err := w.repo.Select(ctx, tenantID, w.desc.Table, storage.SelectOptions{
		Filters: map[string]interface{}{"mode": string(mode), "data_window": dataWindow},
		Limit:   1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return jobFromRow(rows[0]), nil
}

// Run drives the scheduler until the context ends. Each tick claims runnable
// jobs across tenants and executes them on a bounded pool; in-progress batch
// jobs are polled on the same tick.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	w.logger.Info("Dreaming worker started",
		zap.Duration("tick", w.cfg.TickInterval),
		zap.Int("executors", w.cfg.Executors),
	)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Dreaming worker stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("Dreaming tick failed", zap.Error(err))
			}
		}
	}
}

// Tick is one scheduler pass. Exposed so tests and the direct invocation
// path can drive the lifecycle without the timer.
func (w *Worker) Tick(ctx context.Context) error {
	jobs, err := w.claimable(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Executors)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			w.execute(gctx, job)
			return nil
		})
	}
	return g.Wait()
}

// claimable returns pending jobs whose retry backoff has elapsed plus
// in-progress batch jobs due for a poll. Reads span tenants through the raw
// path; the jobs table is system bookkeeping.
func (w *Worker) claimable(ctx context.Context) ([]*Job, error) {
	rows, err := w.repo.Store().Execute(ctx,
		"SELECT * FROM dreaming_jobs WHERE status IN ($1, $2) ORDER BY updated_at ASC LIMIT 100",
		StatusPending, StatusInProgress,
	)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var out []*Job
	for _, row := range rows {
		job := jobFromRow(row)
		if job.Status == StatusPending && job.Attempts > 0 {
			backoff := w.cfg.RetryBackoff * time.Duration(job.Attempts)
			if job.UpdatedAt.Add(backoff).After(now) {
				continue
			}
		}
		if job.Status == StatusInProgress && job.BatchID == "" {
			// A direct job stuck in progress means a crashed executor;
			// treat it like a retry once the backoff passes.
			if job.UpdatedAt.Add(w.cfg.RetryBackoff).After(now) {
				continue
			}
		}
		out = append(out, job)
	}
	return out, nil
}

// execute advances one job through its state machine. Errors never escape;
// they are recorded on the job.
func (w *Worker) execute(ctx context.Context, job *Job) {
	switch {
	case job.Status == StatusInProgress && job.BatchID != "":
		w.pollBatch(ctx, job)
	case job.Mode == ModeDirect:
		w.runDirect(ctx, job)
	case job.Mode == ModeBatch:
		w.submitBatch(ctx, job)
	}
}

func (w *Worker) runDirect(ctx context.Context, job *Job) {
	if err := w.transition(ctx, job, map[string]interface{}{
		"status":   StatusInProgress,
		"attempts": job.Attempts + 1,
	}); err != nil {
		w.logger.Error("Job transition failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	job.Attempts++

	items, err := w.enricher.BuildRequests(ctx, job.TenantID, job.DataWindow)
	if err != nil {
		w.retryOrFail(ctx, job, err)
		return
	}

	results := make([]llm.BatchResult, 0, len(items))
	for _, item := range items {
		out, err := w.completer.Complete(ctx, item.Request)
		if err != nil {
			w.retryOrFail(ctx, job, err)
			return
		}
		results = append(results, llm.BatchResult{ID: item.ID, Output: out})

		select {
		case <-ctx.Done():
			w.retryOrFail(ctx, job, ctx.Err())
			return
		default:
		}
	}
	w.complete(ctx, job, results)
}

func (w *Worker) submitBatch(ctx context.Context, job *Job) {
	if err := w.transition(ctx, job, map[string]interface{}{
		"status":   StatusInProgress,
		"attempts": job.Attempts + 1,
	}); err != nil {
		w.logger.Error("Job transition failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	job.Attempts++

	items, err := w.enricher.BuildRequests(ctx, job.TenantID, job.DataWindow)
	if err != nil {
		w.retryOrFail(ctx, job, err)
		return
	}
	if len(items) == 0 {
		w.complete(ctx, job, nil)
		return
	}

	batchID, err := w.batcher.SubmitBatch(ctx, items)
	if err != nil {
		w.retryOrFail(ctx, job, err)
		return
	}
	if err := w.transition(ctx, job, map[string]interface{}{"batch_id": batchID}); err != nil {
		w.logger.Error("Persisting batch id failed",
			zap.String("job_id", job.ID),
			zap.String("batch_id", batchID),
			zap.Error(err),
		)
	}
	w.logger.Info("Batch submitted",
		zap.String("job_id", job.ID),
		zap.String("batch_id", batchID),
		zap.Int("items", len(items)),
	)
}

func (w *Worker) pollBatch(ctx context.Context, job *Job) {
	status, err := w.batcher.PollBatch(ctx, job.BatchID)
	if err != nil {
		w.retryOrFail(ctx, job, err)
		return
	}
	if !status.Done {
		return
	}
	w.complete(ctx, job, status.Results)
}

// complete runs ingest and only then records completion.
func (w *Worker) complete(ctx context.Context, job *Job, results []llm.BatchResult) {
	summary, err := w.enricher.Ingest(ctx, job.TenantID, results)
	if err != nil {
		w.retryOrFail(ctx, job, err)
		return
	}
	if summary == nil {
		summary = models.JSONMap{}
	}
	if err := w.transition(ctx, job, map[string]interface{}{
		"status":     StatusCompleted,
		"result":     summary,
		"last_error": "",
	}); err != nil {
		w.logger.Error("Recording completion failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	metrics.DreamingJobs.WithLabelValues(string(job.Mode), StatusCompleted).Inc()
	w.notify(*job)
	w.logger.Info("Dreaming job completed",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.String("mode", string(job.Mode)),
	)
}

// retryOrFail returns the job to pending until attempts run out, then
// parks it as failed with the last error preserved.
func (w *Worker) retryOrFail(ctx context.Context, job *Job, cause error) {
	update := map[string]interface{}{"last_error": cause.Error()}
	if job.Attempts >= w.cfg.MaxAttempts {
		update["status"] = StatusFailed
		metrics.DreamingJobs.WithLabelValues(string(job.Mode), StatusFailed).Inc()
		w.logger.Error("Dreaming job failed permanently",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts),
			zap.Error(cause),
		)
	} else {
		update["status"] = StatusPending
		update["batch_id"] = ""
		w.logger.Warn("Dreaming job will retry",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts),
			zap.Error(cause),
		)
	}
	if err := w.transition(ctx, job, update); err != nil {
		w.logger.Error("Job transition failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	if job.Status == StatusFailed {
		w.notify(*job)
	}
}

func (w *Worker) transition(ctx context.Context, job *Job, update map[string]interface{}) error {
	row := map[string]interface{}{
		"id":          job.ID,
		"tenant_id":   job.TenantID,
		"mode":        string(job.Mode),
		"data_window": job.DataWindow,
		"batch_id":    job.BatchID,
		"attempts":    job.Attempts,
	}
	for k, v := range update {
		row[k] = v
	}
	if s, ok := update["status"].(string); ok {
		job.Status = s
	}
	if b, ok := update["batch_id"].(string); ok {
		job.BatchID = b
	}
	return w.repo.Upsert(ctx, job.TenantID, w.desc.Table, []map[string]interface{}{row})
}

func jobFromRow(row map[string]interface{}) *Job {
	job := &Job{}
	job.ID, _ = row["id"].(string)
	job.TenantID, _ = row["tenant_id"].(string)
	if m, ok := row["mode"].(string); ok {
		job.Mode = Mode(m)
	}
	job.Status, _ = row["status"].(string)
	job.BatchID, _ = row["batch_id"].(string)
	job.DataWindow, _ = row["data_window"].(string)
	job.LastError, _ = row["last_error"].(string)
	switch n := row["attempts"].(type) {
	case int64:
		job.Attempts = int(n)
	case int:
		job.Attempts = n
	case float64:
		job.Attempts = int(n)
	}
	job.UpdatedAt = rowTime(row["updated_at"])
	if raw, ok := row["result"].(string); ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &job.Result)
	}
	return job
}

func rowTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
	}
	return time.Time{}
}
