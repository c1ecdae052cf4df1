// Package worker runs queued render jobs on a fixed-size pool of goroutines.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"scene-render-service/internal/artifacts"
	"scene-render-service/internal/models"
	"scene-render-service/internal/pkg/errors"
	"scene-render-service/internal/pkg/logger"
	"scene-render-service/internal/queue"
	"scene-render-service/internal/store"
	"scene-render-service/internal/telemetry"
)

// Task is what a handler sees of the job it executes.
type Task struct {
	Job models.Job
	// Dir is private to this job and removed afterwards unless work dirs are kept.
	Dir string
	// Progress replaces the job's status message while it runs.
	Progress func(message string)
}

// Output is the result of a successful handler run.
type Output struct {
	Artifacts []models.Artifact
	Message   string
	Outcomes  []models.Outcome
}

// Handler executes a job of one kind.
type Handler func(ctx context.Context, t Task) (Output, error)

// Validator rejects a payload before any job is created for it.
type Validator func(payload any) error

// Options tunes the pool.
type Options struct {
	Concurrency  int
	JobTimeout   time.Duration
	WorkDir      string
	KeepWorkDirs bool
}

// Processor drives the worker execution loop.
type Processor struct {
	store      *store.JobStore
	queue      queue.Queue
	registry   *artifacts.Registry
	publisher  artifacts.Publisher
	handlers   map[models.JobKind]Handler
	validators map[models.JobKind]Validator
	opts       Options
	log        *logger.Logger
}

func NewProcessor(st *store.JobStore, q queue.Queue, reg *artifacts.Registry, pub artifacts.Publisher, log *logger.Logger, opts Options) *Processor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Join(os.TempDir(), "scene-render")
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Processor{
		store:      st,
		queue:      q,
		registry:   reg,
		publisher:  pub,
		handlers:   make(map[models.JobKind]Handler),
		validators: make(map[models.JobKind]Validator),
		opts:       opts,
		log:        log.WithComponent("worker"),
	}
}

// RegisterHandler binds a handler and an optional payload validator to a kind.
func (p *Processor) RegisterHandler(kind models.JobKind, handler Handler, validate Validator) {
	if !kind.Valid() || handler == nil {
		return
	}
	p.handlers[kind] = handler
	if validate != nil {
		p.validators[kind] = validate
	}
}

// Run starts the workers and blocks until ctx is cancelled. A job that is
// running when ctx ends is cancelled through its own context and still
// reaches a terminal state.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("worker pool started", "concurrency", p.opts.Concurrency, "job_timeout", p.opts.JobTimeout.String())
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		worker := i
		g.Go(func() error {
			p.loop(gctx, worker)
			return nil
		})
	}
	err := g.Wait()
	p.log.Info("worker pool stopped")
	return err
}

func (p *Processor) loop(ctx context.Context, worker int) {
	log := p.log.With("worker", worker)
	for {
		id, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.observeDepth(ctx)

		job, err := p.store.Claim(ctx, id)
		if err != nil {
			// Another worker already owns it, or the id is unknown.
			log.Debug("skip job", "job_id", id, "error", err)
			continue
		}
		p.execute(ctx, job)
	}
}

// Submit creates a queued job and hands it to the pool.
func (p *Processor) Submit(ctx context.Context, kind models.JobKind, title string, payload any) (models.Job, error) {
	if err := p.validate(kind, payload); err != nil {
		telemetry.JobsRejected.WithLabelValues(string(kind)).Inc()
		return models.Job{}, err
	}
	return p.dispatch(ctx, kind, title, payload)
}

// BulkItem is one input of a bulk submission.
type BulkItem struct {
	Kind    models.JobKind
	Title   string
	Payload any
}

// Rejection explains why a bulk item was not dispatched.
type Rejection struct {
	Index  int    `json:"index"`
	Title  string `json:"title,omitempty"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// BulkResult lists accepted jobs and rejected items in input order.
type BulkResult struct {
	Accepted []models.Job `json:"accepted"`
	Rejected []Rejection  `json:"rejected"`
}

// SubmitBulk validates every item before dispatching any of them.
func (p *Processor) SubmitBulk(ctx context.Context, items []BulkItem) (BulkResult, error) {
	res := BulkResult{Accepted: []models.Job{}, Rejected: []Rejection{}}
	valid := make([]bool, len(items))
	for i, it := range items {
		if err := p.validate(it.Kind, it.Payload); err != nil {
			telemetry.JobsRejected.WithLabelValues(string(it.Kind)).Inc()
			res.Rejected = append(res.Rejected, Rejection{Index: i, Title: it.Title, Code: string(errors.GetCode(err)), Reason: reason(err)})
			continue
		}
		valid[i] = true
	}
	for i, it := range items {
		if !valid[i] {
			continue
		}
		job, err := p.dispatch(ctx, it.Kind, it.Title, it.Payload)
		if err != nil {
			return res, err
		}
		res.Accepted = append(res.Accepted, job)
	}
	return res, nil
}

// RunSync executes a job on the calling goroutine and returns it in its
// terminal state. The job is still tracked so it can be polled and downloaded.
func (p *Processor) RunSync(ctx context.Context, kind models.JobKind, title string, payload any) (models.Job, error) {
	if err := p.validate(kind, payload); err != nil {
		telemetry.JobsRejected.WithLabelValues(string(kind)).Inc()
		return models.Job{}, err
	}
	job, err := p.store.Create(ctx, kind, title, payload)
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobsSubmitted.WithLabelValues(string(kind)).Inc()
	if job, err = p.store.Claim(ctx, job.ID); err != nil {
		return models.Job{}, err
	}
	return p.execute(ctx, job), nil
}

func (p *Processor) validate(kind models.JobKind, payload any) error {
	if _, ok := p.handlers[kind]; !ok {
		return errors.Validationf("no handler registered for kind %q", kind)
	}
	if v := p.validators[kind]; v != nil {
		if err := v(payload); err != nil {
			if errors.GetCode(err) == errors.CodeInternal {
				return errors.WrapWithCode(err, errors.CodeValidation, "worker.validate", string(kind))
			}
			return err
		}
	}
	return nil
}

func (p *Processor) dispatch(ctx context.Context, kind models.JobKind, title string, payload any) (models.Job, error) {
	job, err := p.store.Create(ctx, kind, title, payload)
	if err != nil {
		return models.Job{}, err
	}
	if err := p.queue.Enqueue(ctx, job.ID); err != nil {
		_, _ = p.store.Fail(ctx, job.ID, errors.CodeInternal, "enqueue failed: "+err.Error(), nil)
		return models.Job{}, errors.Wrap(err, "worker.dispatch", "enqueue")
	}
	telemetry.JobsSubmitted.WithLabelValues(string(kind)).Inc()
	p.observeDepth(ctx)
	return job, nil
}

// execute runs a claimed job to a terminal state.
func (p *Processor) execute(ctx context.Context, job models.Job) models.Job {
	log := p.log.WithJobID(job.ID).With("kind", job.Kind)
	ctx = logger.ContextWithJobID(ctx, job.ID)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	start := time.Now()
	out, err := p.runHandler(ctx, job)
	if err == nil {
		var done models.Job
		done, err = p.finish(ctx, job, out)
		if err == nil {
			telemetry.JobsCompleted.WithLabelValues(string(job.Kind)).Inc()
			log.Info("job completed", "elapsed", time.Since(start).String(), "artifacts", len(out.Artifacts))
			return done
		}
	}

	code := errors.GetCode(err)
	// Fail must run even when the pool is shutting down.
	failed, ferr := p.store.Fail(context.WithoutCancel(ctx), job.ID, code, reason(err), out.Outcomes)
	if ferr != nil {
		log.Error("record failure", "error", ferr)
		failed, _ = p.store.Get(job.ID)
	}
	telemetry.JobsFailed.WithLabelValues(string(job.Kind), string(code)).Inc()
	log.Warn("job failed", "code", code, "error", err, "elapsed", time.Since(start).String())
	return failed
}

func (p *Processor) runHandler(ctx context.Context, job models.Job) (out Output, err error) {
	handler, ok := p.handlers[job.Kind]
	if !ok {
		return Output{}, errors.Validationf("no handler registered for kind %q", job.Kind)
	}
	if p.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.JobTimeout)
		defer cancel()
	}

	dir := filepath.Join(p.opts.WorkDir, job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Output{}, errors.Wrap(err, "worker.workdir", "create job directory")
	}
	if !p.opts.KeepWorkDirs {
		defer os.RemoveAll(dir)
	}

	defer func() {
		if r := recover(); r != nil {
			p.log.WithJobID(job.ID).Error("handler panic", "panic", r, "stack", string(debug.Stack()))
			out, err = Output{}, errors.Newf(errors.CodeInternal, "handler panic: %v", r)
		}
	}()

	task := Task{
		Job: job,
		Dir: dir,
		Progress: func(msg string) {
			_ = p.store.SetProgress(job.ID, msg)
		},
	}
	out, err = handler(ctx, task)
	if err != nil && ctx.Err() == context.DeadlineExceeded && !errors.IsCode(err, errors.CodeTimeout) {
		err = errors.WrapWithCode(err, errors.CodeTimeout, "worker.run", fmt.Sprintf("job exceeded %s", p.opts.JobTimeout))
	}
	return out, err
}

// finish publishes and registers the artifacts, then completes the job.
func (p *Processor) finish(ctx context.Context, job models.Job, out Output) (models.Job, error) {
	items := out.Artifacts
	if p.publisher != nil {
		for i := range items {
			loc, err := p.publisher.Publish(ctx, withIdentity(job.ID, &items[i]))
			if err != nil {
				// The local file is still downloadable.
				p.log.WithJobID(job.ID).Warn("publish artifact", "path", items[i].Path, "error", err)
				continue
			}
			items[i].PublishedURL = loc
		}
	}

	var ids []string
	download := ""
	if len(items) > 0 {
		registered, err := p.registry.RegisterAll(job.ID, items)
		if err != nil {
			return models.Job{}, err
		}
		for _, a := range registered {
			ids = append(ids, a.ID)
		}
		if len(ids) == 1 {
			download = ids[0]
		}
	}
	msg := out.Message
	if msg == "" {
		msg = "completed"
	}
	return p.store.Complete(context.WithoutCancel(ctx), job.ID, msg, ids, download, out.Outcomes)
}

// withIdentity assigns the artifact id before publishing so object keys match
// registry ids.
func withIdentity(jobID string, a *models.Artifact) models.Artifact {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.JobID = jobID
	return *a
}

func (p *Processor) observeDepth(ctx context.Context) {
	if n, err := p.queue.Len(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(n))
	}
}

// reason is the message stored on a failed job.
func reason(err error) string {
	var e *errors.Error
	if errors.As(err, &e) && e.Message != "" {
		if e.Err != nil {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Message
	}
	return err.Error()
}
