// Package pipeline is the queueing and orchestration core: the durable job
// record, the single-flight processing lock, the consumer loop that survives
// restarts, and the stage machine that drives one verification through proof
// generation, artifact upload, and state publication.
package pipeline

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nonce-ns/connectsphere-soundness-poc/internal/artifact"
	"github.com/nonce-ns/connectsphere-soundness-poc/internal/observability"
	"github.com/nonce-ns/connectsphere-soundness-poc/internal/prover"
	"github.com/nonce-ns/connectsphere-soundness-poc/internal/recorder"
	"github.com/nonce-ns/connectsphere-soundness-poc/internal/state"
	"github.com/nonce-ns/connectsphere-soundness-poc/pkg/pipeapi"
)

// KeyResolver resolves the signing key referenced by a token header.
type KeyResolver interface {
	Resolve(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

type Config struct {
	FrontendBaseURL    string
	DefaultEmailDomain string
	PopTimeout         time.Duration
	ErrorBackoff       time.Duration
}

func (c *Config) applyDefaults() {
	if c.FrontendBaseURL == "" {
		c.FrontendBaseURL = "http://localhost:3000"
	}
	c.FrontendBaseURL = strings.TrimRight(c.FrontendBaseURL, "/")
	if c.DefaultEmailDomain == "" {
		c.DefaultEmailDomain = "gmail.com"
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = popTimeout
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = errorBackoff
	}
}

type Deps struct {
	Recorder  recorder.Recorder
	Resolver  KeyResolver
	Invoker   prover.Invoker
	Artifacts artifact.Store
	Metrics   *observability.Registry
}

// Engine owns all mutable pipeline state: the consumer-loop handle and the
// advisory active-job snapshot. One Engine is constructed per process and
// shared by the HTTP handlers.
type Engine struct {
	store     state.Store
	rec       recorder.Recorder
	keys      KeyResolver
	invoker   prover.Invoker
	artifacts artifact.Store
	metrics   *observability.Registry
	cfg       Config
	owner     string

	mu          sync.Mutex
	loopRunning bool
	active      *pipeapi.ActiveJob
}

func NewEngine(store state.Store, deps Deps, cfg Config) *Engine {
	cfg.applyDefaults()
	if deps.Recorder == nil {
		deps.Recorder = recorder.Noop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.Default
	}
	return &Engine{
		store:     store,
		rec:       deps.Recorder,
		keys:      deps.Resolver,
		invoker:   deps.Invoker,
		artifacts: deps.Artifacts,
		metrics:   deps.Metrics,
		cfg:       cfg,
		owner:     uuid.NewString(),
	}
}

// Submit records a job, enqueues it, and returns a submission receipt. The
// store failing fails the whole submission; recorder failures never do.
func (e *Engine) Submit(ctx context.Context, req pipeapi.SubmitVerificationRequest) (pipeapi.SubmissionResponse, error) {
	if req.RequesterID == "" {
		return pipeapi.SubmissionResponse{}, fmt.Errorf("%w: requester_id is required", ErrInvalidRequest)
	}
	if req.CredentialToken == "" {
		return pipeapi.SubmissionResponse{}, fmt.Errorf("%w: credential_token is required", ErrInvalidRequest)
	}
	if !walletRe.MatchString(req.WalletAddress) {
		return pipeapi.SubmissionResponse{}, fmt.Errorf("%w: invalid wallet address format: %s", ErrInvalidRequest, req.WalletAddress)
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	now := time.Now().UTC()
	job := pipeapi.Job{
		ID:              newJobID(req.RequesterID, now),
		RequesterID:     req.RequesterID,
		SessionID:       sessionID,
		CredentialToken: req.CredentialToken,
		WalletAddress:   req.WalletAddress,
		UserEmail:       req.UserEmail,
		Status:          pipeapi.StatusQueued,
		Progress:        0,
		CreatedAt:       now,
	}
	if err := e.saveJob(ctx, job); err != nil {
		return pipeapi.SubmissionResponse{}, fmt.Errorf("store job: %w", err)
	}
	if err := e.store.PushQueue(ctx, queueKey, job.ID); err != nil {
		// No partial state: drop the record we just wrote.
		_ = e.store.Delete(ctx, jobKey(job.ID))
		return pipeapi.SubmissionResponse{}, fmt.Errorf("enqueue job: %w", err)
	}

	position, length := e.queuePosition(ctx, job.ID)
	e.metrics.IncCounter("jobs_queued_total", nil, 1)
	e.metrics.SetGauge("queue_length", nil, float64(length))
	log.Printf("pipeline: job %s queued for %s position=%d length=%d", job.ID, job.RequesterID, position, length)

	e.rec.SessionQueued(ctx, recorder.QueuedSession{
		SessionKey:    sessionID,
		RequesterID:   req.RequesterID,
		WalletAddress: req.WalletAddress,
		EmailDomain:   e.emailDomain(req.UserEmail),
		JobID:         job.ID,
		QueuePosition: position,
		QueueLength:   length,
	})
	e.rec.RecordEvent(ctx, sessionID, "queued", map[string]any{
		"job_id":         job.ID,
		"queue_position": position,
		"queue_length":   length,
	})

	e.StartConsumer(context.WithoutCancel(ctx))

	return pipeapi.SubmissionResponse{
		Success:          true,
		Message:          "Job added to queue successfully",
		SessionID:        sessionID,
		VerificationLink: e.verificationLink(sessionID),
		JobID:            job.ID,
		QueuePosition:    position,
		QueueLength:      length,
		Status:           pipeapi.StatusQueued,
	}, nil
}

// Status returns the durable job record.
func (e *Engine) Status(ctx context.Context, jobID string) (pipeapi.Job, error) {
	job, ok, err := e.loadJob(ctx, jobID)
	if err != nil {
		return pipeapi.Job{}, err
	}
	if !ok {
		return pipeapi.Job{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return job, nil
}

// Result returns the persisted proof result, which outlives processing by
// one hour.
func (e *Engine) Result(ctx context.Context, jobID string) (pipeapi.ProofResult, error) {
	raw, ok, err := e.store.Get(ctx, resultKey(jobID))
	if err != nil {
		return pipeapi.ProofResult{}, err
	}
	if !ok {
		return pipeapi.ProofResult{}, fmt.Errorf("result for job %s: %w", jobID, ErrNotFound)
	}
	var result pipeapi.ProofResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return pipeapi.ProofResult{}, fmt.Errorf("decode result for %s: %w", jobID, err)
	}
	return result, nil
}

// ProcessingStatus reports whether the lock is held plus the advisory
// active-job snapshot. The snapshot is local to this process and never
// authoritative.
func (e *Engine) ProcessingStatus(ctx context.Context) (pipeapi.ProcessingStatusResponse, error) {
	_, held, err := e.store.Get(ctx, lockKey)
	if err != nil {
		return pipeapi.ProcessingStatusResponse{}, err
	}
	e.mu.Lock()
	var active *pipeapi.ActiveJob
	if e.active != nil {
		copied := *e.active
		active = &copied
	}
	e.mu.Unlock()
	return pipeapi.ProcessingStatusResponse{Processing: held, ActiveJob: active}, nil
}

// StartConsumer launches the consumer loop if it is not already running.
// Safe to call on every submission; the running flag is cleared when the
// loop goroutine exits so a later call can restart it.
func (e *Engine) StartConsumer(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loopRunning {
		return
	}
	e.loopRunning = true
	go func() {
		defer func() {
			e.mu.Lock()
			e.loopRunning = false
			e.mu.Unlock()
			log.Printf("pipeline: consumer loop stopped")
		}()
		e.run(ctx)
	}()
}

func (e *Engine) run(ctx context.Context) {
	log.Printf("pipeline: consumer loop started")
	e.reconcile(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		id, ok, err := e.store.BlockingPopQueue(ctx, queueKey, e.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("pipeline: queue pop failed: %v", err)
			e.metrics.IncCounter("consumer_loop_errors_total", nil, 1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.cfg.ErrorBackoff):
			}
			continue
		}
		if !ok {
			continue
		}
		e.processJob(ctx, id)
	}
}

func (e *Engine) processJob(ctx context.Context, jobID string) {
	job, ok, err := e.loadJob(ctx, jobID)
	if err != nil {
		log.Printf("pipeline: load job %s: %v", jobID, err)
		return
	}
	if !ok {
		// Record expired or was never written; not a hard error.
		log.Printf("pipeline: job data not found for %s, skipping", jobID)
		e.metrics.IncCounter("jobs_skipped_total", map[string]string{"reason": "missing_record"}, 1)
		return
	}

	job.Status = pipeapi.StatusProcessing
	if err := e.saveJob(ctx, job); err != nil {
		log.Printf("pipeline: mark %s processing: %v", jobID, err)
	}

	err = e.runPipeline(ctx, &job)
	switch {
	case err == nil:
		e.metrics.IncCounter("jobs_completed_total", nil, 1)
		log.Printf("pipeline: job %s completed", jobID)
	case isBusy(err):
		// Unexpected under serialized consumption, but the lock is the
		// authority. Put the id back and let a later pass retry it.
		e.metrics.IncCounter("lock_contention_total", nil, 1)
		log.Printf("pipeline: lock busy, requeueing %s", jobID)
		if pushErr := e.store.PushQueue(ctx, queueKey, jobID); pushErr != nil {
			log.Printf("pipeline: requeue %s: %v", jobID, pushErr)
		}
		select {
		case <-ctx.Done():
		case <-time.After(e.cfg.ErrorBackoff):
		}
	default:
		e.failJob(ctx, job, err)
	}
}

func (e *Engine) failJob(ctx context.Context, job pipeapi.Job, cause error) {
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	job.Status = pipeapi.StatusFailed
	job.Error = cause.Error()
	job.FailedAt = &now
	job.Result = nil
	if err := e.saveJob(ctx, job); err != nil {
		log.Printf("pipeline: mark %s failed: %v", job.ID, err)
	}
	// A failed job must never leave a stale successful result reachable.
	if err := e.store.Delete(ctx, resultKey(job.ID)); err != nil {
		log.Printf("pipeline: delete stale result for %s: %v", job.ID, err)
	}
	e.rec.UpdateSession(ctx, job.SessionID, map[string]any{
		"status": pipeapi.StatusFailed,
		"error":  job.Error,
	})
	e.rec.RecordEvent(ctx, job.SessionID, "proof_failed", map[string]any{"error": job.Error})
	e.metrics.IncCounter("jobs_failed_total", nil, 1)
	log.Printf("pipeline: job %s failed: %v", job.ID, cause)
}

// reconcile closes the crash gap: if a previous process died mid-pipeline,
// the active-job marker survives without a lock. Requeue the referenced job
// so it is not stuck in processing forever.
func (e *Engine) reconcile(ctx context.Context) {
	jobID, ok, err := e.store.Get(ctx, activeJobKey)
	if err != nil || !ok {
		if err != nil {
			log.Printf("pipeline: reconcile read marker: %v", err)
		}
		return
	}
	_, lockHeld, err := e.store.Get(ctx, lockKey)
	if err != nil {
		log.Printf("pipeline: reconcile read lock: %v", err)
		return
	}
	if lockHeld {
		// A live holder still owns the pipeline; nothing to recover.
		return
	}
	job, found, err := e.loadJob(ctx, jobID)
	if err != nil {
		log.Printf("pipeline: reconcile load %s: %v", jobID, err)
		return
	}
	if found && job.Status == pipeapi.StatusProcessing {
		job.Status = pipeapi.StatusQueued
		if err := e.saveJob(ctx, job); err != nil {
			log.Printf("pipeline: reconcile requeue %s: %v", jobID, err)
			return
		}
		if err := e.store.PushQueue(ctx, queueKey, jobID); err != nil {
			log.Printf("pipeline: reconcile requeue %s: %v", jobID, err)
			return
		}
		e.metrics.IncCounter("jobs_requeued_total", nil, 1)
		log.Printf("pipeline: requeued interrupted job %s", jobID)
	}
	if err := e.store.Delete(ctx, activeJobKey); err != nil {
		log.Printf("pipeline: reconcile clear marker: %v", err)
	}
}

func (e *Engine) saveJob(ctx context.Context, job pipeapi.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return e.store.SetWithTTL(ctx, jobKey(job.ID), string(data), jobTTL)
}

func (e *Engine) loadJob(ctx context.Context, jobID string) (pipeapi.Job, bool, error) {
	raw, ok, err := e.store.Get(ctx, jobKey(jobID))
	if err != nil || !ok {
		return pipeapi.Job{}, false, err
	}
	var job pipeapi.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return pipeapi.Job{}, false, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return job, true, nil
}

// queuePosition is advisory: computed from a snapshot that may shift under
// concurrent submissions.
func (e *Engine) queuePosition(ctx context.Context, jobID string) (int, int) {
	snapshot, err := e.store.QueueSnapshot(ctx, queueKey)
	if err != nil {
		log.Printf("pipeline: queue snapshot: %v", err)
		return 0, 0
	}
	position := len(snapshot)
	for i, id := range snapshot {
		if id == jobID {
			position = i + 1
			break
		}
	}
	return position, len(snapshot)
}

func (e *Engine) verificationLink(sessionID string) string {
	return e.cfg.FrontendBaseURL + "/verify/" + sessionID
}

func (e *Engine) emailDomain(email string) string {
	if at := strings.LastIndex(email, "@"); at >= 0 && at < len(email)-1 {
		return strings.ToLower(strings.TrimSpace(email[at+1:]))
	}
	return e.cfg.DefaultEmailDomain
}

func (e *Engine) setActive(active *pipeapi.ActiveJob) {
	e.mu.Lock()
	e.active = active
	e.mu.Unlock()
	if active != nil {
		e.metrics.SetGauge("active_job", nil, 1)
	} else {
		e.metrics.SetGauge("active_job", nil, 0)
	}
}

func isBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}
