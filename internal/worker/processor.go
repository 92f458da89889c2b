// Package worker runs session jobs in the background: each job resolves
// its violations against the knowledge store, generating explanations for
// misses.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"repair-service/internal/metrics"
	"repair-service/internal/models"

	"go.uber.org/zap"
)

var errShutdown = errors.New("processing interrupted by shutdown")

// Resolver resolves one violation, generating and caching on a miss
type Resolver interface {
	Resolve(ctx context.Context, v models.Violation, language string) models.Resolution
}

// ViolationSource supplies the violations of a session whose job was
// submitted without any
type ViolationSource interface {
	Violations(ctx context.Context, sessionID string) ([]models.Violation, error)
}

// Config for the background processor
type Config struct {
	Workers     int
	QueueSize   int
	DequeueWait time.Duration // Idle wake-up interval
	StopTimeout time.Duration // How long Stop waits for workers
	Retention   time.Duration // How long terminal jobs stay pollable
	Language    string
}

// Processor owns the job queue and the workers draining it.
//
// A session id identifies at most one job for the life of the process:
// while its job is queued, processing or retained it is tracked in the job
// maps, and after eviction it is remembered as a tombstone until Reset.
type Processor struct {
	resolver Resolver
	source   ViolationSource
	cfg      Config
	logger   *zap.Logger

	queue chan *models.Job

	mu         sync.Mutex
	active     map[string]*models.Job
	completed  map[string]*models.Job
	tombstones map[string]time.Time
	started    bool
	stopped    bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// NewProcessor creates a processor. Call Start to launch the workers.
func NewProcessor(resolver Resolver, cfg Config, logger *zap.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.DequeueWait <= 0 {
		cfg.DequeueWait = time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}

	return &Processor{
		resolver:   resolver,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "processor")),
		queue:      make(chan *models.Job, cfg.QueueSize),
		active:     make(map[string]*models.Job),
		completed:  make(map[string]*models.Job),
		tombstones: make(map[string]time.Time),
		stop:       make(chan struct{}),
		now:        time.Now,
	}
}

// SetViolationSource installs the source consulted for jobs submitted with
// no violations. Without one such jobs complete with nothing to do.
func (p *Processor) SetViolationSource(src ViolationSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = src
}

// Start launches the workers. Calling it more than once has no effect.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}

	p.logger.Info("Background processor started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize))
}

// Stop signals the workers and waits up to the stop timeout for them to
// exit. It reports whether they all exited in time. An in-flight generation
// call is not interrupted; it finishes or times out on its own.
func (p *Processor) Stop() bool {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.stop) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Background processor stopped")
		return true
	case <-time.After(p.cfg.StopTimeout):
		p.logger.Warn("Background processor did not stop in time",
			zap.Duration("timeout", p.cfg.StopTimeout))
		return false
	}
}

// Submit enqueues a job for the session. It returns false without side
// effects if the session already has a job (in any state), the queue is
// full, or the processor is stopped.
func (p *Processor) Submit(sessionID string, violations []models.Violation) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped || p.knownLocked(sessionID) {
		metrics.JobsSubmitted.WithLabelValues("rejected").Inc()
		return false
	}

	job := &models.Job{
		SessionID:   sessionID,
		Violations:  append([]models.Violation(nil), violations...),
		Status:      models.JobQueued,
		SubmittedAt: p.now().UTC(),
	}

	select {
	case p.queue <- job:
	default:
		p.logger.Warn("Job queue full, rejecting submission", zap.String("session_id", sessionID))
		metrics.JobsSubmitted.WithLabelValues("queue_full").Inc()
		return false
	}

	p.active[sessionID] = job
	metrics.JobsSubmitted.WithLabelValues("accepted").Inc()
	metrics.QueueDepth.Set(float64(len(p.queue)))

	p.logger.Info("Job submitted",
		zap.String("session_id", sessionID),
		zap.Int("violations", len(violations)))

	return true
}

func (p *Processor) knownLocked(sessionID string) bool {
	if _, ok := p.active[sessionID]; ok {
		return true
	}
	if _, ok := p.completed[sessionID]; ok {
		return true
	}
	_, ok := p.tombstones[sessionID]
	return ok
}

// Status returns a snapshot of the session's job
func (p *Processor) Status(sessionID string) (models.JobSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if job, ok := p.active[sessionID]; ok {
		return job.Snapshot(), true
	}
	if job, ok := p.completed[sessionID]; ok {
		return job.Snapshot(), true
	}
	return models.JobSnapshot{}, false
}

// Reset forgets every terminal job and tombstone so their session ids can
// be reused. Queued and processing jobs are kept.
func (p *Processor) Reset() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.completed) + len(p.tombstones)
	p.completed = make(map[string]*models.Job)
	p.tombstones = make(map[string]time.Time)

	p.logger.Warn("Job history cleared", zap.Int("sessions", n))
	return n
}

func (p *Processor) run(id int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.DequeueWait)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case job := <-p.queue:
			metrics.QueueDepth.Set(float64(len(p.queue)))
			p.process(id, job)
		case <-ticker.C:
			p.evictExpired()
		}
	}
}

func (p *Processor) process(workerID int, job *models.Job) {
	p.mu.Lock()
	job.Status = models.JobProcessing
	p.mu.Unlock()

	p.logger.Info("Processing job",
		zap.Int("worker", workerID),
		zap.String("session_id", job.SessionID),
		zap.Int("violations", len(job.Violations)))

	err := p.runJob(job)

	p.mu.Lock()
	completedAt := p.now().UTC()
	job.CompletedAt = &completedAt
	if err != nil {
		job.Status = models.JobFailed
		job.Error = err.Error()
	} else {
		job.Status = models.JobCompleted
	}
	delete(p.active, job.SessionID)
	p.completed[job.SessionID] = job
	snapshot := job.Snapshot()
	p.mu.Unlock()

	metrics.JobsFinished.WithLabelValues(string(snapshot.Status)).Inc()

	if err != nil {
		p.logger.Error("Job failed",
			zap.String("session_id", job.SessionID),
			zap.Error(err))
		return
	}
	p.logger.Info("Job completed",
		zap.String("session_id", job.SessionID),
		zap.Int("cache_hits", snapshot.CacheHits),
		zap.Int("generated", snapshot.Generated),
		zap.Int("failed", snapshot.Failed))
}

// runJob resolves the job's violations in order. A job submitted empty
// takes its violations from the source, if one is set. A single failed
// generation is counted and skipped; a panic fails the whole job.
func (p *Processor) runJob(job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Job panicked", zap.String("session_id", job.SessionID), zap.Any("panic", r))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if len(job.Violations) == 0 {
		if err := p.loadViolations(job); err != nil {
			return err
		}
	}

	for i, v := range job.Violations {
		select {
		case <-p.stop:
			return errShutdown
		default:
		}

		res := p.resolver.Resolve(context.Background(), v, p.cfg.Language)

		p.mu.Lock()
		switch res.Source {
		case models.SourceCacheHit:
			job.CacheHits++
		case models.SourceGeneratedFresh:
			job.Generated++
		default:
			job.Failed++
		}
		p.mu.Unlock()

		if res.Source == models.SourceFallback {
			p.logger.Warn("No explanation generated for violation",
				zap.String("session_id", job.SessionID),
				zap.Int("index", i),
				zap.String("signature_key", res.SignatureKey))
		}
	}
	return nil
}

func (p *Processor) loadViolations(job *models.Job) error {
	p.mu.Lock()
	src := p.source
	p.mu.Unlock()
	if src == nil {
		return nil
	}

	violations, err := src.Violations(context.Background(), job.SessionID)
	if err != nil {
		return fmt.Errorf("failed to load violations: %w", err)
	}

	p.mu.Lock()
	job.Violations = violations
	p.mu.Unlock()

	p.logger.Info("Loaded violations from session dataset",
		zap.String("session_id", job.SessionID),
		zap.Int("violations", len(violations)))
	return nil
}

// evictExpired drops terminal jobs past the retention window, leaving a
// tombstone so the session id stays reserved
func (p *Processor) evictExpired() {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-p.cfg.Retention)
	for id, job := range p.completed {
		if job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(p.completed, id)
			p.tombstones[id] = *job.CompletedAt
			p.logger.Debug("Evicted job", zap.String("session_id", id))
		}
	}
}
