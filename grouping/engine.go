// Package grouping implements the Grouping Engine (spec §4.E): it collapses
// received instances into buckets keyed by the called AE's configured
// grouping strategy, closes a bucket after a quiet period (or a max-age
// guard, whichever fires first), and submits one job per pipeline id
// against the closed bucket's manifest.
package grouping

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/clarapipe/dicom-adapter/aepolicy"
	"github.com/clarapipe/dicom-adapter/backoff"
	adapterrrors "github.com/clarapipe/dicom-adapter/errors"
	"github.com/clarapipe/dicom-adapter/ingest"
	"github.com/clarapipe/dicom-adapter/model"
	"github.com/clarapipe/dicom-adapter/staging"
	"github.com/clarapipe/dicom-adapter/submit"
)

// JobSubmitter drives a platform job to completion from a staged payload
// directory. submit.Submitter satisfies this.
type JobSubmitter interface {
	Submit(ctx context.Context, job model.JobSubmission, payloadDir string) error
}

// Engine is the notifier.Observer that groups instances into buckets and
// submits a job per pipeline id when a bucket closes.
type Engine struct {
	Registry  *aepolicy.Registry
	Staging   *staging.Store
	Submitter JobSubmitter
	Schedule  backoff.Schedule
	Logger    *slog.Logger

	table *Table
	queue *DeadlineQueue

	instanceCh chan model.Instance
	closeCh    chan model.BucketKey

	closerCount int
	metrics     *metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithSchedule overrides the default submission retry schedule (base 1s,
// factor 2, cap 60s, 4 retries after the first try, so at most 5 attempts).
func WithSchedule(s backoff.Schedule) Option {
	return func(e *Engine) { e.Schedule = s }
}

// WithLogger overrides the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.Logger = logger }
}

// New builds an Engine. closerCount is the size of the closer goroutine
// pool draining closeCh; queueCapacity bounds the instance-arrival and
// close-work channels.
func New(registry *aepolicy.Registry, store *staging.Store, submitter JobSubmitter, closerCount, queueCapacity int, opts ...Option) *Engine {
	e := &Engine{
		Registry:  registry,
		Staging:   store,
		Submitter: submitter,
		Schedule:  backoff.New(4),
		Logger:    slog.Default(),
		table:     NewTable(),
		queue:     NewDeadlineQueue(),

		instanceCh: make(chan model.Instance, queueCapacity),
		closeCh:    make(chan model.BucketKey, queueCapacity),
		metrics:    newMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if closerCount <= 0 {
		closerCount = 1
	}
	e.closerCount = closerCount
	return e
}

// OnInstance implements notifier.Observer. It hands the event to the
// engine's bounded channel and returns immediately — no I/O runs on the
// publisher's (association) goroutine, per spec §4.D/§9.
func (e *Engine) OnInstance(ctx context.Context, inst model.Instance) {
	select {
	case e.instanceCh <- inst:
	case <-ctx.Done():
	}
}

// Run drives the engine's single scheduler loop plus its closer pool until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	for i := 0; i < e.closerCount; i++ {
		go e.runCloser(ctx)
	}

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	e.resetTimer(timer)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case inst := <-e.instanceCh:
			e.onInstance(ctx, inst)
			e.resetTimer(timer)
		case <-timer.C:
			e.popExpired(ctx)
			e.resetTimer(timer)
		}
	}
}

func (e *Engine) resetTimer(timer *time.Timer) {
	timer.Stop()
	_, deadline, ok := e.queue.Peek()
	if !ok {
		timer.Reset(time.Hour)
		return
	}
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

func (e *Engine) popExpired(ctx context.Context) {
	for _, key := range e.queue.PopExpired(time.Now()) {
		select {
		case e.closeCh <- key:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) onInstance(ctx context.Context, inst model.Instance) {
	cfg, ok := e.Registry.ResolveCalled(inst.CalledAE)
	if !ok {
		e.Logger.WarnContext(ctx, "grouping: dropping instance for unknown called AE",
			"called_ae", inst.CalledAE, "sop_instance_uid", inst.SOPInstanceUID)
		return
	}

	key := model.BucketKey{
		CalledAE: inst.CalledAE,
		Kind:     cfg.Grouping,
		Value:    keyValueFor(cfg.Grouping, inst),
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 60 * time.Second
	}

	now := time.Now()
	var createdAt time.Time

	e.table.WithLock(key, func(buckets map[model.BucketKey]*model.Bucket) {
		b, exists := buckets[key]
		if !exists {
			b = model.NewBucket(key, cfg.PipelineIDs, cfg.Priority, now)
			buckets[key] = b
			e.metrics.bucketsCreated.Add(ctx, 1)
		}
		b.Append(inst, now)
		createdAt = b.CreatedAt
	})

	quietDeadline := now.Add(timeout)
	ageDeadline := createdAt.Add(maxAge)
	deadline := quietDeadline
	if ageDeadline.Before(deadline) {
		deadline = ageDeadline
	}
	e.queue.Upsert(key, deadline)
}

// keyValueFor renders a bucket key's discriminating value for inst under
// the called AE's configured grouping kind. GroupingNone gives every
// instance its own bucket by keying on its own SOPInstanceUID.
func keyValueFor(kind model.GroupingKind, inst model.Instance) string {
	switch kind {
	case model.GroupingPatientID:
		return inst.PatientID
	case model.GroupingStudyInstanceUID:
		return inst.StudyInstanceUID
	case model.GroupingCallingAET:
		return inst.CallingAE
	default:
		return inst.SOPInstanceUID
	}
}

func (e *Engine) runCloser(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-e.closeCh:
			e.closeBucket(ctx, key)
		}
	}
}

func (e *Engine) closeBucket(ctx context.Context, key model.BucketKey) {
	var snapshot *model.Bucket
	e.table.WithLock(key, func(buckets map[model.BucketKey]*model.Bucket) {
		b, ok := buckets[key]
		if !ok {
			return
		}
		b.State = model.BucketClosing
		delete(buckets, key)
		snapshot = b
	})
	if snapshot == nil {
		return
	}

	e.metrics.bucketsClosed.Add(ctx, 1)
	e.metrics.bucketInstances.Record(ctx, int64(len(snapshot.Instances)))

	e.Logger.InfoContext(ctx, "bucket closed",
		"called_ae", key.CalledAE, "grouping", key.Kind.String(),
		"instance_count", len(snapshot.Instances))

	for _, pipelineID := range snapshot.PipelineIDs {
		e.submitForPipeline(ctx, snapshot, pipelineID)
	}
	snapshot.State = model.BucketClosed
}

func (e *Engine) submitForPipeline(ctx context.Context, bucket *model.Bucket, pipelineID string) {
	now := time.Now()
	job := model.JobSubmission{
		PipelineID:  pipelineID,
		JobName:     submit.JobName(pipelineID, now),
		JobPriority: submit.MapPriority(bucket.Priority),
		Metadata: map[string]string{
			"called_ae": bucket.Key.CalledAE,
			"grouping":  bucket.Key.Kind.String(),
		},
		SubmittedAt: now,
	}

	payloadDir, cleanup, err := e.stagePayload(ctx, bucket)
	if err != nil {
		e.Logger.ErrorContext(ctx, "grouping: failed to stage job payload", "error", err, "pipeline_id", pipelineID)
		e.metrics.jobsFailed.Add(ctx, 1)
		return
	}
	defer cleanup()

	for attempt := 1; ; attempt++ {
		if err := e.Submitter.Submit(ctx, job, payloadDir); err != nil {
			kind := adapterrrors.Classify(err)
			if kind.Kind.Retryable() && !e.Schedule.Exhausted(attempt) {
				e.metrics.jobsRetried.Add(ctx, 1)
				e.Logger.WarnContext(ctx, "grouping: job submission retrying",
					"pipeline_id", pipelineID, "attempt", attempt, "error", err)
				select {
				case <-time.After(e.Schedule.Delay(attempt)):
					continue
				case <-ctx.Done():
					return
				}
			}
			e.metrics.jobsFailed.Add(ctx, 1)
			e.Logger.ErrorContext(ctx, "grouping: job submission failed permanently",
				"pipeline_id", pipelineID, "attempt", attempt, "error", err)
			return
		}
		e.metrics.jobsSubmitted.Add(ctx, 1)
		return
	}
}

// stagePayload materializes a fresh staging scope containing one hardlink
// (or copy, across devices) per instance in the bucket, pinning each
// instance's original association scope so the reaper cannot remove the
// source file while the job is being uploaded.
func (e *Engine) stagePayload(ctx context.Context, bucket *model.Bucket) (dir string, cleanup func(), err error) {
	jobScope := "job-" + uuid.NewString()
	handle, err := e.Staging.Acquire(ctx, jobScope)
	if err != nil {
		return "", nil, err
	}

	sourceScopes := make(map[string]struct{})
	for _, inst := range bucket.Instances {
		sourceScopes[ingest.ScopeFor(inst.CallingAE, inst.CalledAE)] = struct{}{}
	}
	for scope := range sourceScopes {
		e.Staging.Pin(scope)
	}

	cleanup = func() {
		for scope := range sourceScopes {
			e.Staging.Unpin(scope)
		}
		_ = e.Staging.Release(jobScope)
	}

	for _, inst := range bucket.Instances {
		dest := handle.Path(inst.SOPInstanceUID + ".dcm")
		if err := linkOrCopy(inst.FilePath, dest); err != nil {
			cleanup()
			return "", nil, fmt.Errorf("grouping: stage instance %s: %w", inst.SOPInstanceUID, err)
		}
	}

	return handle.Dir, cleanup, nil
}

func linkOrCopy(src, dest string) error {
	if err := os.Link(src, dest); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
