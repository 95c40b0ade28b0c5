// Package worker implements the Inference Request Worker (spec §4.G): a pool
// of goroutines draining the Inference Request Store's Queued requests one
// at a time each, retrieving every non-Algorithm input resource and
// submitting the Algorithm resource's pipeline as a platform job.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clarapipe/dicom-adapter/backoff"
	adapterrrors "github.com/clarapipe/dicom-adapter/errors"
	"github.com/clarapipe/dicom-adapter/inferstore"
	"github.com/clarapipe/dicom-adapter/model"
	"github.com/clarapipe/dicom-adapter/retrieval"
	"github.com/clarapipe/dicom-adapter/staging"
	"github.com/clarapipe/dicom-adapter/submit"
)

// JobSubmitter drives a staged payload through the platform API and reports
// the ids the worker records on the request. submit.Submitter satisfies
// this via SubmitWithIDs.
type JobSubmitter interface {
	SubmitWithIDs(ctx context.Context, job model.JobSubmission, payloadDir string) (jobID, payloadID string, err error)
}

// Pool runs N goroutines, each looping ClaimNext -> retrieve -> submit ->
// Update until ctx is cancelled.
type Pool struct {
	Store     inferstore.Store
	Staging   *staging.Store
	Dimse     retrieval.Client
	DicomWeb  retrieval.Client
	Submitter JobSubmitter
	Schedule  backoff.Schedule
	Logger    *slog.Logger

	// Concurrency is the number of claim loops run concurrently. Default 1.
	Concurrency int

	// PollInterval is how long a claim loop sleeps after finding the queue
	// empty before trying again. Default 2s.
	PollInterval time.Duration
}

// Option configures a Pool.
type Option func(*Pool)

// WithSchedule overrides the default retry schedule (base 1s, factor 2,
// cap 60s, 3 retries per spec §4.G step 5).
func WithSchedule(s backoff.Schedule) Option {
	return func(p *Pool) { p.Schedule = s }
}

// WithLogger overrides the pool's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.Logger = logger }
}

// WithConcurrency overrides the number of concurrent claim loops.
func WithConcurrency(n int) Option {
	return func(p *Pool) { p.Concurrency = n }
}

// New builds a Pool. dimse and dicomWeb back the two retrieval.Client
// interfaces a DataResources() entry can name.
func New(store inferstore.Store, stagingStore *staging.Store, dimse, dicomWeb retrieval.Client, submitter JobSubmitter, opts ...Option) *Pool {
	p := &Pool{
		Store:        store,
		Staging:      stagingStore,
		Dimse:        dimse,
		DicomWeb:     dicomWeb,
		Submitter:    submitter,
		Schedule:     backoff.New(3),
		Logger:       slog.Default(),
		Concurrency:  1,
		PollInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts Concurrency claim loops and blocks until ctx is cancelled or
// one of them returns a non-cancellation error.
func (p *Pool) Run(ctx context.Context) error {
	n := p.Concurrency
	if n <= 0 {
		n = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return p.claimLoop(ctx)
		})
	}
	return g.Wait()
}

func (p *Pool) claimLoop(ctx context.Context) error {
	for {
		req, err := p.Store.ClaimNext(ctx)
		if err == inferstore.ErrNotFound {
			select {
			case <-time.After(p.PollInterval):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			p.Logger.ErrorContext(ctx, "worker: claim failed", "error", err)
			select {
			case <-time.After(p.PollInterval):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := p.process(ctx, req); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.Logger.ErrorContext(ctx, "worker: unrecoverable error processing request",
				"inference_request_id", req.InferenceRequestID, "error", err)
		}
	}
}

// process retrieves every data resource and submits the job for one claimed
// request, then persists the outcome. It never returns a retryable error to
// the caller — retry is handled internally by re-queueing the request — only
// genuinely unexpected failures (e.g. the store itself rejecting the
// Update) propagate.
func (p *Pool) process(ctx context.Context, req model.InferenceRequest) error {
	scopeID := "infer-" + req.InferenceRequestID
	handle, err := p.Staging.Acquire(ctx, scopeID)
	if err != nil {
		return p.retryOrFail(ctx, req, err)
	}
	if req.StoragePath == "" {
		req.StoragePath = handle.Dir
	}

	retrieved := 0
	for _, res := range req.DataResources() {
		client, err := p.clientFor(res.Interface)
		if err != nil {
			return p.retryOrFail(ctx, req, err)
		}

		result, err := client.Retrieve(ctx, res, req.InputMetadata, handle.Dir)
		if err != nil {
			p.Logger.WarnContext(ctx, "worker: retrieval failed",
				"inference_request_id", req.InferenceRequestID, "interface", res.Interface.String(), "error", err)
			return p.retryOrFail(ctx, req, err)
		}
		p.Logger.InfoContext(ctx, "worker: retrieval succeeded",
			"inference_request_id", req.InferenceRequestID, "interface", res.Interface.String(), "instance_count", len(result.SOPInstanceUIDs))
		retrieved += len(result.SOPInstanceUIDs)
	}

	if retrieved == 0 {
		return p.retryOrFail(ctx, req, &adapterrrors.KindError{
			Kind: adapterrrors.KindPermanentRemote,
			Err:  fmt.Errorf("worker: request %s retrieved zero instances across %d resource(s)", req.InferenceRequestID, len(req.DataResources())),
		})
	}

	alg, ok := req.AlgorithmResource()
	if !ok {
		return p.retryOrFail(ctx, req, fmt.Errorf("worker: request %s has no Algorithm resource", req.InferenceRequestID))
	}

	now := time.Now()
	job := model.JobSubmission{
		PipelineID:  alg.ConnectionDetails.PipelineID,
		JobName:     submit.JobName(alg.ConnectionDetails.PipelineID, now),
		JobPriority: submit.MapPriority(req.Priority),
		Metadata: map[string]string{
			"transaction_id":        req.TransactionID,
			"inference_request_id": req.InferenceRequestID,
		},
		SubmittedAt: now,
	}

	jobID, payloadID, err := p.Submitter.SubmitWithIDs(ctx, job, handle.Dir)
	if err != nil {
		p.Logger.WarnContext(ctx, "worker: job submission failed",
			"inference_request_id", req.InferenceRequestID, "error", err)
		return p.retryOrFail(ctx, req, err)
	}

	req.State = model.StateCompleted
	req.Status = model.StatusSuccess
	req.JobID = jobID
	req.PayloadID = payloadID
	if err := p.Store.Update(ctx, req); err != nil {
		return err
	}
	p.Staging.Release(scopeID)

	p.Logger.InfoContext(ctx, "worker: request completed",
		"inference_request_id", req.InferenceRequestID, "job_id", jobID)
	return nil
}

// retryOrFail classifies cause and either re-queues req with TryCount
// incremented (waiting out the backoff delay first) or marks it permanently
// Failed, per spec §4.G step 5 / §7.
func (p *Pool) retryOrFail(ctx context.Context, req model.InferenceRequest, cause error) error {
	kind := adapterrrors.Classify(cause)
	attempt := req.TryCount + 1

	if kind.Kind.Retryable() && !p.Schedule.Exhausted(attempt) {
		req.TryCount = attempt
		req.State = model.StateQueued
		if err := p.Store.Update(ctx, req); err != nil {
			return err
		}

		select {
		case <-time.After(p.Schedule.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	req.TryCount = attempt
	req.State = model.StateCompleted
	req.Status = model.StatusFail
	if err := p.Store.Update(ctx, req); err != nil {
		return err
	}
	p.Staging.Release("infer-" + req.InferenceRequestID)

	p.Logger.ErrorContext(ctx, "worker: request failed permanently",
		"inference_request_id", req.InferenceRequestID, "try_count", req.TryCount, "error", cause)
	return nil
}

func (p *Pool) clientFor(iface model.ResourceInterface) (retrieval.Client, error) {
	switch iface {
	case model.InterfaceDIMSE:
		return p.Dimse, nil
	case model.InterfaceDICOMweb:
		return p.DicomWeb, nil
	default:
		return nil, fmt.Errorf("worker: no retrieval client for interface %s", iface.String())
	}
}
