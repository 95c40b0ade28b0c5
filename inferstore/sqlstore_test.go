package inferstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/clarapipe/dicom-adapter/model"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inferstore.db")
	s, err := Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnqueueRejectsInvalidInput(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Enqueue(context.Background(), model.InferenceRequestInput{})
	if err == nil {
		t.Fatal("expected validation error for empty input")
	}
}

func TestEnqueueThenClaimNextThenUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, validInput())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	req, err := s.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if req.InferenceRequestID != id {
		t.Fatalf("claimed id = %s, want %s", req.InferenceRequestID, id)
	}
	if req.State != model.StateInProcess {
		t.Fatalf("claimed state = %s, want InProcess", req.State)
	}

	if _, err := s.ClaimNext(ctx); err != ErrNotFound {
		t.Fatalf("second ClaimNext = %v, want ErrNotFound (queue now empty)", err)
	}

	req.State = model.StateCompleted
	req.Status = model.StatusSuccess
	req.JobID = "job-1"
	if err := s.Update(ctx, req); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != model.StateCompleted || got.Status != model.StatusSuccess || got.JobID != "job-1" {
		t.Fatalf("Get after Update = %+v, want Completed/Success/job-1", got)
	}
}

func TestClaimNextReturnsOldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.Enqueue(ctx, validInput())
	if err != nil {
		t.Fatalf("Enqueue first: %v", err)
	}
	if _, err := s.Enqueue(ctx, validInput()); err != nil {
		t.Fatalf("Enqueue second: %v", err)
	}

	claimed, err := s.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed.InferenceRequestID != first {
		t.Fatalf("claimed %s, want oldest %s", claimed.InferenceRequestID, first)
	}
}

func TestCancelRemovesQueuedRequest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, validInput())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := s.Get(ctx, id); err != ErrNotFound {
		t.Fatalf("Get after Cancel = %v, want ErrNotFound", err)
	}
}

func TestCancelRejectsNonQueuedRequest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, validInput())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := s.Cancel(ctx, id); err == nil {
		t.Fatal("expected Cancel to reject an InProcess request")
	}
}

func TestRecoverInProcessRequeuesAndIncrementsTryCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, validInput())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	n, err := s.RecoverInProcess(ctx)
	if err != nil {
		t.Fatalf("RecoverInProcess: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered count = %d, want 1", n)
	}

	req, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if req.State != model.StateQueued {
		t.Fatalf("state after recovery = %s, want Queued", req.State)
	}
	if req.TryCount != 1 {
		t.Fatalf("try count after recovery = %d, want 1", req.TryCount)
	}
}

func TestScanByStateOrdersOldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, err := s.Enqueue(ctx, validInput())
	if err != nil {
		t.Fatalf("Enqueue a: %v", err)
	}
	b, err := s.Enqueue(ctx, validInput())
	if err != nil {
		t.Fatalf("Enqueue b: %v", err)
	}

	queued, err := s.ScanByState(ctx, model.StateQueued)
	if err != nil {
		t.Fatalf("ScanByState: %v", err)
	}
	if len(queued) != 2 || queued[0].InferenceRequestID != a || queued[1].InferenceRequestID != b {
		t.Fatalf("ScanByState order = %v, want [%s %s]", queued, a, b)
	}
}
