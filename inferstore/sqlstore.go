package inferstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	adapterrrors "github.com/clarapipe/dicom-adapter/errors"
	"github.com/clarapipe/dicom-adapter/model"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS inference_requests (
	inference_request_id TEXT PRIMARY KEY,
	state                 TEXT NOT NULL,
	enqueued_at           TEXT NOT NULL,
	updated_at            TEXT NOT NULL,
	record_json           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_inference_requests_state ON inference_requests(state, enqueued_at);

CREATE TABLE IF NOT EXISTS state_snapshots (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	inference_request_id TEXT NOT NULL,
	state                 TEXT NOT NULL,
	status                TEXT NOT NULL,
	try_count             INTEGER NOT NULL,
	recorded_at           TEXT NOT NULL
);
`

// Open opens (creating if absent) the SQLite-backed store at path. Callers
// should pass a file path ending in .db; an in-memory store for tests can
// use "file::memory:?cache=shared".
func Open(ctx context.Context, path string, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &adapterrrors.KindError{Kind: adapterrrors.KindConfigInvalid, Err: fmt.Errorf("inferstore: open %s: %w", path, err)}
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite has no internal write-lock pooling; serialize writers ourselves.

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, &adapterrrors.KindError{Kind: adapterrrors.KindConfigInvalid, Err: fmt.Errorf("inferstore: migrate schema: %w", err)}
	}

	return &SQLStore{db: db, logger: logger}, nil
}

// SQLStore is the modernc.org/sqlite-backed Store. Requests are stored as a
// JSON blob keyed by id (there is no natural relational shape for the
// variant-typed InputMetadata/Resource fields); state_snapshots is an
// append-only audit trail of every transition a request passes through.
// ClaimNext uses a BEGIN IMMEDIATE transaction to emulate the row lock
// SQLite's MVCC otherwise lacks.
type SQLStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type record struct {
	InferenceRequestID string               `json:"inferenceRequestID"`
	TransactionID      string               `json:"transactionID"`
	Priority           byte                 `json:"priority"`
	InputMetadata      model.InputMetadata  `json:"inputMetadata"`
	InputResources     []model.Resource     `json:"inputResources"`
	OutputResources    []model.Resource     `json:"outputResources"`
	State              model.RequestState   `json:"state"`
	Status             model.RequestStatus  `json:"status"`
	TryCount           int                  `json:"tryCount"`
	StoragePath        string               `json:"storagePath"`
	JobID              string               `json:"jobID"`
	PayloadID          string               `json:"payloadID"`
	EnqueuedAt         time.Time            `json:"enqueuedAt"`
	UpdatedAt          time.Time            `json:"updatedAt"`
}

func toRecord(r model.InferenceRequest) record {
	return record{
		InferenceRequestID: r.InferenceRequestID,
		TransactionID:      r.TransactionID,
		Priority:           r.Priority,
		InputMetadata:      r.InputMetadata,
		InputResources:     r.InputResources,
		OutputResources:    r.OutputResources,
		State:              r.State,
		Status:             r.Status,
		TryCount:           r.TryCount,
		StoragePath:        r.StoragePath,
		JobID:              r.JobID,
		PayloadID:          r.PayloadID,
		EnqueuedAt:         r.EnqueuedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

func (r record) toModel() model.InferenceRequest {
	return model.InferenceRequest{
		InferenceRequestID: r.InferenceRequestID,
		TransactionID:      r.TransactionID,
		Priority:           r.Priority,
		InputMetadata:      r.InputMetadata,
		InputResources:     r.InputResources,
		OutputResources:    r.OutputResources,
		State:              r.State,
		Status:             r.Status,
		TryCount:           r.TryCount,
		StoragePath:        r.StoragePath,
		JobID:              r.JobID,
		PayloadID:          r.PayloadID,
		EnqueuedAt:         r.EnqueuedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

// Enqueue validates input, assigns a new id, and persists it Queued.
func (s *SQLStore) Enqueue(ctx context.Context, input model.InferenceRequestInput) (string, error) {
	if problems := Validate(input); len(problems) > 0 {
		return "", &adapterrrors.KindError{Kind: adapterrrors.KindValidationFailed, Err: fmt.Errorf("inferstore: invalid inference request: %s", strings.Join(problems, "; "))}
	}

	now := time.Now().UTC()
	req := model.InferenceRequest{
		InferenceRequestID: uuid.NewString(),
		TransactionID:      input.TransactionID,
		Priority:           input.Priority,
		InputMetadata:      decodeMetadata(input.InputMetadata.Details),
		InputResources:     decodeResources(input.InputResources),
		OutputResources:    decodeResources(input.OutputResources),
		State:              model.StateQueued,
		Status:             model.StatusUnknown,
		EnqueuedAt:         now,
		UpdatedAt:          now,
	}

	if err := s.insert(ctx, req); err != nil {
		return "", err
	}
	return req.InferenceRequestID, nil
}

func (s *SQLStore) insert(ctx context.Context, req model.InferenceRequest) error {
	payload, err := json.Marshal(toRecord(req))
	if err != nil {
		return fmt.Errorf("inferstore: marshal record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &adapterrrors.KindError{Kind: adapterrrors.KindTransientIO, Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO inference_requests(inference_request_id, state, enqueued_at, updated_at, record_json) VALUES (?,?,?,?,?)`,
		req.InferenceRequestID, req.State.String(), req.EnqueuedAt.Format(time.RFC3339Nano), req.UpdatedAt.Format(time.RFC3339Nano), string(payload)); err != nil {
		return &adapterrrors.KindError{Kind: adapterrrors.KindTransientIO, Err: fmt.Errorf("inferstore: insert: %w", err)}
	}
	if err := snapshot(ctx, tx, req); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &adapterrrors.KindError{Kind: adapterrrors.KindTransientIO, Err: err}
	}
	return nil
}

// ClaimNext transitions the oldest Queued request to InProcess inside a
// BEGIN IMMEDIATE transaction, which takes SQLite's write lock up front and
// so serializes concurrent claimers the way a row-level SELECT ... FOR
// UPDATE would on a server database.
func (s *SQLStore) ClaimNext(ctx context.Context) (model.InferenceRequest, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return model.InferenceRequest{}, &adapterrrors.KindError{Kind: adapterrrors.KindTransientIO, Err: err}
	}
	defer conn.Close()

	// SQLite has no row locks; BEGIN IMMEDIATE takes the write lock up
	// front so two concurrent claimers can't both read the same Queued
	// row before either has written its InProcess update.
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return model.InferenceRequest{}, &adapterrrors.KindError{Kind: adapterrrors.KindTransientIO, Err: fmt.Errorf("inferstore: begin immediate: %w", err)}
	}
	committed := false
	defer func() {
		if !committed {
			conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	var payload string
	err = conn.QueryRowContext(ctx, `SELECT record_json FROM inference_requests WHERE state = ? ORDER BY enqueued_at ASC LIMIT 1`, model.StateQueued.String()).Scan(&payload)
	if err == sql.ErrNoRows {
		return model.InferenceRequest{}, ErrNotFound
	}
	if err != nil {
		return model.InferenceRequest{}, &adapterrrors.KindError{Kind: adapterrrors.KindTransientIO, Err: err}
	}

	var rec record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return model.InferenceRequest{}, fmt.Errorf("inferstore: unmarshal record: %w", err)
	}
	req := rec.toModel()
	req.State = model.StateInProcess
	req.UpdatedAt = time.Now().UTC()

	updated, err := json.Marshal(toRecord(req))
	if err != nil {
		return model.InferenceRequest{}, fmt.Errorf("inferstore: marshal record: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `UPDATE inference_requests SET state=?, updated_at=?, record_json=? WHERE inference_request_id=?`,
		req.State.String(), req.UpdatedAt.Format(time.RFC3339Nano), string(updated), req.InferenceRequestID); err != nil {
		return model.InferenceRequest{}, &adapterrrors.KindError{Kind: adapterrrors.KindTransientIO, Err: err}
	}
	if _, err := conn.ExecContext(ctx, `INSERT INTO state_snapshots(inference_request_id, state, status, try_count, recorded_at) VALUES (?,?,?,?,?)`,
		req.InferenceRequestID, req.State.String(), req.Status.String(), req.TryCount, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return model.InferenceRequest{}, &adapterrrors.KindError{Kind: adapterrrors.KindTransientIO, Err: fmt.Errorf("inferstore: append state snapshot: %w", err)}
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return model.InferenceRequest{}, &adapterrrors.KindError{Kind: adapterrrors.KindTransientIO, Err: err}
	}
	committed = true

	return req, nil
}

// Update persists req's current state in full, appending a state_snapshots
// row. It does not itself enforce RequestState.Advance — callers (the
// worker) are expected to have already checked monotonicity.
func (s *SQLStore) Update(ctx context.Context, req model.InferenceRequest) error {
	req.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(toRecord(req))
	if err != nil {
		return fmt.Errorf("inferstore: marshal record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &adapterrrors.KindError{Kind: adapterrrors.KindTransientIO, Err: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE inference_requests SET state=?, updated_at=?, record_json=? WHERE inference_request_id=?`,
		req.State.String(), req.UpdatedAt.Format(time.RFC3339Nano), string(payload), req.InferenceRequestID)
	if err != nil {
		return &adapterrrors.KindError{Kind: adapterrrors.KindTransientIO, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := snapshot(ctx, tx, req); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) Get(ctx context.Context, id string) (model.InferenceRequest, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT record_json FROM inference_requests WHERE inference_request_id=?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return model.InferenceRequest{}, ErrNotFound
	}
	if err != nil {
		return model.InferenceRequest{}, &adapterrrors.KindError{Kind: adapterrrors.KindTransientIO, Err: err}
	}
	var rec record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return model.InferenceRequest{}, fmt.Errorf("inferstore: unmarshal record: %w", err)
	}
	return rec.toModel(), nil
}

func (s *SQLStore) ScanByState(ctx context.Context, state model.RequestState) ([]model.InferenceRequest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_json FROM inference_requests WHERE state=? ORDER BY enqueued_at ASC`, state.String())
	if err != nil {
		return nil, &adapterrrors.KindError{Kind: adapterrrors.KindTransientIO, Err: err}
	}
	defer rows.Close()

	var out []model.InferenceRequest
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("inferstore: unmarshal record: %w", err)
		}
		out = append(out, rec.toModel())
	}
	return out, rows.Err()
}

// Cancel removes a still-Queued request. Requests that have already left
// Queued are not cancellable; the caller sees that as a policy rejection
// rather than a store error.
func (s *SQLStore) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM inference_requests WHERE inference_request_id=? AND state=?`, id, model.StateQueued.String())
	if err != nil {
		return &adapterrrors.KindError{Kind: adapterrrors.KindTransientIO, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		req, getErr := s.Get(ctx, id)
		if getErr == ErrNotFound {
			return ErrNotFound
		}
		return &adapterrrors.KindError{Kind: adapterrrors.KindPolicyReject, Err: fmt.Errorf("inferstore: request %s is %s, no longer cancellable", id, req.State)}
	}
	return nil
}

// RecoverInProcess resets every InProcess request back to Queued with
// TryCount incremented, for the startup sweep spec §4.F requires: a process
// restart must never strand a request a worker was holding mid-retrieval.
func (s *SQLStore) RecoverInProcess(ctx context.Context) (int, error) {
	stuck, err := s.ScanByState(ctx, model.StateInProcess)
	if err != nil {
		return 0, err
	}
	for _, req := range stuck {
		req.State = model.StateQueued
		req.TryCount++
		if err := s.Update(ctx, req); err != nil {
			return 0, err
		}
		s.logger.Info("inferstore: recovered in-process request on restart", "inference_request_id", req.InferenceRequestID, "try_count", req.TryCount)
	}
	return len(stuck), nil
}

func snapshot(ctx context.Context, tx *sql.Tx, req model.InferenceRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO state_snapshots(inference_request_id, state, status, try_count, recorded_at) VALUES (?,?,?,?,?)`,
		req.InferenceRequestID, req.State.String(), req.Status.String(), req.TryCount, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return &adapterrrors.KindError{Kind: adapterrrors.KindTransientIO, Err: fmt.Errorf("inferstore: append state snapshot: %w", err)}
	}
	return nil
}

func decodeMetadata(d model.RawMetadataDetails) model.InputMetadata {
	return model.InputMetadata{
		Type:              model.ParseMetadataType(d.Type),
		StudyInstanceUIDs: d.StudyInstanceUIDs,
		PatientID:         d.PatientID,
		AccessionNumbers:  d.AccessionNumbers,
	}
}

func decodeResources(raw []model.RawResource) []model.Resource {
	out := make([]model.Resource, 0, len(raw))
	for _, r := range raw {
		out = append(out, model.Resource{
			Interface: model.ParseResourceInterface(r.Interface),
			ConnectionDetails: model.ConnectionDetails{
				PipelineID: r.ConnectionDetails.PipelineID,
				AETitle:    r.ConnectionDetails.AETitle,
				Host:       r.ConnectionDetails.Host,
				Port:       r.ConnectionDetails.Port,
				URI:        r.ConnectionDetails.URI,
				AuthType:   model.ParseAuthType(r.ConnectionDetails.AuthType),
				AuthID:     r.ConnectionDetails.AuthID,
			},
		})
	}
	return out
}
