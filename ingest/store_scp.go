// Package ingest implements the C-STORE side of the Association Handler
// (spec §4.C step 5): on every successfully received instance it writes the
// dataset into a staging scope and publishes it to the notifier bus before
// acknowledging the sender.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/clarapipe/dicom-adapter/dicom"
	adapterrrors "github.com/clarapipe/dicom-adapter/errors"
	"github.com/clarapipe/dicom-adapter/interfaces"
	"github.com/clarapipe/dicom-adapter/model"
	"github.com/clarapipe/dicom-adapter/notifier"
	"github.com/clarapipe/dicom-adapter/staging"
	"github.com/clarapipe/dicom-adapter/types"
)

var (
	tagSOPInstanceUID    = dicom.Tag{Group: 0x0008, Element: 0x0018}
	tagStudyInstanceUID  = dicom.Tag{Group: 0x0020, Element: 0x000D}
	tagSeriesInstanceUID = dicom.Tag{Group: 0x0020, Element: 0x000E}
	tagPatientID         = dicom.Tag{Group: 0x0010, Element: 0x0020}
)

// statusOutOfResources is returned when the received object cannot be
// written to staging, per DICOM PS3.7 Annex C.
const statusOutOfResources = 0xA700

// ScopeFor derives the staging scope id a received instance is written
// under. The association handler scopes storage per calling/called AE pair
// so that instances from concurrent associations never collide on disk.
func ScopeFor(callingAE, calledAE string) string {
	return fmt.Sprintf("%s_%s", calledAE, callingAE)
}

// Handler implements interfaces.ServiceHandler for C-STORE, writing each
// received instance to staging and publishing it on bus.
type Handler struct {
	Staging *staging.Store
	Bus     *notifier.Bus
	Logger  *slog.Logger
}

// New creates a C-STORE Handler.
func New(store *staging.Store, bus *notifier.Bus, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Staging: store, Bus: bus, Logger: logger}
}

// HandleDIMSE processes a single C-STORE-RQ. It never returns an error for
// backend failures — those are surfaced as a DIMSE failure status in the
// response, matching spec §4.C's "Association Handler failures never
// propagate as Go errors across the DIMSE boundary; they become a DIMSE
// response status instead."
func (h *Handler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	if msg.CommandField != types.CStoreRQ {
		return h.reject(msg, types.StatusFailure), nil, nil
	}

	dataset, err := dicom.ParseDatasetWithTransferSyntax(data, meta.TransferSyntaxUID)
	if err != nil {
		h.Logger.WarnContext(ctx, "C-STORE dataset failed to parse", "error", err)
		return h.reject(msg, statusOutOfResources), nil, nil
	}

	inst := model.Instance{
		SOPInstanceUID:    dataset.GetString(tagSOPInstanceUID),
		SeriesInstanceUID: dataset.GetString(tagSeriesInstanceUID),
		StudyInstanceUID:  dataset.GetString(tagStudyInstanceUID),
		PatientID:         dataset.GetString(tagPatientID),
		CalledAE:          meta.CalledAE,
		CallingAE:         meta.CallingAE,
		ReceivedAt:        time.Now(),
		TransferSyntax:    meta.TransferSyntaxUID,
	}

	if inst.SOPInstanceUID == "" {
		h.Logger.WarnContext(ctx, "C-STORE dataset missing SOPInstanceUID")
		return h.reject(msg, types.StatusFailure), nil, nil
	}

	scopeID := ScopeFor(meta.CallingAE, meta.CalledAE)
	handle, err := h.Staging.Acquire(ctx, scopeID)
	if err != nil {
		h.Logger.ErrorContext(ctx, "C-STORE staging acquire failed", "error", err, "scope_id", scopeID)
		return h.reject(msg, statusOutOfResources), nil, nil
	}

	path := handle.Path(inst.SOPInstanceUID + ".dcm")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		kind := adapterrrors.Classify(err)
		h.Logger.ErrorContext(ctx, "C-STORE write to staging failed", "error", err, "kind", kind.Kind, "path", path)
		return h.reject(msg, statusOutOfResources), nil, nil
	}
	inst.FilePath = path

	h.Bus.Publish(ctx, inst)

	response := &types.Message{
		CommandField:              types.CStoreRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       msg.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    msg.AffectedSOPInstanceUID,
		CommandDataSetType:        0x0101,
		Status:                    types.StatusSuccess,
	}

	h.Logger.InfoContext(ctx, "stored instance",
		"sop_instance_uid", inst.SOPInstanceUID,
		"calling_ae", inst.CallingAE,
		"called_ae", inst.CalledAE)

	return response, nil, nil
}

func (h *Handler) reject(msg *types.Message, status uint16) *types.Message {
	return &types.Message{
		CommandField:              types.CStoreRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       msg.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    msg.AffectedSOPInstanceUID,
		CommandDataSetType:        0x0101,
		Status:                    status,
	}
}
