package retrieval

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/clarapipe/dicom-adapter/dicom"
	"github.com/clarapipe/dicom-adapter/interfaces"
	"github.com/clarapipe/dicom-adapter/types"
)

var tagSOPInstanceUID = dicom.Tag{Group: 0x0008, Element: 0x0018}

// receiver is a one-shot C-STORE SCP: it accepts the instances a remote SCP
// pushes in response to a C-MOVE, writes each directly into dir, and records
// the SOP instance UIDs it has seen. It deliberately ignores every DIMSE
// operation besides C-STORE — the only verb a move destination ever sees.
type receiver struct {
	dir    string
	logger *slog.Logger

	mu   sync.Mutex
	uids []string
}

func newReceiver(dir string, logger *slog.Logger) *receiver {
	return &receiver{dir: dir, logger: logger}
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.uids)
}

func (r *receiver) uidsSnapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.uids))
	copy(out, r.uids)
	return out
}

func (r *receiver) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	if msg.CommandField != types.CStoreRQ {
		return r.reject(msg), nil, nil
	}

	dataset, err := dicom.ParseDatasetWithTransferSyntax(data, meta.TransferSyntaxUID)
	if err != nil {
		r.logger.WarnContext(ctx, "retrieval: receiver failed to parse pushed instance", "error", err)
		return r.reject(msg), nil, nil
	}

	sopInstanceUID := dataset.GetString(tagSOPInstanceUID)
	if sopInstanceUID == "" {
		sopInstanceUID = msg.AffectedSOPInstanceUID
	}
	if sopInstanceUID == "" {
		return r.reject(msg), nil, nil
	}

	path := filepath.Join(r.dir, sopInstanceUID+".dcm")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		r.logger.ErrorContext(ctx, "retrieval: receiver failed to write pushed instance", "error", err, "path", path)
		return r.reject(msg), nil, nil
	}

	r.mu.Lock()
	r.uids = append(r.uids, sopInstanceUID)
	r.mu.Unlock()

	return &types.Message{
		CommandField:              types.CStoreRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       msg.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    msg.AffectedSOPInstanceUID,
		CommandDataSetType:        0x0101,
		Status:                    types.StatusSuccess,
	}, nil, nil
}

func (r *receiver) reject(msg *types.Message) *types.Message {
	return &types.Message{
		CommandField:              types.CStoreRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       msg.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    msg.AffectedSOPInstanceUID,
		CommandDataSetType:        0x0101,
		Status:                    types.StatusFailure,
	}
}

// receiverIdlePoll is how often Retrieve checks whether the receiver has
// caught up with the suboperation count the remote reported as completed.
const receiverIdlePoll = 50 * time.Millisecond
