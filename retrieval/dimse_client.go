package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/clarapipe/dicom-adapter/client"
	"github.com/clarapipe/dicom-adapter/dicom"
	adapterrrors "github.com/clarapipe/dicom-adapter/errors"
	"github.com/clarapipe/dicom-adapter/model"
	"github.com/clarapipe/dicom-adapter/server"
	"github.com/clarapipe/dicom-adapter/types"
)

var (
	dimseTagStudyInstanceUID   = dicom.Tag{Group: 0x0020, Element: 0x000D}
	dimseTagPatientID          = dicom.Tag{Group: 0x0010, Element: 0x0020}
	dimseTagAccessionNumber    = dicom.Tag{Group: 0x0008, Element: 0x0050}
	dimseTagQueryRetrieveLevel = dicom.Tag{Group: 0x0008, Element: 0x0052}
)

// DimseClient retrieves instances from a remote Query/Retrieve SCP by
// issuing C-FIND to resolve matches, then C-MOVE to have the remote push
// them back to this adapter's own AE title. The remote must already have
// LocalAETitle/ListenAddress registered in its own AE table — C-MOVE names a
// destination AE, it never carries a callback address.
type DimseClient struct {
	CallingAETitle string
	LocalAETitle   string
	ListenAddress  string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// PushTimeout bounds how long Retrieve waits, after the C-MOVE
	// completes, for the receiver to catch up with the reported completed
	// suboperation count.
	PushTimeout time.Duration

	Logger *slog.Logger
}

// Retrieve implements Client for a DIMSE resource.
func (c *DimseClient) Retrieve(ctx context.Context, resource model.Resource, metadata model.InputMetadata, destDir string) (Result, error) {
	if resource.Interface != model.InterfaceDIMSE {
		return Result{}, &adapterrrors.KindError{Kind: adapterrrors.KindValidationFailed, Err: fmt.Errorf("retrieval: DimseClient given a non-DIMSE resource")}
	}

	logger := c.logger()
	recv := newReceiver(destDir, logger)

	listener, err := net.Listen("tcp", c.ListenAddress)
	if err != nil {
		return Result{}, &adapterrrors.KindError{Kind: adapterrrors.KindTransientIO, Err: fmt.Errorf("retrieval: listen for move destination: %w", err)}
	}

	srv := server.New(c.LocalAETitle, recv, server.WithMaxAssociations(1), server.WithLogger(logger))
	serveCtx, cancelServe := context.WithCancel(ctx)
	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- srv.Serve(serveCtx, listener)
	}()
	defer func() {
		cancelServe()
		<-serveErrCh
	}()

	address := fmt.Sprintf("%s:%d", resource.ConnectionDetails.Host, resource.ConnectionDetails.Port)
	assoc, err := client.Connect(address, client.Config{
		CallingAETitle: c.CallingAETitle,
		CalledAETitle:  resource.ConnectionDetails.AETitle,
		ConnectTimeout: c.dialTimeout(),
		ReadTimeout:    c.readTimeout(),
		WriteTimeout:   c.writeTimeout(),
		Logger:         logger,
	})
	if err != nil {
		return Result{}, &adapterrrors.KindError{Kind: adapterrrors.KindTransientRemote, Err: fmt.Errorf("retrieval: connect to %s: %w", address, err)}
	}
	defer assoc.Close()

	query := buildQueryDataset(metadata)

	findReq := &client.CFindRequest{Dataset: query}
	findResponses, err := assoc.SendCFind(findReq)
	if err != nil {
		return Result{}, &adapterrrors.KindError{Kind: adapterrrors.KindTransientRemote, Err: fmt.Errorf("retrieval: C-FIND: %w", err)}
	}
	matches := countFindMatches(findResponses)
	if matches == 0 {
		return Result{}, &adapterrrors.KindError{Kind: adapterrrors.KindPermanentRemote, Err: fmt.Errorf("retrieval: C-FIND matched no studies for the requested selector")}
	}
	logger.InfoContext(ctx, "retrieval: C-FIND resolved matches", "count", matches)

	const moveSOPClassUID = types.StudyRootQueryRetrieveInformationModelMove
	const moveMessageID = uint16(1)
	moveReq := &client.CMoveRequest{
		SOPClassUID: moveSOPClassUID,
		MessageID:   moveMessageID,
		Destination: c.LocalAETitle,
		Dataset:     query,
	}
	responses, err := assoc.SendCMove(moveReq)
	if err != nil {
		return Result{}, &adapterrrors.KindError{Kind: adapterrrors.KindTransientRemote, Err: fmt.Errorf("retrieval: C-MOVE: %w", err)}
	}
	if len(responses) == 0 {
		return Result{}, &adapterrrors.KindError{Kind: adapterrrors.KindTransientRemote, Err: fmt.Errorf("retrieval: C-MOVE returned no responses")}
	}

	final := responses[len(responses)-1]
	if final.Status != types.StatusSuccess {
		return Result{}, &adapterrrors.KindError{Kind: adapterrrors.KindPermanentRemote, Err: fmt.Errorf("retrieval: C-MOVE failed with status 0x%04X", final.Status)}
	}

	expected := 0
	if final.NumberOfCompletedSuboperations != nil {
		expected = int(*final.NumberOfCompletedSuboperations)
	}

	if err := c.waitForPushes(ctx, assoc, recv, expected, moveMessageID, moveSOPClassUID); err != nil {
		return Result{}, err
	}

	return Result{SOPInstanceUIDs: recv.uidsSnapshot()}, nil
}

// waitForPushes blocks until the receiver has written at least expected
// files, ctx is cancelled, or PushTimeout elapses. C-STORE sub-operations
// for a completed C-MOVE are expected to have already landed by the time
// the final C-MOVE-RSP is read, so this is normally a no-op poll. On
// cancellation it best-effort C-CANCELs the outstanding C-MOVE on the
// remote before returning, per spec §5's "cancelling an inference request
// propagates to the Retrieval Client" — the remote may already be done
// pushing, so a cancel failure here is logged, not treated as fatal.
func (c *DimseClient) waitForPushes(ctx context.Context, assoc *client.Association, recv *receiver, expected int, moveMessageID uint16, moveSOPClassUID string) error {
	if expected == 0 {
		return nil
	}

	deadline := time.Now().Add(c.pushTimeout())
	ticker := time.NewTicker(receiverIdlePoll)
	defer ticker.Stop()

	for {
		if recv.count() >= expected {
			return nil
		}
		if time.Now().After(deadline) {
			return &adapterrrors.KindError{Kind: adapterrrors.KindTransientRemote, Err: fmt.Errorf("retrieval: only %d/%d pushed instances arrived before timeout", recv.count(), expected)}
		}
		select {
		case <-ctx.Done():
			if cancelErr := assoc.SendCCancel(moveMessageID, moveSOPClassUID); cancelErr != nil {
				c.logger().WarnContext(context.Background(), "retrieval: C-CANCEL of in-flight C-MOVE failed", "error", cancelErr)
			}
			return &adapterrrors.KindError{Kind: adapterrrors.KindCancelled, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// buildQueryDataset renders metadata into a study-level C-FIND/C-MOVE
// identifier. Multiple selector values (several study UIDs or accession
// numbers) are joined with the DICOM value-multiplicity backslash
// separator, matched by any compliant Q/R SCP.
func buildQueryDataset(metadata model.InputMetadata) *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.AddElement(dimseTagQueryRetrieveLevel, dicom.VR_CS, "STUDY")

	switch metadata.Type {
	case model.MetadataDicomUID:
		ds.AddElement(dimseTagStudyInstanceUID, dicom.VR_UI, joinValues(metadata.StudyInstanceUIDs))
	case model.MetadataDicomPatientID:
		ds.AddElement(dimseTagPatientID, dicom.VR_LO, metadata.PatientID)
	case model.MetadataAccessionNumber:
		ds.AddElement(dimseTagAccessionNumber, dicom.VR_SH, joinValues(metadata.AccessionNumbers))
	}

	return ds
}

// countFindMatches counts the pending C-FIND responses that carried an
// identifier, i.e. the number of studies the remote reports as matching
// before C-MOVE is attempted.
func countFindMatches(responses []*client.CFindResponse) int {
	n := 0
	for _, r := range responses {
		if r.Status == types.StatusPending && r.Dataset != nil {
			n++
		}
	}
	return n
}

func joinValues(values []string) string {
	out := ""
	for i, v := range values {
		if i > 0 {
			out += "\\"
		}
		out += v
	}
	return out
}

func (c *DimseClient) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return 30 * time.Second
}

func (c *DimseClient) readTimeout() time.Duration {
	if c.ReadTimeout > 0 {
		return c.ReadTimeout
	}
	return 10 * time.Minute
}

func (c *DimseClient) writeTimeout() time.Duration {
	if c.WriteTimeout > 0 {
		return c.WriteTimeout
	}
	return 60 * time.Second
}

func (c *DimseClient) pushTimeout() time.Duration {
	if c.PushTimeout > 0 {
		return c.PushTimeout
	}
	return 10 * time.Minute
}

func (c *DimseClient) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
