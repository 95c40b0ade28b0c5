package ingest

import (
	"context"
	"os"
	"testing"

	"github.com/clarapipe/dicom-adapter/dicom"
	"github.com/clarapipe/dicom-adapter/interfaces"
	"github.com/clarapipe/dicom-adapter/model"
	"github.com/clarapipe/dicom-adapter/notifier"
	"github.com/clarapipe/dicom-adapter/staging"
	"github.com/clarapipe/dicom-adapter/types"
)

func encodedInstance(t *testing.T, sopInstanceUID, studyUID string) []byte {
	t.Helper()
	ds := dicom.NewDataset()
	ds.AddElement(dicom.Tag{Group: 0x0008, Element: 0x0018}, dicom.VR_UI, sopInstanceUID)
	ds.AddElement(dicom.Tag{Group: 0x0020, Element: 0x000D}, dicom.VR_UI, studyUID)
	ds.AddElement(dicom.Tag{Group: 0x0020, Element: 0x000E}, dicom.VR_UI, "series-1")
	ds.AddElement(dicom.Tag{Group: 0x0010, Element: 0x0020}, dicom.VR_LO, "patient-1")
	data, err := dicom.EncodeDatasetWithTransferSyntax(ds, dicom.TransferSyntaxExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("encode dataset: %v", err)
	}
	return data
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	root := t.TempDir()
	store := staging.New(root, 0, 0, nil)
	return New(store, notifier.New(nil), nil)
}

func TestHandleDIMSEStoresAndPublishes(t *testing.T) {
	h := newTestHandler(t)
	var received []model.Instance
	h.Bus.Subscribe(notifier.ObserverFunc(func(ctx context.Context, inst model.Instance) {
		received = append(received, inst)
	}))

	data := encodedInstance(t, "sop-1", "study-1")
	msg := &types.Message{
		CommandField:           types.CStoreRQ,
		MessageID:              1,
		AffectedSOPClassUID:    "1.2.840.10008.5.1.4.1.1.2",
		AffectedSOPInstanceUID: "sop-1",
	}
	meta := interfaces.MessageContext{
		TransferSyntaxUID: dicom.TransferSyntaxExplicitVRLittleEndian,
		CallingAE:         "PACS1",
		CalledAE:          "CLARA1",
	}

	resp, _, err := h.HandleDIMSE(context.Background(), msg, data, meta)
	if err != nil {
		t.Fatalf("HandleDIMSE returned error: %v", err)
	}
	if resp.Status != types.StatusSuccess {
		t.Fatalf("Status = 0x%04X, want success", resp.Status)
	}
	if resp.CommandField != types.CStoreRSP {
		t.Fatalf("CommandField = 0x%04X, want CStoreRSP", resp.CommandField)
	}

	if len(received) != 1 {
		t.Fatalf("expected 1 published instance, got %d", len(received))
	}
	inst := received[0]
	if inst.SOPInstanceUID != "sop-1" || inst.StudyInstanceUID != "study-1" {
		t.Errorf("unexpected instance: %+v", inst)
	}
	if inst.CallingAE != "PACS1" || inst.CalledAE != "CLARA1" {
		t.Errorf("unexpected AE titles: %+v", inst)
	}

	if _, err := os.Stat(inst.FilePath); err != nil {
		t.Errorf("expected staged file at %s: %v", inst.FilePath, err)
	}
}

func TestHandleDIMSERejectsMissingSOPInstanceUID(t *testing.T) {
	h := newTestHandler(t)

	ds := dicom.NewDataset()
	data, err := dicom.EncodeDatasetWithTransferSyntax(ds, dicom.TransferSyntaxExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("encode dataset: %v", err)
	}

	msg := &types.Message{CommandField: types.CStoreRQ, MessageID: 2}
	meta := interfaces.MessageContext{TransferSyntaxUID: dicom.TransferSyntaxExplicitVRLittleEndian, CallingAE: "PACS1", CalledAE: "CLARA1"}

	resp, _, err := h.HandleDIMSE(context.Background(), msg, data, meta)
	if err != nil {
		t.Fatalf("HandleDIMSE returned error: %v", err)
	}
	if resp.Status != types.StatusFailure {
		t.Fatalf("Status = 0x%04X, want failure", resp.Status)
	}
}

func TestHandleDIMSERejectsWhenStagingFull(t *testing.T) {
	root := t.TempDir()
	store := staging.New(root, 0, 1, nil) // any non-zero usage exceeds a 1-byte high-water mark
	bus := notifier.New(nil)
	h := New(store, bus, nil)

	data := encodedInstance(t, "sop-2", "study-2")
	msg := &types.Message{CommandField: types.CStoreRQ, MessageID: 3, AffectedSOPInstanceUID: "sop-2"}
	meta := interfaces.MessageContext{TransferSyntaxUID: dicom.TransferSyntaxExplicitVRLittleEndian, CallingAE: "PACS1", CalledAE: "CLARA1"}

	resp, _, err := h.HandleDIMSE(context.Background(), msg, data, meta)
	if err != nil {
		t.Fatalf("HandleDIMSE returned error: %v", err)
	}
	if resp.Status != statusOutOfResources {
		t.Fatalf("Status = 0x%04X, want out-of-resources", resp.Status)
	}
}

func TestScopeForIsStableAndDistinct(t *testing.T) {
	a := ScopeFor("PACS1", "CLARA1")
	b := ScopeFor("PACS2", "CLARA1")
	if a == b {
		t.Fatalf("expected distinct scopes for distinct calling AEs")
	}
	if ScopeFor("PACS1", "CLARA1") != a {
		t.Fatalf("expected ScopeFor to be deterministic")
	}
}
