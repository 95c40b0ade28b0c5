package client

import (
	"fmt"

	"github.com/clarapipe/dicom-adapter/dicom"
	"github.com/clarapipe/dicom-adapter/dimse"
	"github.com/clarapipe/dicom-adapter/types"
)

// CMoveRequest encapsulates the information required to perform a C-MOVE
// operation. Destination is the AE title the SCP should push matching
// instances to; it is not necessarily the AE title of this association.
type CMoveRequest struct {
	SOPClassUID string
	MessageID   uint16
	Priority    uint16
	Destination string
	Dataset     *dicom.Dataset
}

// CMoveResponse represents a single C-MOVE response from the SCP.
type CMoveResponse struct {
	Status                         uint16
	MessageID                      uint16
	NumberOfRemainingSuboperations *uint16
	NumberOfCompletedSuboperations *uint16
	NumberOfFailedSuboperations    *uint16
	NumberOfWarningSuboperations   *uint16
}

// SendCMove performs a DICOM C-MOVE operation. The SCP retrieves matching
// instances and pushes them via C-STORE to req.Destination on a separate
// association it initiates; this association only carries C-MOVE-RSP
// progress and final-status messages.
func (a *Association) SendCMove(req *CMoveRequest) ([]*CMoveResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("c-move request cannot be nil")
	}

	if req.Dataset == nil {
		return nil, fmt.Errorf("c-move request requires a dataset")
	}

	if req.Destination == "" {
		return nil, fmt.Errorf("c-move request requires a destination AE title")
	}

	sopClass := req.SOPClassUID
	if sopClass == "" {
		sopClass = types.StudyRootQueryRetrieveInformationModelMove
	}

	messageID := req.MessageID
	if messageID == 0 {
		messageID = 1
	}

	priority := req.Priority
	if priority == 0 {
		priority = 0x0000 // Medium priority per DICOM PS3.7
	}

	presContextID, err := a.GetPresentationContextID(sopClass)
	if err != nil {
		return nil, err
	}

	datasetBytes := req.Dataset.EncodeDataset()

	command := &types.Message{
		CommandField:        dimse.CMoveRQ,
		MessageID:           messageID,
		Priority:            priority,
		AffectedSOPClassUID: sopClass,
		MoveDestination:     req.Destination,
		CommandDataSetType:  0x0000, // Dataset present
	}

	commandData, err := dimse.EncodeCommand(command)
	if err != nil {
		return nil, fmt.Errorf("failed to encode C-MOVE command: %w", err)
	}

	if err := dimse.SendDIMSEMessage(a.conn, presContextID, a.maxPDULength, commandData, datasetBytes); err != nil {
		return nil, fmt.Errorf("failed to send C-MOVE request: %w", err)
	}

	var responses []*CMoveResponse

	for {
		responseCmd, _, err := dimse.ReceiveDIMSEMessage(a.conn)
		if err != nil {
			return responses, fmt.Errorf("failed to receive C-MOVE response: %w", err)
		}

		if responseCmd.CommandField != dimse.CMoveRSP {
			return responses, fmt.Errorf("unexpected response command: 0x%04X (expected C-MOVE-RSP)", responseCmd.CommandField)
		}

		response := &CMoveResponse{
			Status:                         responseCmd.Status,
			MessageID:                      responseCmd.MessageIDBeingRespondedTo,
			NumberOfRemainingSuboperations: responseCmd.NumberOfRemainingSuboperations,
			NumberOfCompletedSuboperations: responseCmd.NumberOfCompletedSuboperations,
			NumberOfFailedSuboperations:    responseCmd.NumberOfFailedSuboperations,
			NumberOfWarningSuboperations:   responseCmd.NumberOfWarningSuboperations,
		}

		responses = append(responses, response)

		if responseCmd.Status != dimse.StatusPending {
			break
		}
	}

	return responses, nil
}
