package model

import "time"

// MetadataType is the selector variant carried by InputMetadata.
type MetadataType int

const (
	MetadataUnknown MetadataType = iota
	MetadataDicomUID
	MetadataDicomPatientID
	MetadataAccessionNumber
)

func (t MetadataType) String() string {
	switch t {
	case MetadataDicomUID:
		return "DicomUid"
	case MetadataDicomPatientID:
		return "DicomPatientId"
	case MetadataAccessionNumber:
		return "AccessionNumber"
	default:
		return "Unknown"
	}
}

// ParseMetadataType maps the wire string (spec §6: "DICOM_UID",
// "DICOM_PATIENT_ID", "ACCESSION_NUMBER") onto MetadataType.
func ParseMetadataType(s string) MetadataType {
	switch s {
	case "DICOM_UID":
		return MetadataDicomUID
	case "DICOM_PATIENT_ID":
		return MetadataDicomPatientID
	case "ACCESSION_NUMBER":
		return MetadataAccessionNumber
	default:
		return MetadataUnknown
	}
}

// InputMetadata selects the data this request concerns, by one of three
// variants. Exactly one of the selector fields is populated, per Type.
type InputMetadata struct {
	Type              MetadataType
	StudyInstanceUIDs []string
	PatientID         string
	AccessionNumbers  []string
}

// ResourceInterface identifies what kind of endpoint a Resource describes.
type ResourceInterface int

const (
	InterfaceUnknown ResourceInterface = iota
	InterfaceAlgorithm
	InterfaceDIMSE
	InterfaceDICOMweb
)

func (i ResourceInterface) String() string {
	switch i {
	case InterfaceAlgorithm:
		return "Algorithm"
	case InterfaceDIMSE:
		return "DIMSE"
	case InterfaceDICOMweb:
		return "DICOMweb"
	default:
		return "Unknown"
	}
}

// ParseResourceInterface maps the wire string onto ResourceInterface.
func ParseResourceInterface(s string) ResourceInterface {
	switch s {
	case "Algorithm":
		return InterfaceAlgorithm
	case "DIMSE":
		return InterfaceDIMSE
	case "DICOMweb":
		return InterfaceDICOMweb
	default:
		return InterfaceUnknown
	}
}

// AuthType is the authentication scheme a DICOMweb resource requires.
type AuthType int

const (
	AuthNone AuthType = iota
	AuthBasic
	AuthBearer
)

func ParseAuthType(s string) AuthType {
	switch s {
	case "Basic":
		return AuthBasic
	case "Bearer":
		return AuthBearer
	default:
		return AuthNone
	}
}

// ConnectionDetails carries the interface-specific fields a Resource needs.
// Only the fields relevant to Interface are populated by callers; the rest
// are zero.
type ConnectionDetails struct {
	// Algorithm
	PipelineID string

	// DIMSE
	AETitle string
	Host    string
	Port    int

	// DICOMweb
	URI      string
	AuthType AuthType
	AuthID   string
}

// Resource is one entry of inputResources/outputResources.
type Resource struct {
	Interface          ResourceInterface
	ConnectionDetails ConnectionDetails
}

// RequestState is the Inference Request's lifecycle state. It is
// monotonically non-decreasing along Queued < InProcess < Completed.
type RequestState int

const (
	StateQueued RequestState = iota
	StateInProcess
	StateCompleted
)

func (s RequestState) String() string {
	switch s {
	case StateInProcess:
		return "InProcess"
	case StateCompleted:
		return "Completed"
	default:
		return "Queued"
	}
}

// Advance reports whether moving from s to next respects monotonicity.
func (s RequestState) Advance(next RequestState) bool {
	return next >= s
}

// RequestStatus is the terminal outcome recorded alongside State.
type RequestStatus int

const (
	StatusUnknown RequestStatus = iota
	StatusSuccess
	StatusFail
)

func (s RequestStatus) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusFail:
		return "Fail"
	default:
		return "Unknown"
	}
}

// InferenceRequest is the durable record tracked by the Inference Request
// Store, spec §3. It is treated as an immutable value everywhere outside
// inferstore: a transition is expressed by producing a new value and
// persisting it with inferstore.Store.Update rather than mutating a shared
// pointer.
type InferenceRequest struct {
	InferenceRequestID string
	TransactionID       string
	Priority            byte
	InputMetadata       InputMetadata
	InputResources      []Resource
	OutputResources     []Resource

	State      RequestState
	Status     RequestStatus
	TryCount   int
	StoragePath string
	JobID       string
	PayloadID   string

	EnqueuedAt time.Time
	UpdatedAt  time.Time
}

// AlgorithmResource returns the single Algorithm-interface entry among
// InputResources, and ok=false if none is present (Validate guarantees
// exactly one exists for any request that reached the store).
func (r *InferenceRequest) AlgorithmResource() (Resource, bool) {
	for _, res := range r.InputResources {
		if res.Interface == InterfaceAlgorithm {
			return res, true
		}
	}
	return Resource{}, false
}

// DataResources returns InputResources in declared order, excluding the
// Algorithm entry — the order §4.G's Retrieve step iterates.
func (r *InferenceRequest) DataResources() []Resource {
	out := make([]Resource, 0, len(r.InputResources))
	for _, res := range r.InputResources {
		if res.Interface != InterfaceAlgorithm {
			out = append(out, res)
		}
	}
	return out
}

// InferenceRequestInput is the unvalidated, caller-supplied shape from
// spec §6 — what an external HTTP layer would decode the JSON request body
// into before calling inferstore.Store.Enqueue. Field names mirror the wire
// shape so JSON unmarshalling needs no renaming at the boundary.
type InferenceRequestInput struct {
	TransactionID   string              `json:"transactionID"`
	Priority        byte                `json:"priority"`
	InputMetadata   RawInputMetadata    `json:"inputMetadata"`
	InputResources  []RawResource       `json:"inputResources"`
	OutputResources []RawResource       `json:"outputResources"`
}

type RawInputMetadata struct {
	Details RawMetadataDetails `json:"details"`
}

type RawMetadataDetails struct {
	Type              string   `json:"type"`
	StudyInstanceUIDs []string `json:"studyInstanceUIDs,omitempty"`
	PatientID         string   `json:"patientID,omitempty"`
	AccessionNumbers  []string `json:"accessionNumbers,omitempty"`
}

type RawResource struct {
	Interface         string               `json:"interface"`
	ConnectionDetails RawConnectionDetails `json:"connectionDetails"`
}

type RawConnectionDetails struct {
	PipelineID string `json:"pipelineID,omitempty"`
	AETitle    string `json:"aeTitle,omitempty"`
	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`
	URI        string `json:"uri,omitempty"`
	AuthType   string `json:"authType,omitempty"`
	AuthID     string `json:"authID,omitempty"`
}
