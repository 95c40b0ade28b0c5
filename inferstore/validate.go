package inferstore

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/clarapipe/dicom-adapter/model"
)

// Validate implements every rule in spec §4.F verbatim and returns one
// human-readable message per violated rule (empty when input is valid).
// Per the spec's flagged Open Question, more than one Algorithm resource is
// itself a violation rather than "first match wins".
func Validate(input model.InferenceRequestInput) []string {
	var problems []string

	if strings.TrimSpace(input.TransactionID) == "" {
		problems = append(problems, "transaction_id must not be empty")
	}

	algorithmCount := 0
	dataResourceCount := 0
	for i, res := range input.InputResources {
		switch model.ParseResourceInterface(res.Interface) {
		case model.InterfaceAlgorithm:
			algorithmCount++
		case model.InterfaceDIMSE:
			dataResourceCount++
			problems = append(problems, validateDIMSEResource(i, res.ConnectionDetails)...)
		case model.InterfaceDICOMweb:
			dataResourceCount++
			problems = append(problems, validateDICOMwebResource(i, res.ConnectionDetails)...)
		default:
			problems = append(problems, unknownInterfaceMessage(i, res.Interface))
		}
	}

	switch {
	case algorithmCount == 0:
		problems = append(problems, "exactly one Algorithm input resource is required, found none")
	case algorithmCount > 1:
		problems = append(problems, "exactly one Algorithm input resource is required, found more than one")
	}

	if dataResourceCount == 0 {
		problems = append(problems, "at least one non-Algorithm input resource is required")
	}

	problems = append(problems, validateMetadata(input.InputMetadata.Details)...)

	return problems
}

func validateMetadata(details model.RawMetadataDetails) []string {
	var problems []string

	switch model.ParseMetadataType(details.Type) {
	case model.MetadataDicomUID:
		if len(details.StudyInstanceUIDs) == 0 {
			problems = append(problems, "inputMetadata.details.studyInstanceUIDs must be non-empty for type DICOM_UID")
		}
	case model.MetadataDicomPatientID:
		if strings.TrimSpace(details.PatientID) == "" {
			problems = append(problems, "inputMetadata.details.patientID must be non-empty for type DICOM_PATIENT_ID")
		}
	case model.MetadataAccessionNumber:
		if len(details.AccessionNumbers) == 0 {
			problems = append(problems, "inputMetadata.details.accessionNumbers must be non-empty for type ACCESSION_NUMBER")
		}
	default:
		problems = append(problems, "inputMetadata.details.type must be one of DICOM_UID, DICOM_PATIENT_ID, ACCESSION_NUMBER")
	}

	return problems
}

func validateDIMSEResource(index int, details model.RawConnectionDetails) []string {
	var problems []string
	if strings.TrimSpace(details.AETitle) == "" {
		problems = append(problems, resourceMessage(index, "DIMSE resource requires a non-empty aeTitle"))
	}
	if strings.TrimSpace(details.Host) == "" {
		problems = append(problems, resourceMessage(index, "DIMSE resource requires a non-empty host"))
	}
	if details.Port <= 0 || details.Port > 65535 {
		problems = append(problems, resourceMessage(index, "DIMSE resource requires a valid port"))
	}
	return problems
}

func validateDICOMwebResource(index int, details model.RawConnectionDetails) []string {
	var problems []string

	u, err := url.Parse(details.URI)
	if err != nil || !u.IsAbs() || u.Host == "" {
		problems = append(problems, resourceMessage(index, "DICOMweb resource requires an absolute, well-formed uri"))
	}

	authType := model.ParseAuthType(details.AuthType)
	if authType != model.AuthNone && strings.TrimSpace(details.AuthID) == "" {
		problems = append(problems, resourceMessage(index, "DICOMweb resource with authType set requires a non-empty authID"))
	}

	return problems
}

func unknownInterfaceMessage(index int, raw string) string {
	return resourceMessage(index, "unrecognized interface \""+raw+"\", must be one of Algorithm, DIMSE, DICOMweb")
}

func resourceMessage(index int, msg string) string {
	return "inputResources[" + strconv.Itoa(index) + "]: " + msg
}
