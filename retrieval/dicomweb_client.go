package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/clarapipe/dicom-adapter/dicom"
	adapterrrors "github.com/clarapipe/dicom-adapter/errors"
	"github.com/clarapipe/dicom-adapter/model"
)

const (
	dicomWebStudyInstanceUIDTag = "0020000D"
	dicomContentType            = "application/dicom"
)

// DicomWebClient retrieves instances over QIDO-RS (to resolve a patient id
// or accession number to study instance UIDs) and WADO-RS (to fetch the
// studies themselves), per spec §4.I.
type DicomWebClient struct {
	HTTP *http.Client
}

// NewDicomWebClient builds a DicomWebClient with an otelhttp-instrumented
// default HTTP client, matching the platform package's outbound transport.
func NewDicomWebClient() *DicomWebClient {
	return &DicomWebClient{
		HTTP: &http.Client{
			Timeout:   2 * time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Retrieve implements Client for a DICOMweb resource.
func (c *DicomWebClient) Retrieve(ctx context.Context, resource model.Resource, metadata model.InputMetadata, destDir string) (Result, error) {
	if resource.Interface != model.InterfaceDICOMweb {
		return Result{}, &adapterrrors.KindError{Kind: adapterrrors.KindValidationFailed, Err: fmt.Errorf("retrieval: DicomWebClient given a non-DICOMweb resource")}
	}

	baseURL := strings.TrimRight(resource.ConnectionDetails.URI, "/")
	if baseURL == "" {
		return Result{}, &adapterrrors.KindError{Kind: adapterrrors.KindValidationFailed, Err: fmt.Errorf("retrieval: DICOMweb resource missing URI")}
	}

	studyUIDs, err := c.resolveStudyUIDs(ctx, baseURL, resource, metadata)
	if err != nil {
		return Result{}, err
	}

	var uids []string
	for _, studyUID := range studyUIDs {
		got, err := c.fetchStudy(ctx, baseURL, resource, studyUID, destDir)
		if err != nil {
			return Result{}, err
		}
		uids = append(uids, got...)
	}

	return Result{SOPInstanceUIDs: uids}, nil
}

// resolveStudyUIDs returns the study instance UIDs to retrieve: the
// metadata's own list when the selector is already DICOM_UID, otherwise a
// QIDO-RS query by patient id or accession number.
func (c *DicomWebClient) resolveStudyUIDs(ctx context.Context, baseURL string, resource model.Resource, metadata model.InputMetadata) ([]string, error) {
	if metadata.Type == model.MetadataDicomUID {
		return metadata.StudyInstanceUIDs, nil
	}

	query := url.Values{}
	switch metadata.Type {
	case model.MetadataDicomPatientID:
		query.Set("PatientID", metadata.PatientID)
	case model.MetadataAccessionNumber:
		if len(metadata.AccessionNumbers) == 0 {
			return nil, &adapterrrors.KindError{Kind: adapterrrors.KindValidationFailed, Err: fmt.Errorf("retrieval: accession-number selector with no values")}
		}
		query.Set("AccessionNumber", strings.Join(metadata.AccessionNumbers, "\\"))
	default:
		return nil, &adapterrrors.KindError{Kind: adapterrrors.KindValidationFailed, Err: fmt.Errorf("retrieval: unsupported metadata selector %v", metadata.Type)}
	}

	qidoURL := baseURL + "/studies?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, qidoURL, nil)
	if err != nil {
		return nil, &adapterrrors.KindError{Kind: adapterrrors.KindPermanentRemote, Err: err}
	}
	req.Header.Set("Accept", "application/dicom+json")
	c.setAuth(req, resource)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &adapterrrors.KindError{Kind: adapterrrors.KindTransientRemote, Err: fmt.Errorf("retrieval: QIDO-RS request: %w", err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return nil, classifyHTTPStatus(resp.StatusCode, fmt.Errorf("retrieval: QIDO-RS returned %d: %s", resp.StatusCode, body))
	}

	var results []qidoResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, &adapterrrors.KindError{Kind: adapterrrors.KindPermanentRemote, Err: fmt.Errorf("retrieval: decode QIDO-RS response: %w", err)}
	}

	seen := make(map[string]struct{})
	var uids []string
	for _, result := range results {
		uid := result.stringValue(dicomWebStudyInstanceUIDTag)
		if uid == "" {
			continue
		}
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		uids = append(uids, uid)
	}

	return uids, nil
}

// fetchStudy performs WADO-RS retrieval of an entire study and writes each
// returned instance into destDir, returning the SOP instance UIDs found.
func (c *DicomWebClient) fetchStudy(ctx context.Context, baseURL string, resource model.Resource, studyUID, destDir string) ([]string, error) {
	wadoURL := baseURL + "/studies/" + url.PathEscape(studyUID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wadoURL, nil)
	if err != nil {
		return nil, &adapterrrors.KindError{Kind: adapterrrors.KindPermanentRemote, Err: err}
	}
	req.Header.Set("Accept", `multipart/related; type="application/dicom"`)
	c.setAuth(req, resource)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &adapterrrors.KindError{Kind: adapterrrors.KindTransientRemote, Err: fmt.Errorf("retrieval: WADO-RS request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(resp.Body)
		return nil, classifyHTTPStatus(resp.StatusCode, fmt.Errorf("retrieval: WADO-RS returned %d: %s", resp.StatusCode, body))
	}

	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, &adapterrrors.KindError{Kind: adapterrrors.KindPermanentRemote, Err: fmt.Errorf("retrieval: WADO-RS response missing multipart boundary: %w", err)}
	}

	reader := multipart.NewReader(resp.Body, params["boundary"])
	var uids []string
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &adapterrrors.KindError{Kind: adapterrrors.KindTransientRemote, Err: fmt.Errorf("retrieval: read WADO-RS part: %w", err)}
		}

		data, err := io.ReadAll(part)
		if err != nil {
			return nil, &adapterrrors.KindError{Kind: adapterrrors.KindTransientRemote, Err: fmt.Errorf("retrieval: read WADO-RS part body: %w", err)}
		}

		uid, err := writeWadoPart(destDir, data)
		if err != nil {
			return nil, &adapterrrors.KindError{Kind: adapterrrors.KindTransientIO, Err: err}
		}
		if uid != "" {
			uids = append(uids, uid)
		}
	}

	return uids, nil
}

func writeWadoPart(destDir string, data []byte) (string, error) {
	datasetBytes := data
	if dicom.HasPart10Header(data) {
		stripped, err := dicom.StripPart10Header(data)
		if err == nil {
			datasetBytes = stripped
		}
	}

	dataset, err := dicom.ParseDataset(datasetBytes)
	if err != nil {
		return "", fmt.Errorf("retrieval: parse WADO-RS instance: %w", err)
	}

	sopInstanceUID := dataset.GetString(tagSOPInstanceUID)
	if sopInstanceUID == "" {
		return "", fmt.Errorf("retrieval: WADO-RS instance missing SOPInstanceUID")
	}

	if err := os.WriteFile(filepath.Join(destDir, sopInstanceUID+".dcm"), data, 0o644); err != nil {
		return "", fmt.Errorf("retrieval: write WADO-RS instance: %w", err)
	}

	return sopInstanceUID, nil
}

func (c *DicomWebClient) setAuth(req *http.Request, resource model.Resource) {
	details := resource.ConnectionDetails
	switch details.AuthType {
	case model.AuthBasic:
		req.Header.Set("Authorization", "Basic "+details.AuthID)
	case model.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+details.AuthID)
	}
}

// qidoAttribute is one tag's value in the DICOM JSON model (PS3.18 Annex F).
type qidoAttribute struct {
	VR    string        `json:"vr"`
	Value []interface{} `json:"Value,omitempty"`
}

type qidoResult map[string]qidoAttribute

func (r qidoResult) stringValue(tag string) string {
	attr, ok := r[tag]
	if !ok || len(attr.Value) == 0 {
		return ""
	}
	s, _ := attr.Value[0].(string)
	return s
}

// classifyHTTPStatus maps a non-2xx DICOMweb response onto the adapter's
// error taxonomy: 5xx and 429 are retryable, everything else is permanent.
func classifyHTTPStatus(status int, err error) error {
	if status >= 500 || status == http.StatusTooManyRequests {
		return &adapterrrors.KindError{Kind: adapterrrors.KindTransientRemote, Err: err}
	}
	return &adapterrrors.KindError{Kind: adapterrrors.KindPermanentRemote, Err: err}
}
