package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPClient is the default platform.Client: a REST caller against a
// configurable base URL, instrumented with otelhttp so every outbound call
// carries a trace span (spec §6 "a reasonable stand-in for the adapter does
// not define these; it consumes them").
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHTTPClient builds an HTTPClient. A nil httpClient gets a default
// otelhttp-wrapped client with a 30s timeout.
func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &HTTPClient{BaseURL: baseURL, HTTP: httpClient}
}

type createJobRequest struct {
	PipelineID string            `json:"pipeline_id"`
	JobName    string            `json:"job_name"`
	Priority   int               `json:"priority"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type createJobResponse struct {
	JobID string `json:"job_id"`
}

func (c *HTTPClient) CreateJob(ctx context.Context, pipelineID, jobName string, priority int, metadata map[string]string) (string, error) {
	body, err := json.Marshal(createJobRequest{PipelineID: pipelineID, JobName: jobName, Priority: priority, Metadata: metadata})
	if err != nil {
		return "", fmt.Errorf("platform: encode create-job request: %w", err)
	}

	var out createJobResponse
	if err := c.doJSON(ctx, http.MethodPost, "/jobs", bytes.NewReader(body), &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

type uploadPayloadResponse struct {
	PayloadID string `json:"payload_id"`
}

func (c *HTTPClient) UploadPayload(ctx context.Context, jobID, payloadDir string) (string, error) {
	entries, err := os.ReadDir(payloadDir)
	if err != nil {
		return "", fmt.Errorf("platform: read payload dir: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := attachFile(mw, filepath.Join(payloadDir, entry.Name()), entry.Name()); err != nil {
			return "", fmt.Errorf("platform: attach payload file %s: %w", entry.Name(), err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("platform: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/jobs/"+jobID+"/payload", &buf)
	if err != nil {
		return "", fmt.Errorf("platform: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var out uploadPayloadResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("platform: decode upload-payload response: %w", err)
	}
	return out.PayloadID, nil
}

func attachFile(mw *multipart.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

func (c *HTTPClient) StartJob(ctx context.Context, jobID string) error {
	return c.doJSON(ctx, http.MethodPost, "/jobs/"+jobID+"/start", nil, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("platform: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}
