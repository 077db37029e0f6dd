// Package ocr calls the external OCR validation service and decides when a
// failed validation may be retried.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/scangate/scangate/internal/model"
)

// ResultStatus is the validation verdict for one document's OCR payload.
type ResultStatus string

const (
	StatusSuccess  ResultStatus = "SUCCESS"
	StatusWarnings ResultStatus = "WARNINGS"
)

// Result is the OCR service's response for one document.
type Result struct {
	Status   ResultStatus `json:"status"`
	Warnings []string     `json:"warnings"`
}

// ServerSideError marks a 5xx or transport failure; eligible for bounded
// retry on later scan cycles.
type ServerSideError struct {
	Cause error
}

func (e *ServerSideError) Error() string { return fmt.Sprintf("ocr server-side failure: %v", e.Cause) }
func (e *ServerSideError) Unwrap() error { return e.Cause }

// ClientSideError marks a 4xx response; the OCR payload itself is bad and
// the envelope is rejected, never retried.
type ClientSideError struct {
	Status int
	Body   string
}

func (e *ClientSideError) Error() string {
	return fmt.Sprintf("ocr rejected the request (status %d): %s", e.Status, e.Body)
}

// IsServerSide reports whether err should be treated as retryable.
func IsServerSide(err error) bool {
	var s *ServerSideError
	return errors.As(err, &s)
}

// Client validates a document's OCR payload.
type Client interface {
	Validate(ctx context.Context, documentURL string, ocrData map[string]string, classification model.Classification, jurisdiction string) (Result, error)
}

// HTTPClient is the production Client.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient constructs an HTTPClient against baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type validateRequest struct {
	DocumentURL    string            `json:"document_url"`
	OcrData        map[string]string `json:"ocr_data"`
	Classification string            `json:"classification"`
	Jurisdiction   string            `json:"jurisdiction"`
}

func (c *HTTPClient) Validate(ctx context.Context, documentURL string, ocrData map[string]string, classification model.Classification, jurisdiction string) (Result, error) {
	body, err := json.Marshal(validateRequest{
		DocumentURL:    documentURL,
		OcrData:        ocrData,
		Classification: string(classification),
		Jurisdiction:   jurisdiction,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal ocr request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/validate", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build ocr request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, &ServerSideError{Cause: err}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	switch {
	case resp.StatusCode >= 500:
		return Result{}, &ServerSideError{Cause: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	case resp.StatusCode >= 400:
		return Result{}, &ClientSideError{Status: resp.StatusCode, Body: string(respBody)}
	}
	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return Result{}, &ServerSideError{Cause: fmt.Errorf("decode response: %w", err)}
	}
	return result, nil
}
