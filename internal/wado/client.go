// Package wado retrieves DICOM instance bytes over WADO-RS.
package wado

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/otcheredev/mado-gateway/internal/config"
	"github.com/otcheredev/mado-gateway/pkg/dimse"
)

// ParseError reports a response body that could not be split into valid
// Part-10 blobs.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wado: %s: %v", e.Reason, e.Err)
	}
	return "wado: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// UpstreamError reports a non-2xx answer from the WADO-RS endpoint.
type UpstreamError struct {
	StatusCode int
	URL        string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("wado: upstream returned %d for %s", e.StatusCode, e.URL)
}

// Client downloads instances from a WADO-RS endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
}

// NewClient creates a WADO-RS client from upstream configuration.
func NewClient(cfg config.UpstreamConfig) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		httpClient: &http.Client{Transport: transport},
		baseURL:    strings.TrimRight(cfg.WADOBaseURL, "/"),
		timeout:    cfg.InstanceTimeout,
	}
}

// InstanceURL builds the canonical per-instance retrieval URL.
func (c *Client) InstanceURL(studyUID, seriesUID, sopUID string) string {
	return fmt.Sprintf("%s/studies/%s/series/%s/instances/%s", c.baseURL, studyUID, seriesUID, sopUID)
}

// RetrieveInstance fetches one instance URL and returns the Part-10 blobs
// the response carried. Multipart/related, application/zip and single
// application/dicom bodies are accepted; every blob is checked for the
// Part-10 magic before being returned.
func (c *Client) RetrieveInstance(ctx context.Context, instanceURL string) ([][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, instanceURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", `multipart/related; type="application/dicom"`)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wado: instance request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, &UpstreamError{StatusCode: resp.StatusCode, URL: instanceURL}
	}

	blobs, err := splitBody(resp.Header.Get("Content-Type"), resp.Body)
	if err != nil {
		return nil, err
	}
	if len(blobs) == 0 {
		return nil, &ParseError{Reason: "response carried no DICOM parts"}
	}

	for _, blob := range blobs {
		if !dimse.IsPart10(blob) {
			return nil, &ParseError{Reason: "part lacks the DICM magic at offset 128"}
		}
	}
	return blobs, nil
}

// splitBody separates the response body into DICOM blobs according to its
// content type.
func splitBody(contentType string, body io.Reader) ([][]byte, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "application/dicom"
	}

	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		boundary := params["boundary"]
		if boundary == "" {
			return nil, &ParseError{Reason: "multipart response without boundary"}
		}
		return splitMultipart(body, boundary)
	case mediaType == "application/zip":
		return splitZip(body)
	default:
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, &ParseError{Reason: "failed to read response body", Err: err}
		}
		return [][]byte{data}, nil
	}
}

func splitMultipart(body io.Reader, boundary string) ([][]byte, error) {
	var blobs [][]byte
	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return blobs, nil
		}
		if err != nil {
			return nil, &ParseError{Reason: "unreadable multipart body", Err: err}
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return nil, &ParseError{Reason: "failed to read multipart part", Err: err}
		}
		blobs = append(blobs, data)
	}
}

func splitZip(body io.Reader) ([][]byte, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &ParseError{Reason: "failed to read zip body", Err: err}
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &ParseError{Reason: "unreadable zip archive", Err: err}
	}

	var blobs [][]byte
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, &ParseError{Reason: "unreadable zip entry " + f.Name, Err: err}
		}
		entry, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, &ParseError{Reason: "failed to read zip entry " + f.Name, Err: err}
		}
		blobs = append(blobs, entry)
	}
	return blobs, nil
}
