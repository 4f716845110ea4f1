package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/otcheredev/mado-gateway/internal/config"
	"github.com/otcheredev/mado-gateway/internal/models"
	"github.com/rs/zerolog/log"
)

// ErrManifestNotFound marks a study whose manifest the MHD endpoint does not
// hold (HTTP 404); the study is treated as absent, not as a failure.
var ErrManifestNotFound = errors.New("fhir: manifest not found")

// UpstreamError reports a non-2xx answer from the MHD endpoint.
type UpstreamError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("fhir: upstream returned %d for %s: %s", e.StatusCode, e.URL, e.Body)
}

const maxBodyExcerpt = 512

// maxSearchPages caps next-link paging so a misbehaving upstream cannot
// loop the gateway forever.
const maxSearchPages = 100

// Client talks to the MHD FHIR endpoint: DocumentReference search (ITI-67)
// and manifest retrieval (ITI-68).
type Client struct {
	httpClient      *http.Client
	baseURL         string
	searchTimeout   time.Duration
	manifestTimeout time.Duration
}

// NewClient creates an MHD client from upstream configuration.
func NewClient(cfg config.UpstreamConfig) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		httpClient:      &http.Client{Transport: transport},
		baseURL:         strings.TrimRight(cfg.MHDBaseURL, "/"),
		searchTimeout:   cfg.SearchTimeout,
		manifestTimeout: cfg.ManifestTimeout,
	}
}

// FindDocumentReferences runs an ITI-67 search with the given study keys,
// following next links until the result set is complete.
func (c *Client) FindDocumentReferences(ctx context.Context, query models.StudyQuery) ([]DocumentReference, error) {
	searchURL := c.buildSearchURL(query)

	var docs []DocumentReference
	for page := 0; searchURL != ""; page++ {
		if page >= maxSearchPages {
			return nil, fmt.Errorf("fhir: search exceeded %d pages", maxSearchPages)
		}

		bundle, err := c.fetchBundle(ctx, searchURL)
		if err != nil {
			return nil, err
		}
		for _, entry := range bundle.Entry {
			if entry.Resource.ResourceType == "DocumentReference" {
				docs = append(docs, entry.Resource)
			}
		}
		searchURL = bundle.NextLink()
	}

	log.Debug().Int("count", len(docs)).Msg("DocumentReference search completed")
	return docs, nil
}

// RetrieveManifest fetches the manifest bytes (ITI-68) for the given study.
// A 404 answer maps to ErrManifestNotFound.
func (c *Client) RetrieveManifest(ctx context.Context, studyUID string) ([]byte, error) {
	if studyUID == "" {
		return nil, fmt.Errorf("fhir: study UID required for manifest retrieval")
	}
	manifestURL := c.manifestURL(studyUID)

	ctx, cancel := context.WithTimeout(ctx, c.manifestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/dicom")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fhir: manifest request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrManifestNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newUpstreamError(resp, manifestURL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fhir: failed to read manifest body: %w", err)
	}
	return body, nil
}

// manifestURL builds the ITI-68 retrieval URL: the FHIR base with its
// trailing /fhir segment stripped, plus /mhd/studies/{uid}/manifest.
func (c *Client) manifestURL(studyUID string) string {
	root := strings.TrimSuffix(c.baseURL, "/fhir")
	return fmt.Sprintf("%s/mhd/studies/%s/manifest", root, studyUID)
}

func (c *Client) buildSearchURL(query models.StudyQuery) string {
	params := url.Values{}
	params.Set("status", "current")

	if query.StudyInstanceUID != "" {
		params.Set("identifier", "urn:oid:"+query.StudyInstanceUID)
	}
	if query.PatientID != "" {
		params.Set("patient.identifier", query.PatientID)
	}
	if query.AccessionNumber != "" {
		params.Set("related:identifier", query.AccessionNumber)
	}
	if query.ModalitiesInStudy != "" {
		params.Set("event", query.ModalitiesInStudy)
	}
	if from, to, ok := models.ParseStudyDateRange(query.StudyDate); ok {
		if from != "" {
			params.Add("date", "ge"+from)
		}
		if to != "" {
			params.Add("date", "le"+to)
		}
	}

	return c.baseURL + "/DocumentReference?" + params.Encode()
}

func (c *Client) fetchBundle(ctx context.Context, searchURL string) (*Bundle, error) {
	ctx, cancel := context.WithTimeout(ctx, c.searchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fhir: search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newUpstreamError(resp, searchURL)
	}

	var bundle Bundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("fhir: failed to decode bundle: %w", err)
	}
	if bundle.ResourceType != "Bundle" {
		return nil, fmt.Errorf("fhir: expected Bundle, got %q", bundle.ResourceType)
	}
	return &bundle, nil
}

func newUpstreamError(resp *http.Response, requestURL string) *UpstreamError {
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyExcerpt))
	return &UpstreamError{
		StatusCode: resp.StatusCode,
		URL:        requestURL,
		Body:       strings.TrimSpace(string(excerpt)),
	}
}
