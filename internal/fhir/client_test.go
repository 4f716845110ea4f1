package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/mado-gateway/internal/config"
	"github.com/otcheredev/mado-gateway/internal/models"
)

func testConfig(baseURL string) config.UpstreamConfig {
	return config.UpstreamConfig{
		MHDBaseURL:      baseURL + "/fhir",
		ConnectTimeout:  2 * time.Second,
		SearchTimeout:   5 * time.Second,
		ManifestTimeout: 5 * time.Second,
	}
}

func docRef(id, studyUID string) DocumentReference {
	return DocumentReference{
		ResourceType:     "DocumentReference",
		ID:               id,
		Status:           "current",
		MasterIdentifier: &Identifier{System: "urn:ietf:rfc:3986", Value: "urn:oid:" + studyUID},
	}
}

func TestFindDocumentReferencesFollowsNextLinks(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/fhir+json", r.Header.Get("Accept"))
		assert.Equal(t, "/fhir/DocumentReference", r.URL.Path)

		bundle := Bundle{ResourceType: "Bundle"}
		if r.URL.Query().Get("page") == "2" {
			bundle.Entry = []BundleEntry{{Resource: docRef("b", "1.2.3.2")}}
		} else {
			assert.Equal(t, "current", r.URL.Query().Get("status"))
			assert.Equal(t, "PAT001", r.URL.Query().Get("patient.identifier"))
			bundle.Entry = []BundleEntry{{Resource: docRef("a", "1.2.3.1")}}
			bundle.Link = []BundleLink{{Relation: "next", URL: srv.URL + "/fhir/DocumentReference?page=2"}}
		}
		json.NewEncoder(w).Encode(bundle)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	docs, err := c.FindDocumentReferences(context.Background(), models.StudyQuery{PatientID: "PAT001"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "1.2.3.1", docs[0].StudyInstanceUID())
	assert.Equal(t, "1.2.3.2", docs[1].StudyInstanceUID())
}

func TestFindDocumentReferencesSendsStudyKeys(t *testing.T) {
	var query map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		json.NewEncoder(w).Encode(Bundle{ResourceType: "Bundle"})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.FindDocumentReferences(context.Background(), models.StudyQuery{
		StudyInstanceUID:  "1.2.3.4",
		AccessionNumber:   "ACC42",
		ModalitiesInStudy: "CT",
		StudyDate:         "20240101-20240131",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"urn:oid:1.2.3.4"}, query["identifier"])
	assert.Equal(t, []string{"ACC42"}, query["related:identifier"])
	assert.Equal(t, []string{"CT"}, query["event"])
	assert.ElementsMatch(t, []string{"ge2024-01-01", "le2024-01-31"}, query["date"])
}

func TestFindDocumentReferencesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "server exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.FindDocumentReferences(context.Background(), models.StudyQuery{})

	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, http.StatusInternalServerError, upstreamErr.StatusCode)
	assert.Contains(t, upstreamErr.Body, "server exploded")
}

func TestRetrieveManifest(t *testing.T) {
	manifest := []byte("not-really-dicom-but-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mhd/studies/1.2.3.4/manifest", r.URL.Path)
		assert.Equal(t, "application/dicom", r.Header.Get("Accept"))
		w.Write(manifest)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	body, err := c.RetrieveManifest(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, manifest, body)
}

func TestRetrieveManifestNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.RetrieveManifest(context.Background(), "9.9.9")
	assert.ErrorIs(t, err, ErrManifestNotFound)
}

func TestRetrieveManifestRequiresStudyUID(t *testing.T) {
	c := NewClient(testConfig("http://mhd.example"))
	_, err := c.RetrieveManifest(context.Background(), "")
	assert.Error(t, err)
}

func TestFindDocumentReferencesRejectsNonBundle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"resourceType":"OperationOutcome"}`)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.FindDocumentReferences(context.Background(), models.StudyQuery{})
	assert.ErrorContains(t, err, "expected Bundle")
}
