package scp

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/mado-gateway/internal/config"
	"github.com/otcheredev/mado-gateway/internal/metadata"
	"github.com/otcheredev/mado-gateway/internal/models"
	"github.com/otcheredev/mado-gateway/pkg/dimse"
)

type stubBackend struct {
	study     *models.Study
	studies   []models.Study
	series    []models.Series
	instances []models.Instance
}

func (b *stubBackend) FindStudies(ctx context.Context, query models.StudyQuery) ([]models.Study, error) {
	return b.studies, nil
}

func (b *stubBackend) FindSeries(ctx context.Context, query models.SeriesQuery) ([]models.Series, error) {
	return b.series, nil
}

func (b *stubBackend) FindInstances(ctx context.Context, query models.InstanceQuery) ([]models.Instance, error) {
	return b.instances, nil
}

func (b *stubBackend) GetOrFetch(ctx context.Context, studyUID string) (*models.Study, error) {
	if b.study == nil || b.study.StudyInstanceUID != studyUID {
		return nil, metadata.ErrStudyNotFound
	}
	return b.study, nil
}

func testDIMSEConfig() config.DIMSEConfig {
	return config.DIMSEConfig{
		AETitle:         "GATEWAY",
		Host:            "127.0.0.1",
		Port:            0,
		MaxPDULength:    16384,
		ConnectTimeout:  2 * time.Second,
		IdleTimeout:     5 * time.Second,
		MaxAssociations: 4,
	}
}

func startEngine(t *testing.T, backend Backend, mover *Mover) (*Engine, int) {
	t.Helper()

	e := NewEngine(testDIMSEConfig(), backend, mover)
	require.NoError(t, e.Start())
	t.Cleanup(func() { e.Stop() })

	_, portStr, err := net.SplitHostPort(e.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return e, port
}

func scuAssociation(port int, contexts []*dimse.PresentationContext) *dimse.Association {
	return dimse.NewAssociation(dimse.AssociationConfig{
		Host:                 "127.0.0.1",
		Port:                 port,
		CallingAET:           "TEST_SCU",
		CalledAET:            "GATEWAY",
		Timeout:              5 * time.Second,
		PresentationContexts: contexts,
	})
}

func TestEngineStartStopIdempotent(t *testing.T) {
	e := NewEngine(testDIMSEConfig(), &stubBackend{}, nil)

	require.NoError(t, e.Start())
	assert.True(t, e.Running())
	assert.NoError(t, e.Start(), "second start is a no-op")

	require.NoError(t, e.Stop())
	assert.False(t, e.Running())
	assert.NoError(t, e.Stop(), "second stop is a no-op")
}

func TestEngineStartPortInUse(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()

	cfg := testDIMSEConfig()
	cfg.Port = blocker.Addr().(*net.TCPAddr).Port

	e := NewEngine(cfg, &stubBackend{}, nil)
	assert.ErrorIs(t, e.Start(), ErrPortInUse)
}

func TestCEcho(t *testing.T) {
	_, port := startEngine(t, &stubBackend{}, nil)

	assoc := scuAssociation(port, nil)
	require.NoError(t, assoc.Connect(context.Background()))
	defer assoc.Close()

	assert.NoError(t, assoc.CEcho(context.Background()))
}

func TestAssociationRejectsUnknownAbstractSyntax(t *testing.T) {
	_, port := startEngine(t, &stubBackend{}, nil)

	assoc := scuAssociation(port, []*dimse.PresentationContext{{
		ID:               1,
		AbstractSyntax:   dimse.CTImageStorage,
		TransferSyntaxes: []string{dimse.ExplicitVRLittleEndian},
	}})
	err := assoc.Connect(context.Background())
	assert.Error(t, err, "no proposed context is acceptable")
}

func findContexts() []*dimse.PresentationContext {
	return []*dimse.PresentationContext{
		{
			ID:               1,
			AbstractSyntax:   dimse.VerificationSOPClass,
			TransferSyntaxes: []string{dimse.ImplicitVRLittleEndian},
		},
		{
			ID:               3,
			AbstractSyntax:   dimse.StudyRootQueryRetrieveFind,
			TransferSyntaxes: []string{dimse.ExplicitVRLittleEndian, dimse.ImplicitVRLittleEndian},
		},
	}
}

func TestCFindStudyLevelEchoesRequestKeys(t *testing.T) {
	backend := &stubBackend{
		studies: []models.Study{{
			StudyInstanceUID: "1.2.3.4",
			PatientID:        "PAT001",
			PatientName:      "DOE^JANE",
			StudyDate:        "20250110",
			AccessionNumber:  "ACC42",
		}},
	}
	_, port := startEngine(t, backend, nil)

	assoc := scuAssociation(port, findContexts())
	require.NoError(t, assoc.Connect(context.Background()))
	defer assoc.Close()

	identifier := dimse.NewDataset()
	identifier.Set(dimse.TagQueryRetrieveLevel, "STUDY")
	identifier.Set(dimse.TagPatientID, "PAT001")
	identifier.Set(dimse.TagStudyInstanceUID, "")

	result, err := assoc.CFind(context.Background(), dimse.StudyRootQueryRetrieveFind, identifier)
	require.NoError(t, err)
	assert.Equal(t, uint16(dimse.StatusSuccess), result.Status)
	require.Len(t, result.Matches, 1)

	match := result.Matches[0]
	assert.Equal(t, "STUDY", match.Get(dimse.TagQueryRetrieveLevel))
	assert.Equal(t, "PAT001", match.Get(dimse.TagPatientID))
	assert.Equal(t, "1.2.3.4", match.Get(dimse.TagStudyInstanceUID))

	// Attributes not asked for stay out of the response.
	assert.False(t, match.Has(dimse.TagPatientName))
	assert.False(t, match.Has(dimse.TagAccessionNumber))
}

func TestCFindDefaultsToStudyLevel(t *testing.T) {
	backend := &stubBackend{
		studies: []models.Study{{
			StudyInstanceUID: "1.2.3.4",
			PatientID:        "PAT001",
		}},
	}
	_, port := startEngine(t, backend, nil)

	assoc := scuAssociation(port, findContexts())
	require.NoError(t, assoc.Connect(context.Background()))
	defer assoc.Close()

	// No QueryRetrieveLevel in the identifier.
	identifier := dimse.NewDataset()
	identifier.Set(dimse.TagPatientID, "PAT001")

	result, err := assoc.CFind(context.Background(), dimse.StudyRootQueryRetrieveFind, identifier)
	require.NoError(t, err)
	assert.Equal(t, uint16(dimse.StatusSuccess), result.Status)
	require.Len(t, result.Matches, 1)
	assert.Equal(t, "STUDY", result.Matches[0].Get(dimse.TagQueryRetrieveLevel))
	assert.Equal(t, "PAT001", result.Matches[0].Get(dimse.TagPatientID))
}

func TestCFindSeriesLevel(t *testing.T) {
	backend := &stubBackend{
		series: []models.Series{
			{StudyInstanceUID: "1.2.3.4", SeriesInstanceUID: "1.2.3.4.1", Modality: "CT", SeriesNumber: "1"},
			{StudyInstanceUID: "1.2.3.4", SeriesInstanceUID: "1.2.3.4.2", Modality: "MR", SeriesNumber: "2"},
		},
	}
	_, port := startEngine(t, backend, nil)

	assoc := scuAssociation(port, findContexts())
	require.NoError(t, assoc.Connect(context.Background()))
	defer assoc.Close()

	identifier := dimse.NewDataset()
	identifier.Set(dimse.TagQueryRetrieveLevel, "SERIES")
	identifier.Set(dimse.TagStudyInstanceUID, "1.2.3.4")
	identifier.Set(dimse.TagSeriesInstanceUID, "")
	identifier.Set(dimse.TagModality, "")

	result, err := assoc.CFind(context.Background(), dimse.StudyRootQueryRetrieveFind, identifier)
	require.NoError(t, err)
	require.Len(t, result.Matches, 2)
	assert.Equal(t, "CT", result.Matches[0].Get(dimse.TagModality))
	assert.Equal(t, "1.2.3.4.2", result.Matches[1].Get(dimse.TagSeriesInstanceUID))
}

func TestCFindUnknownLevel(t *testing.T) {
	_, port := startEngine(t, &stubBackend{}, nil)

	assoc := scuAssociation(port, findContexts())
	require.NoError(t, assoc.Connect(context.Background()))
	defer assoc.Close()

	identifier := dimse.NewDataset()
	identifier.Set(dimse.TagQueryRetrieveLevel, "VOLUME")

	result, err := assoc.CFind(context.Background(), dimse.StudyRootQueryRetrieveFind, identifier)
	require.Error(t, err)
	assert.Equal(t, uint16(dimse.StatusUnrecognizedOperation), result.Status)
}
