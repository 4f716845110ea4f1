package metadata

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/mado-gateway/internal/fhir"
	"github.com/otcheredev/mado-gateway/internal/models"
)

type fakeSource struct {
	mu        sync.Mutex
	docs      []fhir.DocumentReference
	manifests map[string][]byte
	fetches   atomic.Int64
	delay     time.Duration
	err       error
}

func (f *fakeSource) FindDocumentReferences(ctx context.Context, query models.StudyQuery) ([]fhir.DocumentReference, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.docs, nil
}

func (f *fakeSource) RetrieveManifest(ctx context.Context, studyUID string) ([]byte, error) {
	f.fetches.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.manifests[studyUID]
	if !ok {
		return nil, fhir.ErrManifestNotFound
	}
	return data, nil
}

type fakeParser struct {
	study *models.Study
	err   error
}

func (f *fakeParser) Parse(data []byte) (*models.Study, error) {
	if f.err != nil {
		return nil, f.err
	}
	study := *f.study
	return &study, nil
}

func fixtureStudy() *models.Study {
	return &models.Study{
		StudyInstanceUID:  "1.2.3.4.5.6.7.8.2",
		PatientID:         "PAT-001",
		ModalitiesInStudy: []string{"CT", "MR"},
		Series: []models.Series{
			{
				SeriesInstanceUID: "1.2.3.4.5.6.7.8.3",
				StudyInstanceUID:  "1.2.3.4.5.6.7.8.2",
				Modality:          "CT",
				Instances: []models.Instance{
					{SOPInstanceUID: "1.2.3.4.5.6.7.8.3.1", SOPClassUID: "1.2.840.10008.5.1.4.1.1.2", SeriesInstanceUID: "1.2.3.4.5.6.7.8.3"},
				},
			},
			{
				SeriesInstanceUID: "1.2.3.4.5.6.7.8.100",
				StudyInstanceUID:  "1.2.3.4.5.6.7.8.2",
				Modality:          "MR",
				Instances: []models.Instance{
					{SOPInstanceUID: "1.2.3.4.5.6.7.8.100.1", SOPClassUID: "1.2.840.10008.5.1.4.1.1.4", SeriesInstanceUID: "1.2.3.4.5.6.7.8.100"},
					{SOPInstanceUID: "1.2.3.4.5.6.7.8.100.2", SOPClassUID: "1.2.840.10008.5.1.4.1.1.4", SeriesInstanceUID: "1.2.3.4.5.6.7.8.100"},
				},
			},
		},
	}
}

func newTestService(src *fakeSource, ttl time.Duration) *Service {
	return NewService(src, &fakeParser{study: fixtureStudy()}, nil, ttl, ttl)
}

func TestGetOrFetchSingleFlight(t *testing.T) {
	src := &fakeSource{
		manifests: map[string][]byte{"1.2.3.4.5.6.7.8.2": []byte("kos")},
		delay:     20 * time.Millisecond,
	}
	svc := newTestService(src, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			study, err := svc.GetOrFetch(context.Background(), "1.2.3.4.5.6.7.8.2")
			assert.NoError(t, err)
			assert.Equal(t, "PAT-001", study.PatientID)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), src.fetches.Load(), "concurrent callers must share one upstream fetch")
}

func TestGetOrFetchTTLRefresh(t *testing.T) {
	src := &fakeSource{manifests: map[string][]byte{"1.2.3.4.5.6.7.8.2": []byte("kos")}}
	svc := newTestService(src, 50*time.Millisecond)
	ctx := context.Background()

	_, err := svc.GetOrFetch(ctx, "1.2.3.4.5.6.7.8.2")
	require.NoError(t, err)
	_, err = svc.GetOrFetch(ctx, "1.2.3.4.5.6.7.8.2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), src.fetches.Load())

	time.Sleep(80 * time.Millisecond)
	_, err = svc.GetOrFetch(ctx, "1.2.3.4.5.6.7.8.2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), src.fetches.Load())
}

func TestGetOrFetchStudyNotFound(t *testing.T) {
	src := &fakeSource{manifests: map[string][]byte{}}
	svc := newTestService(src, time.Minute)

	_, err := svc.GetOrFetch(context.Background(), "9.9.9")
	assert.ErrorIs(t, err, ErrStudyNotFound)
	assert.Equal(t, 0, svc.CachedStudies())
}

func TestFindStudiesModalityFilter(t *testing.T) {
	src := &fakeSource{docs: []fhir.DocumentReference{
		{
			ResourceType:     "DocumentReference",
			MasterIdentifier: &fhir.Identifier{Value: "urn:oid:1.2.3.4.5.6.7.8.2"},
			Context: &fhir.DocumentContext{Event: []fhir.CodeableConcept{
				{Coding: []fhir.Coding{{Code: "CT"}}},
			}},
		},
		{
			ResourceType:     "DocumentReference",
			MasterIdentifier: &fhir.Identifier{Value: "urn:oid:1.2.3.4.5.6.7.8.20"},
			Context: &fhir.DocumentContext{Event: []fhir.CodeableConcept{
				{Coding: []fhir.Coding{{Code: "MR"}}},
			}},
		},
	}}
	svc := newTestService(src, time.Minute)
	ctx := context.Background()

	all, err := svc.FindStudies(ctx, models.StudyQuery{PatientID: "PAT-001"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	ct, err := svc.FindStudies(ctx, models.StudyQuery{ModalitiesInStudy: "ct"})
	require.NoError(t, err)
	require.Len(t, ct, 1)
	assert.Equal(t, "1.2.3.4.5.6.7.8.2", ct[0].StudyInstanceUID)

	wildcard, err := svc.FindStudies(ctx, models.StudyQuery{ModalitiesInStudy: "*"})
	require.NoError(t, err)
	assert.Len(t, wildcard, 2)
}

func TestFindSeriesByStudy(t *testing.T) {
	src := &fakeSource{manifests: map[string][]byte{"1.2.3.4.5.6.7.8.2": []byte("kos")}}
	svc := newTestService(src, time.Minute)

	series, err := svc.FindSeries(context.Background(), models.SeriesQuery{
		StudyInstanceUID: "1.2.3.4.5.6.7.8.2",
		Modality:         "CT",
	})
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, "1.2.3.4.5.6.7.8.3", series[0].SeriesInstanceUID)
}

func TestFindSeriesCacheOnlyFallback(t *testing.T) {
	src := &fakeSource{manifests: map[string][]byte{"1.2.3.4.5.6.7.8.2": []byte("kos")}}
	svc := newTestService(src, time.Minute)
	ctx := context.Background()

	// Nothing cached, no study UID: no upstream fetch, empty result.
	series, err := svc.FindSeries(ctx, models.SeriesQuery{SeriesInstanceUID: "1.2.3.4.5.6.7.8.100"})
	require.NoError(t, err)
	assert.Empty(t, series)
	assert.Equal(t, int64(0), src.fetches.Load())

	_, err = svc.GetOrFetch(ctx, "1.2.3.4.5.6.7.8.2")
	require.NoError(t, err)

	series, err = svc.FindSeries(ctx, models.SeriesQuery{SeriesInstanceUID: "1.2.3.4.5.6.7.8.100"})
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, "MR", series[0].Modality)
}

func TestFindInstancesRequiresStudyUID(t *testing.T) {
	svc := newTestService(&fakeSource{}, time.Minute)

	_, err := svc.FindInstances(context.Background(), models.InstanceQuery{})
	assert.Error(t, err)
}

func TestFindInstancesFilters(t *testing.T) {
	src := &fakeSource{manifests: map[string][]byte{"1.2.3.4.5.6.7.8.2": []byte("kos")}}
	svc := newTestService(src, time.Minute)
	ctx := context.Background()

	all, err := svc.FindInstances(ctx, models.InstanceQuery{StudyInstanceUID: "1.2.3.4.5.6.7.8.2"})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	one, err := svc.FindInstances(ctx, models.InstanceQuery{
		StudyInstanceUID: "1.2.3.4.5.6.7.8.2",
		SOPInstanceUID:   "1.2.3.4.5.6.7.8.100.2",
	})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "1.2.3.4.5.6.7.8.100", one[0].SeriesInstanceUID)
}
