// Package metadata owns the study metadata cache: manifests fetched from
// the MHD endpoint, parsed once, and served to the C-FIND and C-MOVE
// handlers until their TTL lapses.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/otcheredev/mado-gateway/internal/cache"
	"github.com/otcheredev/mado-gateway/internal/fhir"
	"github.com/otcheredev/mado-gateway/internal/models"
)

// ErrStudyNotFound marks a study the MHD endpoint has no manifest for.
var ErrStudyNotFound = errors.New("metadata: study not found")

// ManifestSource is the upstream surface the service depends on; satisfied
// by fhir.Client.
type ManifestSource interface {
	FindDocumentReferences(ctx context.Context, query models.StudyQuery) ([]fhir.DocumentReference, error)
	RetrieveManifest(ctx context.Context, studyUID string) ([]byte, error)
}

// ManifestParser turns raw manifest bytes into a study tree; satisfied by
// manifest.Parser.
type ManifestParser interface {
	Parse(data []byte) (*models.Study, error)
}

// Service caches parsed StudyMetadata by Study Instance UID with a TTL,
// coalescing concurrent fetches for the same study.
type Service struct {
	source        ManifestSource
	parser        ManifestParser
	manifestCache cache.Cache
	manifestTTL   time.Duration
	ttl           time.Duration

	mu      sync.RWMutex
	studies map[string]*models.Study
	group   singleflight.Group
}

// NewService creates a metadata service. manifestCache may be nil to skip
// raw-byte caching.
func NewService(source ManifestSource, parser ManifestParser, manifestCache cache.Cache, manifestTTL, ttl time.Duration) *Service {
	return &Service{
		source:        source,
		parser:        parser,
		manifestCache: manifestCache,
		manifestTTL:   manifestTTL,
		ttl:           ttl,
		studies:       make(map[string]*models.Study),
	}
}

// GetOrFetch returns the study tree for uid, fetching and parsing the
// manifest when the cached entry is absent or stale. Concurrent callers for
// the same uid share one upstream fetch.
func (s *Service) GetOrFetch(ctx context.Context, uid string) (*models.Study, error) {
	if uid == "" {
		return nil, fmt.Errorf("metadata: study UID required")
	}

	if study, ok := s.cached(uid); ok {
		return study, nil
	}

	v, err, _ := s.group.Do(uid, func() (interface{}, error) {
		// A racing caller may have refreshed the entry while this one
		// waited on the flight group.
		if study, ok := s.cached(uid); ok {
			return study, nil
		}

		study, err := s.fetch(ctx, uid)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.studies[uid] = study
		s.mu.Unlock()
		return study, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Study), nil
}

func (s *Service) cached(uid string) (*models.Study, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	study, ok := s.studies[uid]
	if !ok || time.Since(study.FetchedAt) > s.ttl {
		return nil, false
	}
	return study, true
}

func (s *Service) fetch(ctx context.Context, uid string) (*models.Study, error) {
	data, err := s.manifestBytes(ctx, uid)
	if err != nil {
		if errors.Is(err, fhir.ErrManifestNotFound) {
			return nil, ErrStudyNotFound
		}
		return nil, err
	}

	study, err := s.parser.Parse(data)
	if err != nil {
		return nil, err
	}
	study.FetchedAt = time.Now()

	log.Debug().
		Str("study_uid", uid).
		Int("series", study.NumberOfSeries()).
		Int("instances", study.NumberOfInstances()).
		Msg("manifest parsed")
	return study, nil
}

func (s *Service) manifestBytes(ctx context.Context, uid string) ([]byte, error) {
	if s.manifestCache != nil {
		if data, err := s.manifestCache.Get(ctx, cache.ManifestKey(uid)); err == nil {
			return data, nil
		}
	}

	data, err := s.source.RetrieveManifest(ctx, uid)
	if err != nil {
		return nil, err
	}
	if s.manifestCache != nil {
		if err := s.manifestCache.Set(ctx, cache.ManifestKey(uid), data, s.manifestTTL); err != nil {
			log.Warn().Err(err).Str("study_uid", uid).Msg("failed to cache manifest bytes")
		}
	}
	return data, nil
}

// FindStudies searches the MHD endpoint and projects each
// DocumentReference to a study record (series list empty), applying the
// modality filter locally.
func (s *Service) FindStudies(ctx context.Context, query models.StudyQuery) ([]models.Study, error) {
	docs, err := s.source.FindDocumentReferences(ctx, query)
	if err != nil {
		return nil, err
	}

	studies := make([]models.Study, 0, len(docs))
	for i := range docs {
		study := fhir.ProjectStudy(&docs[i])
		if !matchModality(study.ModalitiesInStudy, query.ModalitiesInStudy) {
			continue
		}
		studies = append(studies, study)
	}
	return studies, nil
}

// FindSeries resolves the series matching keys. With a study UID the study
// is fetched and filtered; without one only already-cached studies are
// consulted.
func (s *Service) FindSeries(ctx context.Context, query models.SeriesQuery) ([]models.Series, error) {
	if query.StudyInstanceUID != "" {
		study, err := s.GetOrFetch(ctx, query.StudyInstanceUID)
		if err != nil {
			return nil, err
		}
		return filterSeries(study.Series, query), nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Series
	for _, study := range s.studies {
		out = append(out, filterSeries(study.Series, query)...)
	}
	return out, nil
}

// FindInstances resolves the instances matching keys; a study UID is
// required.
func (s *Service) FindInstances(ctx context.Context, query models.InstanceQuery) ([]models.Instance, error) {
	if query.StudyInstanceUID == "" {
		return nil, fmt.Errorf("metadata: instance queries require StudyInstanceUID")
	}

	study, err := s.GetOrFetch(ctx, query.StudyInstanceUID)
	if err != nil {
		return nil, err
	}

	var out []models.Instance
	for i := range study.Series {
		series := &study.Series[i]
		if query.SeriesInstanceUID != "" && series.SeriesInstanceUID != query.SeriesInstanceUID {
			continue
		}
		for _, inst := range series.Instances {
			if query.SOPInstanceUID != "" && inst.SOPInstanceUID != query.SOPInstanceUID {
				continue
			}
			out = append(out, inst)
		}
	}
	return out, nil
}

// Invalidate drops the cached entry for a study.
func (s *Service) Invalidate(uid string) {
	s.mu.Lock()
	delete(s.studies, uid)
	s.mu.Unlock()
}

// Clear drops all cached studies.
func (s *Service) Clear() {
	s.mu.Lock()
	s.studies = make(map[string]*models.Study)
	s.mu.Unlock()
}

// CachedStudies returns the number of studies currently cached.
func (s *Service) CachedStudies() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.studies)
}

func filterSeries(series []models.Series, query models.SeriesQuery) []models.Series {
	var out []models.Series
	for _, sr := range series {
		if query.SeriesInstanceUID != "" && sr.SeriesInstanceUID != query.SeriesInstanceUID {
			continue
		}
		if !matchModality([]string{sr.Modality}, query.Modality) {
			continue
		}
		out = append(out, sr)
	}
	return out
}

// matchModality applies the C-FIND modality filter: empty and * match
// anything; otherwise any of the study's modalities must equal the request
// value case-insensitively. Multi-valued requests are backslash-separated.
func matchModality(modalities []string, requested string) bool {
	requested = strings.TrimSpace(requested)
	if requested == "" || requested == "*" {
		return true
	}
	for _, want := range strings.Split(requested, "\\") {
		for _, have := range modalities {
			if strings.EqualFold(strings.TrimSpace(want), have) {
				return true
			}
		}
	}
	return false
}
