package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/mado-gateway/internal/aedir"
	"github.com/otcheredev/mado-gateway/internal/cache"
	"github.com/otcheredev/mado-gateway/internal/config"
	"github.com/otcheredev/mado-gateway/internal/metadata"
	"github.com/otcheredev/mado-gateway/internal/models"
	"github.com/otcheredev/mado-gateway/internal/repository"
	"github.com/otcheredev/mado-gateway/internal/scp"
	"github.com/otcheredev/mado-gateway/pkg/dimse"
)

// ManagementHandler serves the gateway's control API: SCP lifecycle, cache
// inspection and the AE destination directory.
type ManagementHandler struct {
	engine        *scp.Engine
	directory     *aedir.Directory
	metadataSvc   *metadata.Service
	instanceCache *cache.InstanceCache
	upstream      config.UpstreamConfig

	// destRepo is nil when the database is disabled; directory changes are
	// then in-memory only.
	destRepo *repository.DestinationRepository

	validate *validator.Validate
}

func NewManagementHandler(engine *scp.Engine, directory *aedir.Directory,
	metadataSvc *metadata.Service, instanceCache *cache.InstanceCache,
	upstream config.UpstreamConfig,
	destRepo *repository.DestinationRepository) *ManagementHandler {
	return &ManagementHandler{
		engine:        engine,
		directory:     directory,
		metadataSvc:   metadataSvc,
		instanceCache: instanceCache,
		upstream:      upstream,
		destRepo:      destRepo,
		validate:      validator.New(),
	}
}

type statusResponse struct {
	SCPRunning    bool   `json:"scpRunning"`
	SCPAddr       string `json:"scpAddr,omitempty"`
	AETitle       string `json:"aeTitle"`
	MHDBaseURL    string `json:"mhdBaseUrl"`
	WADOBaseURL   string `json:"wadoBaseUrl"`
	CachedStudies int    `json:"cachedStudies"`
	Destinations  int    `json:"destinations"`
}

// Status reports the gateway's runtime state.
func (h *ManagementHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		SCPRunning:    h.engine.Running(),
		SCPAddr:       h.engine.Addr(),
		AETitle:       h.engine.AETitle(),
		MHDBaseURL:    h.upstream.MHDBaseURL,
		WADOBaseURL:   h.upstream.WADOBaseURL,
		CachedStudies: h.metadataSvc.CachedStudies(),
		Destinations:  len(h.directory.List()),
	})
}

// StartSCP binds the DIMSE listener.
func (h *ManagementHandler) StartSCP(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Start(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, scp.ErrPortInUse) {
			status = http.StatusConflict
		}
		log.Error().Err(err).Msg("failed to start SCP engine")
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running", "addr": h.engine.Addr()})
}

// StopSCP unbinds the DIMSE listener.
func (h *ManagementHandler) StopSCP(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Stop(); err != nil {
		log.Error().Err(err).Msg("failed to stop SCP engine")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

type cacheStatsResponse struct {
	Instance cache.InstanceCacheStats `json:"instance"`
	Studies  int                      `json:"metadataStudies"`
}

// CacheStats reports instance and metadata cache statistics.
func (h *ManagementHandler) CacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cacheStatsResponse{
		Instance: h.instanceCache.Stats(),
		Studies:  h.metadataSvc.CachedStudies(),
	})
}

// ClearCaches empties the instance and metadata caches.
func (h *ManagementHandler) ClearCaches(w http.ResponseWriter, r *http.Request) {
	h.instanceCache.Clear()
	h.metadataSvc.Clear()
	log.Info().Msg("caches cleared")
	w.WriteHeader(http.StatusNoContent)
}

// InvalidateStudy drops one study from the metadata cache.
func (h *ManagementHandler) InvalidateStudy(w http.ResponseWriter, r *http.Request) {
	studyUID := chi.URLParam(r, "studyUID")
	if studyUID == "" {
		http.Error(w, "study UID is required", http.StatusBadRequest)
		return
	}
	h.metadataSvc.Invalidate(studyUID)
	w.WriteHeader(http.StatusNoContent)
}

// ListDestinations returns the AE directory contents.
func (h *ManagementHandler) ListDestinations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.directory.List())
}

// CreateDestination adds or replaces a destination, persisting it when the
// database is enabled.
func (h *ManagementHandler) CreateDestination(w http.ResponseWriter, r *http.Request) {
	var req models.DestinationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	dest := aedir.Destination{
		AETitle:     req.AETitle,
		Host:        req.Host,
		Port:        req.Port,
		Description: req.Description,
	}
	h.directory.Upsert(dest)

	if h.destRepo != nil {
		row := &models.AEDestination{
			AETitle:     req.AETitle,
			Host:        req.Host,
			Port:        req.Port,
			Description: req.Description,
		}
		if err := h.destRepo.Upsert(r.Context(), row); err != nil {
			log.Error().Err(err).Str("ae_title", req.AETitle).Msg("failed to persist destination")
			http.Error(w, "failed to persist destination", http.StatusInternalServerError)
			return
		}
	}

	log.Info().Str("ae_title", req.AETitle).Str("host", req.Host).Msg("destination registered")
	writeJSON(w, http.StatusCreated, dest)
}

// DeleteDestination removes a destination from the directory and the store.
func (h *ManagementHandler) DeleteDestination(w http.ResponseWriter, r *http.Request) {
	aeTitle := chi.URLParam(r, "aeTitle")
	removed := h.directory.Remove(aeTitle)

	if h.destRepo != nil {
		persisted, err := h.destRepo.Delete(r.Context(), aeTitle)
		if err != nil {
			log.Error().Err(err).Str("ae_title", aeTitle).Msg("failed to delete destination")
			http.Error(w, "failed to delete destination", http.StatusInternalServerError)
			return
		}
		removed = removed || persisted
	}

	if !removed {
		http.Error(w, "destination not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TestConnection verifies DIMSE reachability of a remote AE with a C-ECHO.
func (h *ManagementHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	var req models.ConnectionTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	status := h.echo(r.Context(), req)
	writeJSON(w, http.StatusOK, status)
}

func (h *ManagementHandler) echo(ctx context.Context, req models.ConnectionTestRequest) *models.ConnectionStatus {
	status := &models.ConnectionStatus{LastChecked: time.Now()}

	assoc := dimse.NewAssociation(dimse.AssociationConfig{
		Host:       req.Host,
		Port:       req.Port,
		CallingAET: h.engine.AETitle(),
		CalledAET:  req.AETitle,
		Timeout:    10 * time.Second,
	})

	start := time.Now()
	err := assoc.Connect(ctx)
	if err == nil {
		err = assoc.CEcho(ctx)
		assoc.Close()
	}
	status.ResponseTime = time.Since(start).Milliseconds()

	if err != nil {
		log.Warn().Err(err).Str("ae_title", req.AETitle).Msg("connection test failed")
		status.ErrorMessage = err.Error()
		return status
	}
	status.IsConnected = true
	return status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
