package scp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/otcheredev/mado-gateway/internal/aedir"
	"github.com/otcheredev/mado-gateway/internal/cache"
	"github.com/otcheredev/mado-gateway/internal/config"
	"github.com/otcheredev/mado-gateway/internal/metadata"
	"github.com/otcheredev/mado-gateway/internal/metrics"
	"github.com/otcheredev/mado-gateway/internal/models"
	"github.com/otcheredev/mado-gateway/pkg/dimse"
)

// Downloader fetches instance bytes over WADO-RS; satisfied by wado.Client.
type Downloader interface {
	InstanceURL(studyUID, seriesUID, sopUID string) string
	RetrieveInstance(ctx context.Context, instanceURL string) ([][]byte, error)
}

// Resolver maps C-MOVE destination AE titles to network addresses; satisfied
// by aedir.Directory.
type Resolver interface {
	Resolve(aeTitle string) (aedir.Destination, error)
}

// Mover runs the C-MOVE pipeline: instances are grouped by series and SOP
// class, downloaded in parallel, and forwarded to the destination over one
// outbound association per group whose single presentation context carries
// the transfer syntax the first downloaded instance arrived in.
type Mover struct {
	backend    Backend
	downloader Downloader
	resolver   Resolver
	instances  *cache.InstanceCache
	assocs     *dimse.AssociationCache
	cfg        config.MoveConfig
	dimseCfg   config.DIMSEConfig
}

// NewMover wires the C-MOVE pipeline dependencies.
func NewMover(backend Backend, downloader Downloader, resolver Resolver,
	instances *cache.InstanceCache, assocs *dimse.AssociationCache,
	cfg config.MoveConfig, dimseCfg config.DIMSEConfig) *Mover {
	return &Mover{
		backend:    backend,
		downloader: downloader,
		resolver:   resolver,
		instances:  instances,
		assocs:     assocs,
		cfg:        cfg,
		dimseCfg:   dimseCfg,
	}
}

func (a *association) handleMove(ctx context.Context, pcid byte, req *dimse.Message, identifierData []byte) {
	metrics.DimseRequests.WithLabelValues("move").Inc()

	ts := a.transferSyntaxFor(pcid)
	respond := func(msg *dimse.Message) error {
		msg.CommandField = dimse.CMoveRSP
		msg.MessageIDBeingRespondedTo = req.MessageID
		msg.AffectedSOPClassUID = req.AffectedSOPClassUID
		msg.CommandDataSetType = dimse.NoDataSet
		return a.sendMessage(pcid, msg, nil)
	}

	identifier, err := dimse.ParseDataset(identifierData, ts)
	if err != nil {
		a.logger.Warn().Err(err).Msg("unparsable C-MOVE identifier")
		respond(&dimse.Message{Status: dimse.StatusIdentifierDoesNotMatchSOPClass})
		return
	}

	logger := a.logger.With().
		Str("destination", req.MoveDestination).
		Uint16("message_id", req.MessageID).
		Logger()

	a.engine.mover.Run(ctx, req.MoveDestination, identifier, respond, logger)
}

// Run executes one C-MOVE request, emitting pending responses through respond
// as sub-operations complete and a final response when the last group is
// drained.
func (m *Mover) Run(ctx context.Context, destination string, identifier *dimse.Dataset,
	respond func(*dimse.Message) error, logger zerolog.Logger) {

	if destination == "" {
		logger.Warn().Msg("C-MOVE without destination")
		respond(&dimse.Message{Status: dimse.StatusInvalidArgumentValue})
		return
	}

	studyUID := identifier.Get(dimse.TagStudyInstanceUID)
	if studyUID == "" {
		logger.Warn().Msg("C-MOVE identifier missing StudyInstanceUID")
		respond(&dimse.Message{Status: dimse.StatusIdentifierDoesNotMatchSOPClass})
		return
	}

	dest, err := m.resolver.Resolve(destination)
	if err != nil {
		logger.Warn().Err(err).Msg("unknown C-MOVE destination")
		respond(&dimse.Message{Status: dimse.StatusMoveDestinationUnknown})
		return
	}

	study, err := m.backend.GetOrFetch(ctx, studyUID)
	if err != nil {
		if errors.Is(err, metadata.ErrStudyNotFound) {
			logger.Info().Str("study_uid", studyUID).Msg("C-MOVE for unknown study")
			respond(finalResponse(dimse.StatusSuccess, &moveProgress{}))
			return
		}
		logger.Error().Err(err).Msg("C-MOVE metadata fetch failed")
		respond(&dimse.Message{Status: dimse.StatusUnableToProcess})
		return
	}

	matches := selectInstances(study, identifier)
	progress := &moveProgress{remaining: len(matches), respond: respond}

	logger.Info().
		Str("study_uid", studyUID).
		Str("dest_host", dest.Host).
		Int("instances", len(matches)).
		Msg("C-MOVE started")

	if len(matches) > 0 {
		progress.emitInitial()

		for _, group := range groupInstances(matches) {
			if progress.abandoned() {
				break
			}
			m.runGroup(ctx, dest, group, progress, logger)
		}
	}

	if progress.abandoned() {
		logger.Warn().Msg("originating association lost, C-MOVE abandoned")
		return
	}

	status := uint16(dimse.StatusSuccess)
	if progress.snapshot().failed > 0 {
		status = dimse.StatusUnableToProcess
	}
	respond(finalResponse(status, progress))

	logger.Info().
		Int("completed", progress.snapshot().completed).
		Int("failed", progress.snapshot().failed).
		Msg("C-MOVE finished")
}

// selectInstances returns the study's instances narrowed by the identifier's
// series and SOP instance keys.
func selectInstances(study *models.Study, identifier *dimse.Dataset) []models.Instance {
	seriesUID := identifier.Get(dimse.TagSeriesInstanceUID)
	sopUID := identifier.Get(dimse.TagSOPInstanceUID)

	var out []models.Instance
	for _, series := range study.Series {
		if seriesUID != "" && series.SeriesInstanceUID != seriesUID {
			continue
		}
		for _, inst := range series.Instances {
			if sopUID != "" && inst.SOPInstanceUID != sopUID {
				continue
			}
			out = append(out, inst)
		}
	}
	return out
}

// instanceGroup is one (series, SOP class) bucket; its instances share an
// outbound association.
type instanceGroup struct {
	seriesUID   string
	sopClassUID string
	instances   []models.Instance
}

// groupInstances buckets instances by series and SOP class, preserving first
// appearance order.
func groupInstances(instances []models.Instance) []*instanceGroup {
	type key struct{ series, sopClass string }
	index := make(map[key]*instanceGroup)
	var out []*instanceGroup

	for _, inst := range instances {
		k := key{inst.SeriesInstanceUID, inst.SOPClassUID}
		group, ok := index[k]
		if !ok {
			group = &instanceGroup{seriesUID: k.series, sopClassUID: k.sopClass}
			index[k] = group
			out = append(out, group)
		}
		group.instances = append(group.instances, inst)
	}
	return out
}

// fetchedInstance is one downloaded instance ready for C-STORE: dataset bytes
// without file meta, still in the file's own transfer syntax.
type fetchedInstance struct {
	sopClassUID    string
	sopInstanceUID string
	transferSyntax string
	dataset        []byte
}

// runGroup streams one group: a download pool feeds a bounded queue, the
// first arrival fixes the outbound transfer syntax, then a store pool drains
// the queue over a single association.
func (m *Mover) runGroup(ctx context.Context, dest aedir.Destination, group *instanceGroup,
	progress *moveProgress, logger zerolog.Logger) {

	queue := make(chan *fetchedInstance, 2*m.cfg.MaxParallelStores)

	// Download failures are counted, never propagated; the errgroup is used
	// for its worker limit. Submission happens off this goroutine because Go
	// blocks at the limit while the queue is drained below.
	var downloads errgroup.Group
	downloads.SetLimit(min(m.cfg.MaxParallelDownloads, len(group.instances)))
	go func() {
		for _, inst := range group.instances {
			if progress.abandoned() {
				break
			}
			downloads.Go(func() error {
				fetched, err := m.fetch(ctx, inst)
				if err != nil {
					logger.Warn().Err(err).
						Str("sop_instance_uid", inst.SOPInstanceUID).
						Msg("instance download failed")
					metrics.InstanceDownloads.WithLabelValues("error").Inc()
					progress.account(0, 1)
					return nil
				}
				metrics.InstanceDownloads.WithLabelValues("success").Inc()
				queue <- fetched
				return nil
			})
		}
		downloads.Wait()
		close(queue)
	}()

	// The first instance to arrive decides the transfer syntax for the whole
	// group; the destination receives exactly what the archive holds.
	timer := time.NewTimer(m.cfg.FirstInstanceWait)
	var first *fetchedInstance
	select {
	case fetched, ok := <-queue:
		timer.Stop()
		if !ok {
			return // every download failed, already accounted
		}
		first = fetched
	case <-timer.C:
		logger.Warn().
			Str("series_uid", group.seriesUID).
			Msg("timed out waiting for first instance")
		m.failQueued(queue, progress)
		return
	}

	// The association stays cached after the group completes so later moves
	// with the same destination, SOP class and transfer syntax skip
	// renegotiation; the cache's idle sweep closes it.
	assocKey := fmt.Sprintf("%s|%s|%s", dest.AETitle, group.sopClassUID, first.transferSyntax)
	assoc, err := m.assocs.Get(ctx, assocKey, dimse.AssociationConfig{
		Host:         dest.Host,
		Port:         dest.Port,
		CallingAET:   m.dimseCfg.AETitle,
		CalledAET:    dest.AETitle,
		Timeout:      m.dimseCfg.ConnectTimeout,
		MaxPDULength: m.dimseCfg.MaxPDULength,
		PresentationContexts: []*dimse.PresentationContext{{
			ID:               1,
			AbstractSyntax:   group.sopClassUID,
			TransferSyntaxes: []string{first.transferSyntax},
		}},
	})
	if err != nil {
		logger.Error().Err(err).
			Str("called_aet", dest.AETitle).
			Msg("failed to open store association")
		progress.account(0, 1)
		m.failQueued(queue, progress)
		return
	}

	// One association carries the group; DIMSE messaging on it is
	// synchronous, so the store mutex serializes the wire while the pool
	// overlaps dequeueing with downloads.
	var storeMu sync.Mutex
	storeOne := func(fetched *fetchedInstance) {
		storeMu.Lock()
		status, err := assoc.CStore(ctx, fetched.sopClassUID, fetched.sopInstanceUID, fetched.dataset)
		storeMu.Unlock()

		if err != nil || status != dimse.StatusSuccess {
			logger.Warn().Err(err).
				Str("sop_instance_uid", fetched.sopInstanceUID).
				Uint16("status", status).
				Msg("C-STORE failed")
			metrics.StoreSuboperations.WithLabelValues("error").Inc()
			progress.account(0, 1)
			return
		}
		metrics.StoreSuboperations.WithLabelValues("success").Inc()
		progress.account(1, 0)
	}

	var stores sync.WaitGroup
	for range m.cfg.MaxParallelStores {
		stores.Add(1)
		go func() {
			defer stores.Done()
			for fetched := range queue {
				storeOne(fetched)
			}
		}()
	}
	storeOne(first)
	stores.Wait()
}

// failQueued drains the queue, counting everything still arriving as failed.
func (m *Mover) failQueued(queue <-chan *fetchedInstance, progress *moveProgress) {
	for range queue {
		progress.account(0, 1)
	}
}

// fetch returns the instance's dataset bytes, from the cache when possible.
// Multipart responses may carry sibling instances; those are cached too.
func (m *Mover) fetch(ctx context.Context, inst models.Instance) (*fetchedInstance, error) {
	blob, ok := m.instances.Get(inst.SOPInstanceUID)
	if !ok {
		url := inst.RetrieveURL
		if url == "" {
			url = m.downloader.InstanceURL(inst.StudyInstanceUID, inst.SeriesInstanceUID, inst.SOPInstanceUID)
		}

		blobs, err := m.downloader.RetrieveInstance(ctx, url)
		if err != nil {
			return nil, err
		}

		for _, b := range blobs {
			meta, err := dimse.ParseFileMeta(b)
			if err != nil {
				continue
			}
			m.instances.Put(meta.SOPInstanceUID, b)
			if meta.SOPInstanceUID == inst.SOPInstanceUID {
				blob = b
			}
		}
		if blob == nil {
			if len(blobs) != 1 {
				return nil, fmt.Errorf("scp: response did not contain instance %s", inst.SOPInstanceUID)
			}
			blob = blobs[0]
		}
	}

	dataset, meta, err := dimse.StripFileMeta(blob)
	if err != nil {
		return nil, err
	}

	fetched := &fetchedInstance{
		sopClassUID:    meta.SOPClassUID,
		sopInstanceUID: meta.SOPInstanceUID,
		transferSyntax: meta.TransferSyntaxUID,
		dataset:        dataset,
	}
	if fetched.sopClassUID == "" {
		fetched.sopClassUID = inst.SOPClassUID
	}
	if fetched.sopInstanceUID == "" {
		fetched.sopInstanceUID = inst.SOPInstanceUID
	}
	return fetched, nil
}

// moveProgress tracks sub-operation counters and serializes pending response
// emission. A failed emission marks the originating association as lost so
// the pipeline can stop feeding a peer that is gone.
type moveProgress struct {
	mu        sync.Mutex
	remaining int
	completed int
	failed    int
	lost      bool
	respond   func(*dimse.Message) error
}

type progressCounts struct {
	remaining, completed, failed int
}

// account moves sub-operations from remaining into completed or failed and
// emits a pending response reflecting the new counts.
func (p *moveProgress) account(completed, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remaining -= completed + failed
	p.completed += completed
	p.failed += failed
	p.emitLocked(p.pending())
}

func (p *moveProgress) emitInitial() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitLocked(p.pending())
}

func (p *moveProgress) emitLocked(msg *dimse.Message) {
	if p.respond == nil || p.lost {
		return
	}
	if p.respond(msg) != nil {
		p.lost = true
	}
}

// abandoned reports whether the originating association stopped accepting
// responses.
func (p *moveProgress) abandoned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lost
}

func (p *moveProgress) pending() *dimse.Message {
	return &dimse.Message{
		Status:                         dimse.StatusPending,
		NumberOfRemainingSuboperations: u16(p.remaining),
		NumberOfCompletedSuboperations: u16(p.completed),
		NumberOfFailedSuboperations:    u16(p.failed),
		NumberOfWarningSuboperations:   u16(0),
	}
}

func (p *moveProgress) snapshot() progressCounts {
	p.mu.Lock()
	defer p.mu.Unlock()
	return progressCounts{remaining: p.remaining, completed: p.completed, failed: p.failed}
}

func finalResponse(status uint16, progress *moveProgress) *dimse.Message {
	counts := progress.snapshot()
	return &dimse.Message{
		Status:                         status,
		NumberOfRemainingSuboperations: u16(0),
		NumberOfCompletedSuboperations: u16(counts.completed),
		NumberOfFailedSuboperations:    u16(counts.failed),
		NumberOfWarningSuboperations:   u16(0),
	}
}

func u16(n int) *uint16 {
	v := uint16(n)
	return &v
}
