// Package scp implements the inbound DIMSE service: association acceptance,
// C-ECHO, C-FIND against the metadata service, and the C-MOVE download→store
// pipeline.
package scp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/mado-gateway/internal/config"
	"github.com/otcheredev/mado-gateway/internal/models"
)

// ErrPortInUse is returned by Start when the DIMSE port is already bound.
var ErrPortInUse = errors.New("scp: port already in use")

// Backend is the metadata surface the C-FIND and C-MOVE handlers query;
// satisfied by metadata.Service.
type Backend interface {
	FindStudies(ctx context.Context, query models.StudyQuery) ([]models.Study, error)
	FindSeries(ctx context.Context, query models.SeriesQuery) ([]models.Series, error)
	FindInstances(ctx context.Context, query models.InstanceQuery) ([]models.Instance, error)
	GetOrFetch(ctx context.Context, studyUID string) (*models.Study, error)
}

// Engine accepts DIMSE associations on one TCP port and dispatches their
// commands.
type Engine struct {
	cfg     config.DIMSEConfig
	backend Backend
	mover   *Mover

	mu       sync.Mutex
	listener net.Listener
	running  bool
	quit     chan struct{}
	wg       sync.WaitGroup
	sem      chan struct{}
}

// NewEngine creates an engine. mover carries the C-MOVE pipeline
// dependencies.
func NewEngine(cfg config.DIMSEConfig, backend Backend, mover *Mover) *Engine {
	return &Engine{
		cfg:     cfg,
		backend: backend,
		mover:   mover,
	}
}

// Start binds the DIMSE port and begins accepting associations. Calling
// Start on a running engine is a no-op warning. A bind conflict surfaces as
// ErrPortInUse.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		log.Warn().Msg("SCP engine already running")
		return nil
	}

	addr := net.JoinHostPort(e.cfg.Host, fmt.Sprintf("%d", e.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		if isAddrInUse(err) {
			return fmt.Errorf("%w: %s", ErrPortInUse, addr)
		}
		return fmt.Errorf("scp: failed to bind %s: %w", addr, err)
	}

	e.listener = listener
	e.running = true
	e.quit = make(chan struct{})
	e.sem = make(chan struct{}, e.cfg.MaxAssociations)

	e.wg.Add(1)
	go e.acceptLoop(listener, e.quit)

	log.Info().
		Str("ae_title", e.cfg.AETitle).
		Str("addr", listener.Addr().String()).
		Msg("SCP engine started")
	return nil
}

// Stop unbinds the port and waits for in-flight associations to finish.
// Stopping a stopped engine is a no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	close(e.quit)
	listener := e.listener
	e.listener = nil
	e.mu.Unlock()

	err := listener.Close()
	e.wg.Wait()
	log.Info().Msg("SCP engine stopped")
	return err
}

// Running reports whether the engine is accepting associations.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Addr returns the bound listener address, or "" when stopped. With port 0
// this exposes the kernel-assigned port.
func (e *Engine) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr().String()
}

// AETitle returns the engine's configured AE title.
func (e *Engine) AETitle() string {
	return e.cfg.AETitle
}

func (e *Engine) acceptLoop(listener net.Listener, quit chan struct{}) {
	defer e.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-quit:
				return
			default:
			}
			log.Error().Err(err).Msg("accept failed")
			return
		}

		select {
		case e.sem <- struct{}{}:
		case <-quit:
			conn.Close()
			return
		}

		e.wg.Add(1)
		go func(conn net.Conn) {
			defer e.wg.Done()
			defer func() { <-e.sem }()

			assoc := &association{
				engine: e,
				conn:   conn,
				id:     uuid.NewString(),
			}
			assoc.handle()
		}(conn)
	}
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(err.Error(), "address already in use")
}
