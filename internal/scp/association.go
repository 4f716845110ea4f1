package scp

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/mado-gateway/internal/metrics"
	"github.com/otcheredev/mado-gateway/pkg/dimse"
)

// Abstract syntaxes the gateway accepts on inbound associations.
var acceptedAbstractSyntaxes = map[string]bool{
	dimse.VerificationSOPClass:         true,
	dimse.PatientRootQueryRetrieveFind: true,
	dimse.StudyRootQueryRetrieveFind:   true,
	dimse.PatientRootQueryRetrieveMove: true,
	dimse.StudyRootQueryRetrieveMove:   true,
}

// Transfer syntaxes the gateway accepts, in preference order.
var preferredTransferSyntaxes = []string{
	dimse.ExplicitVRLittleEndian,
	dimse.ImplicitVRLittleEndian,
	dimse.ExplicitVRBigEndian,
}

const (
	pcAccept              byte = 0x00
	pcRejectAbstractStx   byte = 0x03
	pcRejectTransferStxs  byte = 0x04
	abortServiceProvider  byte = 0x02
	abortReasonUnexpected byte = 0x02
)

// association serves one inbound DIMSE association until release, abort or
// connection loss.
type association struct {
	engine *Engine
	conn   connWriter
	id     string

	callingAET string
	contexts   map[byte]*dimse.PresentationContext
	maxPDU     uint32
	logger     zerolog.Logger

	// writeMu serializes response PDUs; C-MOVE progress is emitted from
	// worker goroutines.
	writeMu sync.Mutex
}

// connWriter is the subset of net.Conn the handlers need; narrowed for the
// deadline-free pipes used in tests.
type connWriter interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

func (a *association) handle() {
	defer a.conn.Close()

	a.logger = log.With().Str("association_id", a.id).Logger()

	if !a.negotiate() {
		metrics.AssociationsRejected.Inc()
		return
	}
	metrics.AssociationsAccepted.Inc()
	a.logger.Info().
		Str("calling_aet", a.callingAET).
		Int("contexts", len(a.contexts)).
		Msg("association established")

	ctx := context.Background()
	for {
		a.conn.SetReadDeadline(time.Now().Add(a.engine.cfg.IdleTimeout))
		msg, dataset, pcid, err := dimse.ReceiveMessage(a.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				// A-RELEASE-RQ or a clean close at a PDU boundary.
				a.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				dimse.WritePDU(a.conn, dimse.PDUReleaseRP, dimse.ReleasePayload())
				a.logger.Info().Msg("association released")
			} else {
				a.logger.Warn().Err(err).Msg("association ended abnormally")
			}
			return
		}

		a.dispatch(ctx, pcid, msg, dataset)
	}
}

// negotiate reads the A-ASSOCIATE-RQ and answers with an A-ASSOCIATE-AC that
// accepts the supported contexts. It reports whether at least one context was
// accepted.
func (a *association) negotiate() bool {
	a.conn.SetReadDeadline(time.Now().Add(a.engine.cfg.ConnectTimeout))

	pdu, err := dimse.ReadPDU(a.conn)
	if err != nil {
		a.logger.Debug().Err(err).Msg("no association request received")
		return false
	}
	if pdu.Type != dimse.PDUAssociateRQ {
		a.logger.Warn().Int("pdu_type", int(pdu.Type)).Msg("unexpected PDU before association")
		a.abort()
		return false
	}

	req, err := dimse.ParseAssociateRQ(pdu.Data)
	if err != nil {
		a.logger.Warn().Err(err).Msg("malformed association request")
		a.abort()
		return false
	}

	a.callingAET = req.CallingAETitle
	a.maxPDU = req.MaxPDULength
	a.contexts = make(map[byte]*dimse.PresentationContext)

	accepted := 0
	for _, pc := range req.PresentationContexts {
		switch {
		case !acceptedAbstractSyntaxes[pc.AbstractSyntax]:
			pc.Result = pcRejectAbstractStx
		default:
			if ts, ok := selectTransferSyntax(pc.TransferSyntaxes); ok {
				pc.Result = pcAccept
				pc.TransferSyntax = ts
				pc.Accepted = true
				a.contexts[pc.ID] = pc
				accepted++
			} else {
				pc.Result = pcRejectTransferStxs
			}
		}
	}

	a.conn.SetWriteDeadline(time.Now().Add(a.engine.cfg.ConnectTimeout))
	ac := dimse.BuildAssociateAC(req, a.engine.cfg.MaxPDULength, req.PresentationContexts)
	if err := dimse.WritePDU(a.conn, dimse.PDUAssociateAC, ac); err != nil {
		a.logger.Warn().Err(err).Msg("failed to send association accept")
		return false
	}
	return accepted > 0
}

func selectTransferSyntax(offered []string) (string, bool) {
	for _, preferred := range preferredTransferSyntaxes {
		for _, ts := range offered {
			if ts == preferred {
				return ts, true
			}
		}
	}
	return "", false
}

func (a *association) dispatch(ctx context.Context, pcid byte, msg *dimse.Message, dataset []byte) {
	switch msg.CommandField {
	case dimse.CEchoRQ:
		a.handleEcho(pcid, msg)
	case dimse.CFindRQ:
		a.handleFind(ctx, pcid, msg, dataset)
	case dimse.CMoveRQ:
		a.handleMove(ctx, pcid, msg, dataset)
	case dimse.CCancelRQ:
		// Cancellation is acknowledged implicitly: in-flight operations run
		// to completion and the peer discards further responses.
		a.logger.Info().Uint16("message_id", msg.MessageIDBeingRespondedTo).Msg("C-CANCEL received")
	default:
		a.logger.Warn().
			Uint16("command_field", msg.CommandField).
			Msg("unrecognized DIMSE command")
		a.sendMessage(pcid, &dimse.Message{
			CommandField:              msg.CommandField | 0x8000,
			MessageIDBeingRespondedTo: msg.MessageID,
			AffectedSOPClassUID:       msg.AffectedSOPClassUID,
			CommandDataSetType:        dimse.NoDataSet,
			Status:                    dimse.StatusUnrecognizedOperation,
		}, nil)
	}
}

// sendMessage writes one complete response message under the write lock.
func (a *association) sendMessage(pcid byte, msg *dimse.Message, dataset []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	a.conn.SetWriteDeadline(time.Now().Add(a.engine.cfg.IdleTimeout))
	if err := dimse.SendMessage(a.conn, pcid, a.maxPDU, msg, dataset); err != nil {
		a.logger.Warn().Err(err).Msg("failed to send response")
		return err
	}
	return nil
}

// transferSyntaxFor returns the negotiated transfer syntax of a presentation
// context.
func (a *association) transferSyntaxFor(pcid byte) string {
	if pc, ok := a.contexts[pcid]; ok {
		return pc.TransferSyntax
	}
	return dimse.ImplicitVRLittleEndian
}

func (a *association) abort() {
	a.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	dimse.WritePDU(a.conn, dimse.PDUAbort, []byte{0x00, 0x00, abortServiceProvider, abortReasonUnexpected})
}
