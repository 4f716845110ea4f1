package dimse

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Association is an outbound DICOM association acting as SCU.
type Association struct {
	conn         net.Conn
	callingAET   string
	calledAET    string
	host         string
	port         int
	maxPDULength uint32
	peerMaxPDU   uint32
	timeout      time.Duration
	contexts     []*PresentationContext
	mu           sync.Mutex
	isConnected  bool
	lastUsed     time.Time
	nextMsgID    uint16
}

// AssociationConfig holds configuration for outbound DICOM associations.
type AssociationConfig struct {
	Host         string
	Port         int
	CallingAET   string
	CalledAET    string
	Timeout      time.Duration
	MaxPDULength uint32

	// PresentationContexts proposed on connect. When empty, a single
	// Verification context offering the default transfer syntaxes is used.
	PresentationContexts []*PresentationContext
}

// NewAssociation creates a new outbound DICOM association.
func NewAssociation(config AssociationConfig) *Association {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxPDULength == 0 {
		config.MaxPDULength = DefaultMaxPDULength
	}

	contexts := config.PresentationContexts
	if len(contexts) == 0 {
		contexts = []*PresentationContext{{
			ID:             1,
			AbstractSyntax: VerificationSOPClass,
			TransferSyntaxes: []string{
				ImplicitVRLittleEndian,
				ExplicitVRLittleEndian,
			},
		}}
	}

	return &Association{
		callingAET:   config.CallingAET,
		calledAET:    config.CalledAET,
		host:         config.Host,
		port:         config.Port,
		maxPDULength: config.MaxPDULength,
		peerMaxPDU:   DefaultMaxPDULength,
		timeout:      config.Timeout,
		contexts:     contexts,
		nextMsgID:    1,
	}
}

// Connect establishes the association: TCP dial, A-ASSOCIATE-RQ, then the
// peer's A-ASSOCIATE-AC or A-ASSOCIATE-RJ.
func (a *Association) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isConnected {
		return nil
	}

	addr := net.JoinHostPort(a.host, fmt.Sprintf("%d", a.port))
	dialer := &net.Dialer{Timeout: a.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	a.conn = conn

	if err := a.negotiate(); err != nil {
		conn.Close()
		a.conn = nil
		return err
	}

	a.isConnected = true
	a.lastUsed = time.Now()
	return nil
}

func (a *Association) negotiate() error {
	if err := a.conn.SetDeadline(time.Now().Add(a.timeout)); err != nil {
		return err
	}

	rq := BuildAssociateRQ(a.callingAET, a.calledAET, a.maxPDULength, a.contexts)
	if err := WritePDU(a.conn, PDUAssociateRQ, rq); err != nil {
		return fmt.Errorf("failed to send associate request: %w", err)
	}

	pdu, err := ReadPDU(a.conn)
	if err != nil {
		return fmt.Errorf("failed to receive associate response: %w", err)
	}

	switch pdu.Type {
	case PDUAssociateAC:
		peerMax, err := ParseAssociateAC(pdu.Data, a.contexts)
		if err != nil {
			return err
		}
		a.peerMaxPDU = peerMax
	case PDUAssociateRJ:
		var result, source, reason byte
		if len(pdu.Data) >= 4 {
			result, source, reason = pdu.Data[1], pdu.Data[2], pdu.Data[3]
		}
		return fmt.Errorf("association rejected by %s (result=%d, source=%d, reason=%d)",
			a.calledAET, result, source, reason)
	default:
		return fmt.Errorf("unexpected PDU type 0x%02x during association", pdu.Type)
	}

	for _, pc := range a.contexts {
		if pc.Accepted {
			return nil
		}
	}
	return fmt.Errorf("peer %s accepted none of the proposed presentation contexts", a.calledAET)
}

// AcceptedContext returns the negotiated presentation context for the given
// abstract syntax, or false when the peer rejected it.
func (a *Association) AcceptedContext(abstractSyntax string) (*PresentationContext, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, pc := range a.contexts {
		if pc.AbstractSyntax == abstractSyntax && pc.Accepted {
			return pc, true
		}
	}
	return nil, false
}

// Close releases the association gracefully and closes the connection.
func (a *Association) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isConnected {
		return nil
	}
	a.isConnected = false

	a.conn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := WritePDU(a.conn, PDUReleaseRQ, ReleasePayload()); err == nil {
		// Best effort: wait for A-RELEASE-RP, ignore whatever arrives.
		ReadPDU(a.conn)
	}
	return a.conn.Close()
}

// IsConnected checks if the association is still active.
func (a *Association) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isConnected
}

// UpdateLastUsed updates the last used timestamp.
func (a *Association) UpdateLastUsed() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastUsed = time.Now()
}

// GetLastUsed returns the last used timestamp.
func (a *Association) GetLastUsed() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUsed
}

func (a *Association) newMessageID() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextMsgID
	a.nextMsgID++
	if a.nextMsgID == 0 {
		a.nextMsgID = 1
	}
	return id
}

// send writes a DIMSE message (command plus optional dataset) on the given
// presentation context, honoring the peer's maximum PDU length.
func (a *Association) send(presContextID byte, msg *Message, dataset []byte) error {
	if err := a.conn.SetWriteDeadline(time.Now().Add(a.timeout)); err != nil {
		return err
	}
	return SendMessage(a.conn, presContextID, a.peerMaxPDU, msg, dataset)
}

// receive reads the next complete DIMSE message from the peer.
func (a *Association) receive() (*Message, []byte, error) {
	if err := a.conn.SetReadDeadline(time.Now().Add(a.timeout)); err != nil {
		return nil, nil, err
	}
	msg, dataset, _, err := ReceiveMessage(a.conn)
	return msg, dataset, err
}
