package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// PDU type bytes from the DICOM upper layer protocol.
const (
	PDUAssociateRQ = 0x01
	PDUAssociateAC = 0x02
	PDUAssociateRJ = 0x03
	PDUPDataTF     = 0x04
	PDUReleaseRQ   = 0x05
	PDUReleaseRP   = 0x06
	PDUAbort       = 0x07
)

// DefaultMaxPDULength is used when the peer does not announce one.
const DefaultMaxPDULength uint32 = 16384

const (
	implementationClassUID = "1.2.826.0.1.3680043.9.7433.2.1"
	implementationVersion  = "MADO_GATEWAY_V1"
	pcResultAcceptance     = 0x00
	pcResultRejectAbstract = 0x03
	pcResultRejectTransfer = 0x04
)

// PDU is one protocol data unit.
type PDU struct {
	Type byte
	Data []byte
}

// ReadPDU reads one complete PDU from r.
func ReadPDU(r io.Reader) (*PDU, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[2:6])
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("dimse: failed to read PDU body: %w", err)
	}
	return &PDU{Type: header[0], Data: data}, nil
}

// WritePDU writes one PDU to w as a single write.
func WritePDU(w io.Writer, pduType byte, data []byte) error {
	buf := make([]byte, 6, 6+len(data))
	buf[0] = pduType
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(data)))
	buf = append(buf, data...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("dimse: failed to write PDU: %w", err)
	}
	return nil
}

// PresentationContext is one (abstract syntax, transfer syntax) pairing. On
// the proposing side TransferSyntaxes lists what is offered; after
// negotiation TransferSyntax holds the selected one and Result the outcome.
type PresentationContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
	TransferSyntax   string
	Result           byte
	Accepted         bool
}

// AssociationRequest is the parsed content of an A-ASSOCIATE-RQ.
type AssociationRequest struct {
	CalledAETitle        string
	CallingAETitle       string
	MaxPDULength         uint32
	PresentationContexts []*PresentationContext
}

// BuildAssociateRQ encodes an A-ASSOCIATE-RQ payload for the given AE titles
// and proposed presentation contexts.
func BuildAssociateRQ(callingAET, calledAET string, maxPDULength uint32, contexts []*PresentationContext) []byte {
	buf := make([]byte, 0, 1024)
	buf = append(buf, 0x00, 0x01) // protocol version
	buf = append(buf, 0x00, 0x00)
	buf = append(buf, padAETitle(calledAET)...)
	buf = append(buf, padAETitle(callingAET)...)
	buf = append(buf, make([]byte, 32)...)

	buf = appendItem(buf, 0x10, []byte(ApplicationContextUID))

	for _, pc := range contexts {
		item := []byte{pc.ID, 0x00, 0x00, 0x00}
		item = appendItem(item, 0x30, []byte(pc.AbstractSyntax))
		for _, ts := range pc.TransferSyntaxes {
			item = appendItem(item, 0x40, []byte(ts))
		}
		buf = appendItem(buf, 0x20, item)
	}

	buf = append(buf, buildUserInformation(maxPDULength)...)
	return buf
}

// ParseAssociateRQ parses an A-ASSOCIATE-RQ payload.
func ParseAssociateRQ(data []byte) (*AssociationRequest, error) {
	if len(data) < 68 {
		return nil, fmt.Errorf("dimse: association request too short: %d bytes", len(data))
	}

	req := &AssociationRequest{
		CalledAETitle:  trimAETitle(data[4:20]),
		CallingAETitle: trimAETitle(data[20:36]),
		MaxPDULength:   DefaultMaxPDULength,
	}

	offset := 68
	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(itemLength)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("dimse: association item exceeds PDU length")
		}
		item := data[valueStart:valueEnd]

		switch itemType {
		case 0x20:
			pc, err := parsePresentationContextItem(item)
			if err != nil {
				return nil, err
			}
			req.PresentationContexts = append(req.PresentationContexts, pc)
		case 0x50:
			if maxPDU := parseMaxPDULength(item); maxPDU > 0 {
				req.MaxPDULength = maxPDU
			}
		}
		offset = valueEnd
	}
	return req, nil
}

func parsePresentationContextItem(item []byte) (*PresentationContext, error) {
	if len(item) < 4 {
		return nil, fmt.Errorf("dimse: presentation context item too short")
	}
	pc := &PresentationContext{ID: item[0]}

	offset := 4
	for offset+4 <= len(item) {
		subType := item[offset]
		subLength := binary.BigEndian.Uint16(item[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(subLength)
		if valueEnd > len(item) {
			return nil, fmt.Errorf("dimse: presentation context %d sub-item exceeds length", pc.ID)
		}
		value := strings.TrimRight(string(item[valueStart:valueEnd]), "\x00 ")

		switch subType {
		case 0x30:
			pc.AbstractSyntax = value
		case 0x40:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, value)
		}
		offset = valueEnd
	}

	if pc.AbstractSyntax == "" {
		return nil, fmt.Errorf("dimse: presentation context %d missing abstract syntax", pc.ID)
	}
	return pc, nil
}

// BuildAssociateAC encodes an A-ASSOCIATE-AC payload echoing the request's
// AE titles with one result item per negotiated context.
func BuildAssociateAC(req *AssociationRequest, maxPDULength uint32, contexts []*PresentationContext) []byte {
	buf := make([]byte, 0, 1024)
	buf = append(buf, 0x00, 0x01)
	buf = append(buf, 0x00, 0x00)
	buf = append(buf, padAETitle(req.CalledAETitle)...)
	buf = append(buf, padAETitle(req.CallingAETitle)...)
	buf = append(buf, make([]byte, 32)...)

	buf = appendItem(buf, 0x10, []byte(ApplicationContextUID))

	for _, pc := range contexts {
		item := []byte{pc.ID, pc.Result, 0x00, 0x00}
		if pc.Result == pcResultAcceptance {
			item = appendItem(item, 0x40, []byte(pc.TransferSyntax))
		}
		buf = appendItem(buf, 0x21, item)
	}

	buf = append(buf, buildUserInformation(maxPDULength)...)
	return buf
}

// ParseAssociateAC parses an A-ASSOCIATE-AC payload and applies the results
// to the proposed contexts, matching by presentation context ID.
func ParseAssociateAC(data []byte, proposed []*PresentationContext) (uint32, error) {
	if len(data) < 68 {
		return 0, fmt.Errorf("dimse: association accept too short: %d bytes", len(data))
	}

	byID := make(map[byte]*PresentationContext, len(proposed))
	for _, pc := range proposed {
		byID[pc.ID] = pc
	}

	maxPDULength := DefaultMaxPDULength
	offset := 68
	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(itemLength)
		if valueEnd > len(data) {
			break
		}
		item := data[valueStart:valueEnd]

		switch itemType {
		case 0x21:
			if len(item) < 4 {
				break
			}
			pc, ok := byID[item[0]]
			if !ok {
				break
			}
			pc.Result = item[1]
			pc.Accepted = item[1] == pcResultAcceptance

			subOffset := 4
			for subOffset+4 <= len(item) {
				subType := item[subOffset]
				subLength := binary.BigEndian.Uint16(item[subOffset+2 : subOffset+4])
				subEnd := subOffset + 4 + int(subLength)
				if subEnd > len(item) {
					break
				}
				if subType == 0x40 && pc.Accepted {
					pc.TransferSyntax = strings.TrimRight(string(item[subOffset+4:subEnd]), "\x00 ")
				}
				subOffset = subEnd
			}
		case 0x50:
			if maxPDU := parseMaxPDULength(item); maxPDU > 0 {
				maxPDULength = maxPDU
			}
		}
		offset = valueEnd
	}
	return maxPDULength, nil
}

// ReleasePayload is the fixed body of A-RELEASE-RQ and A-RELEASE-RP PDUs.
func ReleasePayload() []byte {
	return []byte{0x00, 0x00, 0x00, 0x00}
}

// SendPDataTF fragments data across P-DATA-TF PDUs respecting maxPDULength.
// isCommand selects the message control header bit; the final fragment is
// flagged as last.
func SendPDataTF(w io.Writer, presContextID byte, maxPDULength uint32, data []byte, isCommand bool) error {
	maxPDVData := int(maxPDULength) - 12
	if maxPDVData <= 0 {
		maxPDVData = int(DefaultMaxPDULength) - 12
	}

	offset := 0
	for {
		chunk := len(data) - offset
		last := true
		if chunk > maxPDVData {
			chunk = maxPDVData
			last = false
		}

		pdv := make([]byte, 0, chunk+6)
		pdvLength := make([]byte, 4)
		binary.BigEndian.PutUint32(pdvLength, uint32(chunk+2))
		pdv = append(pdv, pdvLength...)
		pdv = append(pdv, presContextID)

		control := byte(0)
		if isCommand {
			control |= 0x01
		}
		if last {
			control |= 0x02
		}
		pdv = append(pdv, control)
		pdv = append(pdv, data[offset:offset+chunk]...)

		if err := WritePDU(w, PDUPDataTF, pdv); err != nil {
			return err
		}

		offset += chunk
		if offset >= len(data) {
			return nil
		}
	}
}

// SendMessage writes a DIMSE command and optional dataset on one
// presentation context.
func SendMessage(w io.Writer, presContextID byte, maxPDULength uint32, msg *Message, dataset []byte) error {
	if err := SendPDataTF(w, presContextID, maxPDULength, EncodeCommand(msg), true); err != nil {
		return err
	}
	if len(dataset) > 0 {
		return SendPDataTF(w, presContextID, maxPDULength, dataset, false)
	}
	return nil
}

// ReceiveMessage reads PDUs until one complete DIMSE message (command plus
// dataset, when announced) has been assembled. The presentation context ID of
// the command PDV is returned alongside.
func ReceiveMessage(r io.Reader) (*Message, []byte, byte, error) {
	var (
		commandData     []byte
		datasetData     []byte
		presContextID   byte
		msg             *Message
		commandComplete bool
		datasetComplete bool
	)

	for {
		pdu, err := ReadPDU(r)
		if err != nil {
			return nil, nil, 0, err
		}

		switch pdu.Type {
		case PDUPDataTF:
			offset := 0
			for offset < len(pdu.Data) {
				if offset+6 > len(pdu.Data) {
					return nil, nil, 0, fmt.Errorf("dimse: malformed PDV")
				}
				pdvLength := binary.BigEndian.Uint32(pdu.Data[offset : offset+4])
				end := offset + 4 + int(pdvLength)
				if end > len(pdu.Data) {
					return nil, nil, 0, fmt.Errorf("dimse: PDV length exceeds PDU payload")
				}

				control := pdu.Data[offset+5]
				value := pdu.Data[offset+6 : end]
				isCommand := control&0x01 != 0
				isLast := control&0x02 != 0

				if isCommand {
					presContextID = pdu.Data[offset+4]
					commandData = append(commandData, value...)
					if isLast {
						commandComplete = true
						msg, err = DecodeCommand(commandData)
						if err != nil {
							return nil, nil, 0, err
						}
						datasetComplete = !msg.HasDataset()
					}
				} else {
					datasetData = append(datasetData, value...)
					if isLast {
						datasetComplete = true
					}
				}
				offset = end
			}
		case PDUAbort:
			var source, reason byte
			if len(pdu.Data) >= 4 {
				source, reason = pdu.Data[2], pdu.Data[3]
			}
			return nil, nil, 0, fmt.Errorf("dimse: received A-ABORT (source=%d, reason=%d)", source, reason)
		case PDUReleaseRQ:
			return nil, nil, 0, io.EOF
		default:
			return nil, nil, 0, fmt.Errorf("dimse: unexpected PDU type 0x%02x", pdu.Type)
		}

		if commandComplete && datasetComplete {
			return msg, datasetData, presContextID, nil
		}
	}
}

func buildUserInformation(maxPDULength uint32) []byte {
	item := make([]byte, 0, 96)

	maxPDU := make([]byte, 4)
	binary.BigEndian.PutUint32(maxPDU, maxPDULength)
	item = appendItem(item, 0x51, maxPDU)
	item = appendItem(item, 0x52, []byte(implementationClassUID))
	item = appendItem(item, 0x55, []byte(implementationVersion))

	return appendItem(nil, 0x50, item)
}

func parseMaxPDULength(item []byte) uint32 {
	offset := 0
	for offset+4 <= len(item) {
		subType := item[offset]
		subLength := binary.BigEndian.Uint16(item[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(subLength)
		if valueEnd > len(item) {
			return 0
		}
		if subType == 0x51 && subLength == 4 {
			return binary.BigEndian.Uint32(item[valueStart:valueEnd])
		}
		offset = valueEnd
	}
	return 0
}

func appendItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00)
	length := make([]byte, 2)
	binary.BigEndian.PutUint16(length, uint16(len(value)))
	buf = append(buf, length...)
	return append(buf, value...)
}

func padAETitle(aet string) []byte {
	out := []byte(fmt.Sprintf("%-16s", aet))
	return out[:16]
}

func trimAETitle(raw []byte) string {
	s := string(raw)
	if idx := strings.IndexByte(s, 0); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
