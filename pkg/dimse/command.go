package dimse

import (
	"encoding/binary"
	"strings"
)

// Message is a parsed DIMSE command set. Commands are always encoded with
// Implicit VR Little Endian regardless of the negotiated transfer syntax.
type Message struct {
	CommandField              uint16
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	MoveDestination           string
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16

	// C-MOVE sub-operation counters; nil when absent.
	NumberOfRemainingSuboperations *uint16
	NumberOfCompletedSuboperations *uint16
	NumberOfFailedSuboperations    *uint16
	NumberOfWarningSuboperations   *uint16
}

// HasDataset reports whether the message announces an accompanying dataset.
func (m *Message) HasDataset() bool {
	return m.CommandDataSetType != NoDataSet
}

// EncodeCommand serializes a DIMSE command set with Implicit VR Little
// Endian, prefixed with the Command Group Length element.
func EncodeCommand(msg *Message) []byte {
	buf := make([]byte, 0, 256)

	buf = appendImplicitElement(buf, 0x0000, 0x0000, make([]byte, 4))
	lengthPos := len(buf) - 4

	if msg.AffectedSOPClassUID != "" {
		buf = appendImplicitElement(buf, 0x0000, 0x0002, padUID(msg.AffectedSOPClassUID))
	}

	cmd := make([]byte, 2)
	binary.LittleEndian.PutUint16(cmd, msg.CommandField)
	buf = appendImplicitElement(buf, 0x0000, 0x0100, cmd)

	if msg.MessageID != 0 {
		id := make([]byte, 2)
		binary.LittleEndian.PutUint16(id, msg.MessageID)
		buf = appendImplicitElement(buf, 0x0000, 0x0110, id)
	}
	if msg.MessageIDBeingRespondedTo != 0 {
		id := make([]byte, 2)
		binary.LittleEndian.PutUint16(id, msg.MessageIDBeingRespondedTo)
		buf = appendImplicitElement(buf, 0x0000, 0x0120, id)
	}
	if msg.MoveDestination != "" {
		dest := []byte(msg.MoveDestination)
		if len(dest)%2 == 1 {
			dest = append(dest, ' ')
		}
		buf = appendImplicitElement(buf, 0x0000, 0x0600, dest)
	}
	if msg.Priority != 0 {
		prio := make([]byte, 2)
		binary.LittleEndian.PutUint16(prio, msg.Priority)
		buf = appendImplicitElement(buf, 0x0000, 0x0700, prio)
	}

	dst := make([]byte, 2)
	binary.LittleEndian.PutUint16(dst, msg.CommandDataSetType)
	buf = appendImplicitElement(buf, 0x0000, 0x0800, dst)

	if msg.CommandField&0x8000 != 0 {
		status := make([]byte, 2)
		binary.LittleEndian.PutUint16(status, msg.Status)
		buf = appendImplicitElement(buf, 0x0000, 0x0900, status)
	}
	if msg.AffectedSOPInstanceUID != "" {
		buf = appendImplicitElement(buf, 0x0000, 0x1000, padUID(msg.AffectedSOPInstanceUID))
	}

	buf = appendCounter(buf, 0x1020, msg.NumberOfRemainingSuboperations)
	buf = appendCounter(buf, 0x1021, msg.NumberOfCompletedSuboperations)
	buf = appendCounter(buf, 0x1022, msg.NumberOfFailedSuboperations)
	buf = appendCounter(buf, 0x1023, msg.NumberOfWarningSuboperations)

	binary.LittleEndian.PutUint32(buf[lengthPos:lengthPos+4], uint32(len(buf)-lengthPos-4))
	return buf
}

// DecodeCommand parses a DIMSE command set. Unknown command elements are
// ignored; CommandDataSetType defaults to "no dataset present".
func DecodeCommand(data []byte) (*Message, error) {
	msg := &Message{CommandDataSetType: NoDataSet}

	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])

		if offset+8+int(length) > len(data) {
			break
		}
		value := data[offset+8 : offset+8+int(length)]

		if group == 0x0000 {
			switch element {
			case 0x0002:
				msg.AffectedSOPClassUID = trimUID(value)
			case 0x0100:
				if len(value) >= 2 {
					msg.CommandField = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x0110:
				if len(value) >= 2 {
					msg.MessageID = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x0120:
				if len(value) >= 2 {
					msg.MessageIDBeingRespondedTo = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x0600:
				msg.MoveDestination = strings.TrimSpace(trimUID(value))
			case 0x0700:
				if len(value) >= 2 {
					msg.Priority = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x0800:
				if len(value) >= 2 {
					msg.CommandDataSetType = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x0900:
				if len(value) >= 2 {
					msg.Status = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x1000:
				msg.AffectedSOPInstanceUID = trimUID(value)
			case 0x1020:
				msg.NumberOfRemainingSuboperations = decodeCounter(value)
			case 0x1021:
				msg.NumberOfCompletedSuboperations = decodeCounter(value)
			case 0x1022:
				msg.NumberOfFailedSuboperations = decodeCounter(value)
			case 0x1023:
				msg.NumberOfWarningSuboperations = decodeCounter(value)
			}
		}

		offset += 8 + int(length)
		if length%2 == 1 {
			offset++
		}
	}
	return msg, nil
}

func appendImplicitElement(buf []byte, group, element uint16, value []byte) []byte {
	buf = append(buf, byte(group), byte(group>>8))
	buf = append(buf, byte(element), byte(element>>8))
	length := uint32(len(value))
	buf = append(buf, byte(length), byte(length>>8), byte(length>>16), byte(length>>24))
	return append(buf, value...)
}

func appendCounter(buf []byte, element uint16, value *uint16) []byte {
	if value == nil {
		return buf
	}
	v := make([]byte, 2)
	binary.LittleEndian.PutUint16(v, *value)
	return appendImplicitElement(buf, 0x0000, element, v)
}

func decodeCounter(value []byte) *uint16 {
	if len(value) < 2 {
		return nil
	}
	v := binary.LittleEndian.Uint16(value[:2])
	return &v
}

func padUID(uid string) []byte {
	b := []byte(uid)
	if len(b)%2 == 1 {
		b = append(b, 0x00)
	}
	return b
}

func trimUID(value []byte) string {
	return strings.TrimRight(string(value), "\x00 ")
}
