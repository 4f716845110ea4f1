package dimse

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const part10HeaderLength = 132

// FileMeta is the subset of the Part-10 File Meta Information the gateway
// needs to forward an instance without transcoding.
type FileMeta struct {
	TransferSyntaxUID  string
	SOPClassUID        string
	SOPInstanceUID     string
	MetaLength         int // offset of the first dataset byte
}

// IsPart10 reports whether data carries the Part-10 preamble and magic.
func IsPart10(data []byte) bool {
	return len(data) >= part10HeaderLength &&
		string(data[128:132]) == "DICM"
}

// ParseFileMeta validates the Part-10 header and reads the File Meta
// Information group, which is always encoded with Explicit VR Little Endian.
func ParseFileMeta(data []byte) (*FileMeta, error) {
	if !IsPart10(data) {
		return nil, fmt.Errorf("dimse: missing DICM magic at offset 128")
	}

	meta := &FileMeta{}
	offset := part10HeaderLength
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		if group != 0x0002 {
			break
		}
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		vr := string(data[offset+4 : offset+6])

		var length uint32
		var valueStart int
		if isLongVR(vr) {
			if offset+12 > len(data) {
				return nil, fmt.Errorf("dimse: truncated file meta element")
			}
			length = binary.LittleEndian.Uint32(data[offset+8 : offset+12])
			valueStart = offset + 12
		} else {
			length = uint32(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
			valueStart = offset + 8
		}

		valueEnd := valueStart + int(length)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("dimse: file meta element exceeds file length")
		}
		value := strings.TrimRight(string(data[valueStart:valueEnd]), "\x00 ")

		switch element {
		case 0x0002:
			meta.SOPClassUID = value
		case 0x0003:
			meta.SOPInstanceUID = value
		case 0x0010:
			meta.TransferSyntaxUID = value
		}
		offset = valueEnd
	}

	if meta.TransferSyntaxUID == "" {
		return nil, fmt.Errorf("dimse: file meta missing TransferSyntaxUID")
	}
	meta.MetaLength = offset
	return meta, nil
}

// StripFileMeta returns the dataset bytes following the File Meta group,
// encoded in the file's own transfer syntax.
func StripFileMeta(data []byte) ([]byte, *FileMeta, error) {
	meta, err := ParseFileMeta(data)
	if err != nil {
		return nil, nil, err
	}
	return data[meta.MetaLength:], meta, nil
}
