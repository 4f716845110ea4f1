package dimse

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Tag identifies a DICOM data element by (group, element).
type Tag struct {
	Group   uint16
	Element uint16
}

// String returns the tag in (GGGG,EEEE) format.
func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

// Less orders tags by group, then element.
func (t Tag) Less(other Tag) bool {
	if t.Group != other.Group {
		return t.Group < other.Group
	}
	return t.Element < other.Element
}

// Tags used in Query/Retrieve identifier datasets.
var (
	TagSpecificCharacterSet          = Tag{0x0008, 0x0005}
	TagSOPClassUID                   = Tag{0x0008, 0x0016}
	TagSOPInstanceUID                = Tag{0x0008, 0x0018}
	TagStudyDate                     = Tag{0x0008, 0x0020}
	TagStudyTime                     = Tag{0x0008, 0x0030}
	TagAccessionNumber               = Tag{0x0008, 0x0050}
	TagQueryRetrieveLevel            = Tag{0x0008, 0x0052}
	TagRetrieveAETitle               = Tag{0x0008, 0x0054}
	TagModality                      = Tag{0x0008, 0x0060}
	TagModalitiesInStudy             = Tag{0x0008, 0x0061}
	TagReferringPhysicianName        = Tag{0x0008, 0x0090}
	TagStudyDescription              = Tag{0x0008, 0x1030}
	TagSeriesDescription             = Tag{0x0008, 0x103E}
	TagRetrieveURL                   = Tag{0x0008, 0x1190}
	TagPatientName                   = Tag{0x0010, 0x0010}
	TagPatientID                     = Tag{0x0010, 0x0020}
	TagPatientBirthDate              = Tag{0x0010, 0x0030}
	TagPatientSex                    = Tag{0x0010, 0x0040}
	TagStudyInstanceUID              = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID             = Tag{0x0020, 0x000E}
	TagStudyID                       = Tag{0x0020, 0x0010}
	TagSeriesNumber                  = Tag{0x0020, 0x0011}
	TagInstanceNumber                = Tag{0x0020, 0x0013}
	TagNumberOfStudyRelatedSeries    = Tag{0x0020, 0x1206}
	TagNumberOfStudyRelatedInstances = Tag{0x0020, 0x1208}
	TagNumberOfFrames                = Tag{0x0028, 0x0008}
	TagRows                          = Tag{0x0028, 0x0010}
	TagColumns                       = Tag{0x0028, 0x0011}
)

// Element is a single identifier attribute. Query/Retrieve identifiers carry
// only string-convertible VRs, so values are held as strings.
type Element struct {
	Tag   Tag
	VR    string
	Value string
}

// Dataset is an ordered collection of identifier elements. Iteration order is
// insertion order, which lets C-FIND responses mirror request key order.
type Dataset struct {
	order    []Tag
	elements map[Tag]*Element
}

// NewDataset creates an empty identifier dataset.
func NewDataset() *Dataset {
	return &Dataset{elements: make(map[Tag]*Element)}
}

// Set adds or replaces an element, deriving the VR from the dictionary.
func (d *Dataset) Set(tag Tag, value string) {
	if _, exists := d.elements[tag]; !exists {
		d.order = append(d.order, tag)
	}
	d.elements[tag] = &Element{Tag: tag, VR: vrFor(tag), Value: value}
}

// Get returns the trimmed value for tag, or "" when absent.
func (d *Dataset) Get(tag Tag) string {
	if e, ok := d.elements[tag]; ok {
		return strings.TrimSpace(e.Value)
	}
	return ""
}

// Has reports whether the tag is present, regardless of value.
func (d *Dataset) Has(tag Tag) bool {
	_, ok := d.elements[tag]
	return ok
}

// Tags returns the element tags in insertion order.
func (d *Dataset) Tags() []Tag {
	out := make([]Tag, len(d.order))
	copy(out, d.order)
	return out
}

// Len returns the number of elements.
func (d *Dataset) Len() int {
	return len(d.order)
}

// byteOrderFor maps a transfer syntax onto its byte order. Explicit VR Big
// Endian is the only big-endian syntax the gateway negotiates.
func byteOrderFor(transferSyntax string) binary.ByteOrder {
	if transferSyntax == ExplicitVRBigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Encode serializes the dataset using the given transfer syntax. Values with
// odd length are padded with a space, as required for text VRs.
func (d *Dataset) Encode(transferSyntax string) ([]byte, error) {
	order := byteOrderFor(transferSyntax)
	explicit := transferSyntax != ImplicitVRLittleEndian

	buf := make([]byte, 0, 256)
	for _, tag := range d.order {
		e := d.elements[tag]
		var value []byte
		if e.VR == "US" {
			// Empty stays zero-length: a universal-match key carries no value.
			if trimmed := strings.TrimSpace(e.Value); trimmed != "" {
				n, err := strconv.ParseUint(trimmed, 10, 16)
				if err != nil {
					return nil, fmt.Errorf("dimse: element %s is not a US value: %w", tag, err)
				}
				value = make([]byte, 2)
				order.PutUint16(value, uint16(n))
			}
		} else {
			value = []byte(e.Value)
		}
		if len(value)%2 == 1 {
			if e.VR == "UI" {
				value = append(value, 0x00)
			} else {
				value = append(value, ' ')
			}
		}
		if len(value) > 0xFFFF {
			return nil, fmt.Errorf("dimse: element %s value too long: %d bytes", tag, len(value))
		}

		group := make([]byte, 2)
		order.PutUint16(group, tag.Group)
		buf = append(buf, group...)
		elem := make([]byte, 2)
		order.PutUint16(elem, tag.Element)
		buf = append(buf, elem...)

		if explicit {
			buf = append(buf, []byte(e.VR)...)
			length := make([]byte, 2)
			order.PutUint16(length, uint16(len(value)))
			buf = append(buf, length...)
		} else {
			length := make([]byte, 4)
			order.PutUint32(length, uint32(len(value)))
			buf = append(buf, length...)
		}
		buf = append(buf, value...)
	}
	return buf, nil
}

// ParseDataset decodes an identifier dataset encoded with the given transfer
// syntax. Elements with VRs that cannot hold text (sequences, bulk data) are
// skipped; Query/Retrieve identifiers do not carry them.
func ParseDataset(data []byte, transferSyntax string) (*Dataset, error) {
	order := byteOrderFor(transferSyntax)
	explicit := transferSyntax != ImplicitVRLittleEndian

	d := NewDataset()
	offset := 0
	for offset+8 <= len(data) {
		tag := Tag{
			Group:   order.Uint16(data[offset : offset+2]),
			Element: order.Uint16(data[offset+2 : offset+4]),
		}

		var vr string
		var length uint32
		var valueStart int

		if explicit {
			vr = string(data[offset+4 : offset+6])
			if isLongVR(vr) {
				if offset+12 > len(data) {
					break
				}
				length = order.Uint32(data[offset+8 : offset+12])
				valueStart = offset + 12
			} else {
				length = uint32(order.Uint16(data[offset+6 : offset+8]))
				valueStart = offset + 8
			}
		} else {
			vr = vrFor(tag)
			length = order.Uint32(data[offset+4 : offset+8])
			valueStart = offset + 8
		}

		if length == 0xFFFFFFFF {
			return nil, fmt.Errorf("dimse: undefined-length element %s in identifier", tag)
		}
		valueEnd := valueStart + int(length)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("dimse: element %s exceeds dataset length", tag)
		}

		if vr != "SQ" && vr != "OB" && vr != "OW" && vr != "UN" {
			var value string
			if vr == "US" && length == 2 {
				value = strconv.FormatUint(uint64(order.Uint16(data[valueStart:valueEnd])), 10)
			} else {
				value = strings.TrimRight(string(data[valueStart:valueEnd]), "\x00 ")
			}
			if _, exists := d.elements[tag]; !exists {
				d.order = append(d.order, tag)
			}
			d.elements[tag] = &Element{Tag: tag, VR: vr, Value: value}
		}

		offset = valueEnd
		if length%2 == 1 {
			offset++
		}
	}
	return d, nil
}

func isLongVR(vr string) bool {
	switch vr {
	case "OB", "OD", "OF", "OL", "OV", "OW", "SQ", "UC", "UN", "UR", "UT", "SV", "UV":
		return true
	}
	return false
}

// vrFor maps the tags used in identifier datasets onto their VR. Unknown
// tags fall back to LO, which round-trips as text.
func vrFor(tag Tag) string {
	switch tag {
	case TagSpecificCharacterSet, TagQueryRetrieveLevel, TagModality,
		TagModalitiesInStudy, TagPatientSex:
		return "CS"
	case TagSOPClassUID, TagSOPInstanceUID, TagStudyInstanceUID, TagSeriesInstanceUID:
		return "UI"
	case TagStudyDate, TagPatientBirthDate:
		return "DA"
	case TagStudyTime:
		return "TM"
	case TagAccessionNumber, TagStudyID:
		return "SH"
	case TagRetrieveAETitle:
		return "AE"
	case TagReferringPhysicianName, TagPatientName:
		return "PN"
	case TagStudyDescription, TagSeriesDescription, TagPatientID:
		return "LO"
	case TagRetrieveURL:
		return "UR"
	case TagSeriesNumber, TagInstanceNumber, TagNumberOfStudyRelatedSeries,
		TagNumberOfStudyRelatedInstances, TagNumberOfFrames:
		return "IS"
	case TagRows, TagColumns:
		return "US"
	}
	return "LO"
}
