package dimse

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendExplicitMetaElement(buf []byte, element uint16, vr, value string) []byte {
	v := []byte(value)
	if len(v)%2 == 1 {
		if vr == "UI" {
			v = append(v, 0x00)
		} else {
			v = append(v, ' ')
		}
	}
	buf = append(buf, 0x02, 0x00, byte(element), byte(element>>8))
	buf = append(buf, vr...)
	length := make([]byte, 2)
	binary.LittleEndian.PutUint16(length, uint16(len(v)))
	buf = append(buf, length...)
	return append(buf, v...)
}

func buildPart10File(transferSyntax string, dataset []byte) []byte {
	file := make([]byte, 128)
	file = append(file, "DICM"...)
	file = appendExplicitMetaElement(file, 0x0002, "UI", CTImageStorage)
	file = appendExplicitMetaElement(file, 0x0003, "UI", "1.2.840.113619.2.5.999.42")
	file = appendExplicitMetaElement(file, 0x0010, "UI", transferSyntax)
	return append(file, dataset...)
}

func TestParseFileMeta(t *testing.T) {
	file := buildPart10File(ExplicitVRLittleEndian, nil)

	meta, err := ParseFileMeta(file)
	require.NoError(t, err)

	assert.Equal(t, ExplicitVRLittleEndian, meta.TransferSyntaxUID)
	assert.Equal(t, CTImageStorage, meta.SOPClassUID)
	assert.Equal(t, "1.2.840.113619.2.5.999.42", meta.SOPInstanceUID)
	assert.Equal(t, len(file), meta.MetaLength)
}

func TestStripFileMeta(t *testing.T) {
	identifier := NewDataset()
	identifier.Set(TagSOPInstanceUID, "1.2.840.113619.2.5.999.42")
	dataset, err := identifier.Encode(ImplicitVRLittleEndian)
	require.NoError(t, err)

	file := buildPart10File(ImplicitVRLittleEndian, dataset)

	stripped, meta, err := StripFileMeta(file)
	require.NoError(t, err)
	assert.Equal(t, ImplicitVRLittleEndian, meta.TransferSyntaxUID)
	assert.Equal(t, dataset, stripped)
}

func TestIsPart10RejectsMissingMagic(t *testing.T) {
	assert.False(t, IsPart10(make([]byte, 200)))
	assert.False(t, IsPart10([]byte("DICM")))

	_, err := ParseFileMeta(make([]byte, 200))
	assert.ErrorContains(t, err, "DICM")
}

func TestParseFileMetaMissingTransferSyntax(t *testing.T) {
	file := make([]byte, 128)
	file = append(file, "DICM"...)
	file = appendExplicitMetaElement(file, 0x0002, "UI", CTImageStorage)

	_, err := ParseFileMeta(file)
	assert.ErrorContains(t, err, "TransferSyntaxUID")
}
