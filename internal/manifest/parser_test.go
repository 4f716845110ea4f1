package manifest

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	kosSOPClassUID   = "1.2.840.10008.5.1.4.1.1.88.59"
	explicitVRLittle = "1.2.840.10008.1.2.1"

	fixtureStudyUID = "1.2.3.4.5.6.7.8.2"
	ctSeriesUID     = "1.2.3.4.5.6.7.8.3"
	mrSeriesUID     = "1.2.3.4.5.6.7.8.100"
	ctSOPClass      = "1.2.840.10008.5.1.4.1.1.2"
	mrSOPClass      = "1.2.840.10008.5.1.4.1.1.4"
	ctInstanceUID   = "1.2.3.4.5.6.7.8.3.1"
	mrInstanceUID1  = "1.2.3.4.5.6.7.8.100.1"
	mrInstanceUID2  = "1.2.3.4.5.6.7.8.100.2"
)

// element encoders for Explicit VR Little Endian test fixtures

func evenPad(value string, vr string) []byte {
	v := []byte(value)
	if len(v)%2 == 1 {
		if vr == "UI" {
			v = append(v, 0x00)
		} else {
			v = append(v, ' ')
		}
	}
	return v
}

func el(group, element uint16, vr, value string) []byte {
	v := evenPad(value, vr)
	buf := make([]byte, 0, 12+len(v))
	buf = binary.LittleEndian.AppendUint16(buf, group)
	buf = binary.LittleEndian.AppendUint16(buf, element)
	buf = append(buf, vr...)
	if vr == "UT" {
		// UT uses the long explicit-VR form: 2 reserved bytes, 4-byte length.
		buf = append(buf, 0x00, 0x00)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v)))
	} else {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(v)))
	}
	return append(buf, v...)
}

func item(content ...[]byte) []byte {
	var body []byte
	for _, c := range content {
		body = append(body, c...)
	}
	buf := []byte{0xFE, 0xFF, 0x00, 0xE0}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(body)))
	return append(buf, body...)
}

func sq(group, element uint16, items ...[]byte) []byte {
	var body []byte
	for _, it := range items {
		body = append(body, it...)
	}
	buf := make([]byte, 0, 12+len(body))
	buf = binary.LittleEndian.AppendUint16(buf, group)
	buf = binary.LittleEndian.AppendUint16(buf, element)
	buf = append(buf, 'S', 'Q', 0x00, 0x00)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(body)))
	return append(buf, body...)
}

func concept(code, scheme string) []byte {
	return sq(0x0040, 0xA043, item(
		el(0x0008, 0x0100, "SH", code),
		el(0x0008, 0x0102, "SH", scheme),
		el(0x0008, 0x0104, "LO", code),
	))
}

func textItem(code, scheme, text string) []byte {
	return item(
		el(0x0040, 0xA040, "CS", "TEXT"),
		concept(code, scheme),
		el(0x0040, 0xA160, "UT", text),
	)
}

func uidrefItem(code, scheme, uid string) []byte {
	return item(
		el(0x0040, 0xA040, "CS", "UIDREF"),
		concept(code, scheme),
		el(0x0040, 0xA124, "UI", uid),
	)
}

func imageItem(sopClass, sopInstance string, children ...[]byte) []byte {
	content := [][]byte{
		el(0x0040, 0xA040, "CS", "IMAGE"),
		sq(0x0008, 0x1199, item(
			el(0x0008, 0x1150, "UI", sopClass),
			el(0x0008, 0x1155, "UI", sopInstance),
		)),
	}
	if len(children) > 0 {
		var nested []byte
		for _, c := range children {
			nested = append(nested, c...)
		}
		content = append(content, sq(0x0040, 0xA730, nested))
	}
	var all []byte
	for _, c := range content {
		all = append(all, c...)
	}
	return item(all)
}

func containerItem(code, scheme string, children ...[]byte) []byte {
	var nested []byte
	for _, c := range children {
		nested = append(nested, c...)
	}
	return item(
		el(0x0040, 0xA040, "CS", "CONTAINER"),
		concept(code, scheme),
		sq(0x0040, 0xA730, nested),
	)
}

func fileMeta(dataset []byte) []byte {
	var meta []byte
	meta = append(meta, el(0x0002, 0x0002, "UI", kosSOPClassUID)...)
	meta = append(meta, el(0x0002, 0x0003, "UI", "1.2.3.4.5.6.7.8.999")...)
	meta = append(meta, el(0x0002, 0x0010, "UI", explicitVRLittle)...)

	groupLength := make([]byte, 0, 12)
	groupLength = binary.LittleEndian.AppendUint16(groupLength, 0x0002)
	groupLength = binary.LittleEndian.AppendUint16(groupLength, 0x0000)
	groupLength = append(groupLength, 'U', 'L')
	groupLength = binary.LittleEndian.AppendUint16(groupLength, 4)
	groupLength = binary.LittleEndian.AppendUint32(groupLength, uint32(len(meta)))

	file := make([]byte, 128)
	file = append(file, "DICM"...)
	file = append(file, groupLength...)
	file = append(file, meta...)
	return append(file, dataset...)
}

// buildManifest assembles a complete Key Object Selection fixture: two
// series (one CT instance, two MR instances) plus a TID-1600 image library
// using the legacy number code for the CT group and the modern codes for MR.
func buildManifest() []byte {
	var ds []byte
	ds = append(ds, el(0x0008, 0x0020, "DA", "20240115")...)
	ds = append(ds, el(0x0008, 0x0030, "TM", "103000")...)
	ds = append(ds, el(0x0008, 0x0050, "SH", "ACC-001")...)
	ds = append(ds, el(0x0008, 0x0090, "PN", "REF^PHYS")...)
	ds = append(ds, el(0x0008, 0x1030, "LO", "CT+MR STUDY")...)
	ds = append(ds, el(0x0010, 0x0010, "PN", "DOE^JANE")...)
	ds = append(ds, el(0x0010, 0x0020, "LO", "PAT-001")...)
	ds = append(ds, el(0x0020, 0x000D, "UI", fixtureStudyUID)...)
	ds = append(ds, el(0x0020, 0x0010, "SH", "S-1")...)

	// TID-1600 content tree: the image library is nested one level below
	// the document root container.
	ds = append(ds, el(0x0040, 0xA040, "CS", "CONTAINER")...)
	ds = append(ds, concept("126000", "DCM")...)
	ds = append(ds, sq(0x0040, 0xA730, containerItem("111028", "DCM",
		containerItem("126200", "DCM",
			uidrefItem("ddd006", "99MADO", ctSeriesUID),
			textItem("ddd007", "99MADO", "CT AXIAL"),
			textItem("ddd005", "99MADO", "3"),
			imageItem(ctSOPClass, ctInstanceUID,
				textItem("ddd005", "99MADO", "1"),
				textItem("ddd008", "99MADO", "1"),
			),
		),
		containerItem("126200", "DCM",
			uidrefItem("ddd006", "99MADO", mrSeriesUID),
			textItem("ddd007", "99MADO", "MR T2"),
			textItem("ddd010", "99MADO", "100"),
			imageItem(mrSOPClass, mrInstanceUID1,
				textItem("ddd012", "99MADO", "1"),
			),
			imageItem(mrSOPClass, mrInstanceUID2,
				textItem("ddd012", "99MADO", "2"),
				textItem("ddd008", "99MADO", "24"),
			),
		),
	))...)

	// evidence sequence
	ds = append(ds, sq(0x0040, 0xA375, item(
		el(0x0020, 0x000D, "UI", fixtureStudyUID),
		sq(0x0008, 0x1115,
			item(
				el(0x0008, 0x0060, "CS", "CT"),
				el(0x0020, 0x000E, "UI", ctSeriesUID),
				sq(0x0008, 0x1199, item(
					el(0x0008, 0x1150, "UI", ctSOPClass),
					el(0x0008, 0x1155, "UI", ctInstanceUID),
				)),
			),
			item(
				el(0x0008, 0x0060, "CS", "MR"),
				el(0x0020, 0x000E, "UI", mrSeriesUID),
				sq(0x0008, 0x1199,
					item(
						el(0x0008, 0x1150, "UI", mrSOPClass),
						el(0x0008, 0x1155, "UI", mrInstanceUID1),
					),
					item(
						el(0x0008, 0x1150, "UI", mrSOPClass),
						el(0x0008, 0x1155, "UI", mrInstanceUID2),
					),
				),
			),
		),
	))...)

	return fileMeta(ds)
}

func TestParseManifest(t *testing.T) {
	p := NewParser("http://wado.example/dicom-web")

	study, err := p.Parse(buildManifest())
	require.NoError(t, err)

	assert.Equal(t, fixtureStudyUID, study.StudyInstanceUID)
	assert.Equal(t, "PAT-001", study.PatientID)
	assert.Equal(t, "DOE^JANE", study.PatientName)
	assert.Equal(t, "20240115", study.StudyDate)
	assert.Equal(t, "ACC-001", study.AccessionNumber)

	require.Equal(t, 2, study.NumberOfSeries())
	assert.Equal(t, 3, study.NumberOfInstances())
	assert.Equal(t, []string{"CT", "MR"}, study.ModalitiesInStudy)

	ct := study.Series[0]
	assert.Equal(t, ctSeriesUID, ct.SeriesInstanceUID)
	assert.Equal(t, "CT", ct.Modality)
	assert.Equal(t, "CT AXIAL", ct.SeriesDescription)
	assert.Equal(t, "3", ct.SeriesNumber, "legacy series number code must be accepted")
	require.Len(t, ct.Instances, 1)
	assert.Equal(t, "1", ct.Instances[0].InstanceNumber)
	assert.Equal(t, "1", ct.Instances[0].NumberOfFrames)
	assert.Equal(t, ctSOPClass, ct.Instances[0].SOPClassUID)

	mr := study.Series[1]
	assert.Equal(t, "MR T2", mr.SeriesDescription)
	assert.Equal(t, "100", mr.SeriesNumber)
	require.Len(t, mr.Instances, 2)
	assert.Equal(t, "2", mr.Instances[1].InstanceNumber)
	assert.Equal(t, "24", mr.Instances[1].NumberOfFrames)
}

func TestParseManifestDerivesRetrieveURLs(t *testing.T) {
	p := NewParser("http://wado.example/dicom-web")

	study, err := p.Parse(buildManifest())
	require.NoError(t, err)

	ct := study.Series[0]
	wantSeries := "http://wado.example/dicom-web/studies/" + fixtureStudyUID + "/series/" + ctSeriesUID
	assert.Equal(t, wantSeries, ct.RetrieveURL)
	assert.Equal(t, wantSeries+"/instances/"+ctInstanceUID, ct.Instances[0].RetrieveURL)

	// Study URL is the series URL truncated at the /series/ boundary.
	assert.Equal(t, "http://wado.example/dicom-web/studies/"+fixtureStudyUID, study.RetrieveURL)
}

func TestParseManifestInstanceUIDsMatchEvidence(t *testing.T) {
	p := NewParser("")

	study, err := p.Parse(buildManifest())
	require.NoError(t, err)

	got := make(map[string]bool)
	for _, s := range study.Series {
		for _, inst := range s.Instances {
			got[inst.SOPInstanceUID] = true
		}
	}
	want := map[string]bool{
		ctInstanceUID:  true,
		mrInstanceUID1: true,
		mrInstanceUID2: true,
	}
	assert.Equal(t, want, got)
}

func TestParseManifestRejectsGarbage(t *testing.T) {
	p := NewParser("")

	_, err := p.Parse([]byte("definitely not dicom"))
	require.Error(t, err)

	var parseErr *ParseError
	assert.ErrorAs(t, err, &parseErr)
}
