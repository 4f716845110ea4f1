// Package manifest parses MADO manifests: DICOM Key Object Selection
// documents whose evidence sequence lists the retrievable study content and
// whose TID-1600 content tree carries series and instance descriptors.
package manifest

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/otcheredev/mado-gateway/internal/models"
)

// ParseError reports manifest bytes that cannot be interpreted as a Key
// Object Selection document.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("manifest: %s: %v", e.Reason, e.Err)
	}
	return "manifest: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// TID-1600 concept codes. The series and instance number codes each have a
// legacy alias that older manifests still carry.
const (
	codeImageLibrary      = "111028"
	codeImageLibraryGroup = "126200"
	codingSchemeDCM       = "DCM"

	codeSeriesUID         = "ddd006"
	codeSeriesDescription = "ddd007"
	codeSeriesNumber      = "ddd010"
	codeInstanceNumber    = "ddd012"
	codeLegacyNumber      = "ddd005"
	codeNumberOfFrames    = "ddd008"
)

// Non-standard tags the evidence sequence may carry.
var (
	tagRetrieveURL         = tag.Tag{Group: 0x0008, Element: 0x1190}
	tagRetrieveLocationUID = tag.Tag{Group: 0x0040, Element: 0xE011}
	tagEvidenceSequence    = tag.Tag{Group: 0x0040, Element: 0xA375}
	tagRefSeriesSequence   = tag.Tag{Group: 0x0008, Element: 0x1115}
	tagRefSOPSequence      = tag.Tag{Group: 0x0008, Element: 0x1199}
	tagRefSOPClassUID      = tag.Tag{Group: 0x0008, Element: 0x1150}
	tagRefSOPInstanceUID   = tag.Tag{Group: 0x0008, Element: 0x1155}
	tagContentSequence     = tag.Tag{Group: 0x0040, Element: 0xA730}
	tagValueType           = tag.Tag{Group: 0x0040, Element: 0xA040}
	tagConceptNameCode     = tag.Tag{Group: 0x0040, Element: 0xA043}
	tagCodeValue           = tag.Tag{Group: 0x0008, Element: 0x0100}
	tagCodingScheme        = tag.Tag{Group: 0x0008, Element: 0x0102}
	tagTextValue           = tag.Tag{Group: 0x0040, Element: 0xA160}
	tagUIDValue            = tag.Tag{Group: 0x0040, Element: 0xA124}
	tagMeasuredValue       = tag.Tag{Group: 0x0040, Element: 0xA300}
	tagNumericValue        = tag.Tag{Group: 0x0040, Element: 0xA30A}
	tagNumberOfFrames      = tag.Tag{Group: 0x0028, Element: 0x0008}
	tagRows                = tag.Tag{Group: 0x0028, Element: 0x0010}
	tagColumns             = tag.Tag{Group: 0x0028, Element: 0x0011}
)

// Parser turns manifest bytes into the Study/Series/Instance tree.
type Parser struct {
	wadoBaseURL string
}

// NewParser creates a parser. wadoBaseURL is used to derive retrieve URLs
// for manifests that do not carry their own.
func NewParser(wadoBaseURL string) *Parser {
	return &Parser{wadoBaseURL: strings.TrimRight(wadoBaseURL, "/")}
}

// Parse reads a Part-10 encoded Key Object Selection document and builds
// the study tree. Invalid SR content items are skipped; bytes that do not
// parse as DICOM at all yield a ParseError.
func (p *Parser) Parse(data []byte) (*models.Study, error) {
	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		return nil, &ParseError{Reason: "not a DICOM dataset", Err: err}
	}

	study := &models.Study{
		StudyInstanceUID:   elementString(&ds, tag.StudyInstanceUID),
		PatientID:          elementString(&ds, tag.PatientID),
		PatientName:        elementString(&ds, tag.PatientName),
		PatientBirthDate:   elementString(&ds, tag.PatientBirthDate),
		PatientSex:         elementString(&ds, tag.PatientSex),
		StudyDate:          elementString(&ds, tag.StudyDate),
		StudyTime:          elementString(&ds, tag.StudyTime),
		StudyID:            elementString(&ds, tag.StudyID),
		StudyDescription:   elementString(&ds, tag.StudyDescription),
		AccessionNumber:    elementString(&ds, tag.AccessionNumber),
		ReferringPhysician: elementString(&ds, tag.ReferringPhysicianName),
	}
	if study.StudyInstanceUID == "" {
		return nil, &ParseError{Reason: "manifest carries no StudyInstanceUID"}
	}

	p.walkEvidence(&ds, study)
	if len(study.Series) == 0 {
		return nil, &ParseError{Reason: "evidence sequence references no series"}
	}

	p.enrichFromContentTree(&ds, study)
	p.fillRetrieveURLs(study)

	study.ModalitiesInStudy = distinctModalities(study.Series)
	return study, nil
}

// walkEvidence builds the series/instance skeleton from
// CurrentRequestedProcedureEvidenceSequence.
func (p *Parser) walkEvidence(ds *dicom.Dataset, study *models.Study) {
	evidence, ok := findElement(ds.Elements, tagEvidenceSequence)
	if !ok {
		return
	}

	for _, studyItem := range sequenceItems(evidence) {
		studyUID := itemString(studyItem, tag.StudyInstanceUID)
		if studyUID == "" {
			studyUID = study.StudyInstanceUID
		}

		seriesSeq, ok := findElement(studyItem, tagRefSeriesSequence)
		if !ok {
			continue
		}
		for _, seriesItem := range sequenceItems(seriesSeq) {
			series := models.Series{
				StudyInstanceUID:    studyUID,
				SeriesInstanceUID:   itemString(seriesItem, tag.SeriesInstanceUID),
				Modality:            itemString(seriesItem, tag.Modality),
				RetrieveURL:         itemString(seriesItem, tagRetrieveURL),
				RetrieveLocationUID: itemString(seriesItem, tagRetrieveLocationUID),
			}
			if series.SeriesInstanceUID == "" {
				continue
			}

			if sopSeq, ok := findElement(seriesItem, tagRefSOPSequence); ok {
				for _, sopItem := range sequenceItems(sopSeq) {
					inst := models.Instance{
						StudyInstanceUID:  studyUID,
						SeriesInstanceUID: series.SeriesInstanceUID,
						SOPInstanceUID:    itemString(sopItem, tagRefSOPInstanceUID),
						SOPClassUID:       itemString(sopItem, tagRefSOPClassUID),
						NumberOfFrames:    itemString(sopItem, tagNumberOfFrames),
						Rows:              itemString(sopItem, tagRows),
						Columns:           itemString(sopItem, tagColumns),
					}
					if inst.SOPInstanceUID == "" || inst.SOPClassUID == "" {
						continue
					}
					series.Instances = append(series.Instances, inst)
				}
			}
			study.Series = append(study.Series, series)
		}
	}
}

// enrichFromContentTree copies series descriptions and numbering from the
// TID-1600 image library onto the evidence skeleton.
func (p *Parser) enrichFromContentTree(ds *dicom.Dataset, study *models.Study) {
	root, ok := findElement(ds.Elements, tagContentSequence)
	if !ok {
		return
	}

	library, ok := findContainer(sequenceItems(root), codeImageLibrary)
	if !ok {
		return
	}

	for _, group := range childItems(library) {
		if !isContainerWithCode(group, codeImageLibraryGroup) {
			continue
		}
		p.enrichGroup(group, study)
	}
}

func (p *Parser) enrichGroup(group []*dicom.Element, study *models.Study) {
	children := childItems(group)

	seriesUID := ""
	for _, child := range children {
		if valueType(child) == "UIDREF" && hasConceptCode(child, codeSeriesUID) {
			seriesUID = itemString(child, tagUIDValue)
			break
		}
	}
	series := findSeries(study, seriesUID)
	if series == nil {
		return
	}

	for _, child := range children {
		switch valueType(child) {
		case "TEXT":
			switch {
			case hasConceptCode(child, codeSeriesDescription):
				series.SeriesDescription = itemString(child, tagTextValue)
			case hasConceptCode(child, codeSeriesNumber), hasConceptCode(child, codeLegacyNumber):
				series.SeriesNumber = itemString(child, tagTextValue)
			}
		case "IMAGE":
			p.enrichInstance(child, series)
		}
	}
}

func (p *Parser) enrichInstance(imageItem []*dicom.Element, series *models.Series) {
	sopUID := ""
	if refSeq, ok := findElement(imageItem, tagRefSOPSequence); ok {
		for _, refItem := range sequenceItems(refSeq) {
			if uid := itemString(refItem, tagRefSOPInstanceUID); uid != "" {
				sopUID = uid
				break
			}
		}
	}

	var inst *models.Instance
	for i := range series.Instances {
		if series.Instances[i].SOPInstanceUID == sopUID {
			inst = &series.Instances[i]
			break
		}
	}
	if inst == nil {
		return
	}

	for _, child := range childItems(imageItem) {
		switch valueType(child) {
		case "TEXT":
			if hasConceptCode(child, codeInstanceNumber) || hasConceptCode(child, codeLegacyNumber) {
				inst.InstanceNumber = itemString(child, tagTextValue)
			} else if hasConceptCode(child, codeNumberOfFrames) {
				inst.NumberOfFrames = itemString(child, tagTextValue)
			}
		case "NUM":
			if hasConceptCode(child, codeNumberOfFrames) {
				inst.NumberOfFrames = numericValue(child)
			}
		}
	}
}

// fillRetrieveURLs derives missing retrieve URLs: instances from their
// series URL, series from the WADO-RS base, and the study URL by truncating
// the first series URL at the last /series/ boundary.
func (p *Parser) fillRetrieveURLs(study *models.Study) {
	for i := range study.Series {
		series := &study.Series[i]
		if series.RetrieveURL == "" && p.wadoBaseURL != "" {
			series.RetrieveURL = fmt.Sprintf("%s/studies/%s/series/%s",
				p.wadoBaseURL, series.StudyInstanceUID, series.SeriesInstanceUID)
		}
		for j := range series.Instances {
			inst := &series.Instances[j]
			if inst.RetrieveURL == "" && series.RetrieveURL != "" {
				inst.RetrieveURL = series.RetrieveURL + "/instances/" + inst.SOPInstanceUID
			}
		}
	}

	if len(study.Series) > 0 {
		first := study.Series[0].RetrieveURL
		if idx := strings.LastIndex(first, "/series/"); idx != -1 {
			study.RetrieveURL = first[:idx]
		}
	}
}

func findSeries(study *models.Study, seriesUID string) *models.Series {
	if seriesUID == "" {
		return nil
	}
	for i := range study.Series {
		if study.Series[i].SeriesInstanceUID == seriesUID {
			return &study.Series[i]
		}
	}
	return nil
}

func distinctModalities(series []models.Series) []string {
	seen := make(map[string]bool)
	var out []string
	for i := range series {
		m := series[i].Modality
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// findContainer searches content items recursively for a CONTAINER with the
// given DCM concept code.
func findContainer(items [][]*dicom.Element, code string) ([]*dicom.Element, bool) {
	for _, item := range items {
		if isContainerWithCode(item, code) {
			return item, true
		}
		if found, ok := findContainer(childItems(item), code); ok {
			return found, true
		}
	}
	return nil, false
}

func isContainerWithCode(item []*dicom.Element, code string) bool {
	return valueType(item) == "CONTAINER" && hasConceptCoding(item, code, codingSchemeDCM)
}

// childItems returns the nested content items of an SR content item.
func childItems(item []*dicom.Element) [][]*dicom.Element {
	seq, ok := findElement(item, tagContentSequence)
	if !ok {
		return nil
	}
	return sequenceItems(seq)
}

func valueType(item []*dicom.Element) string {
	return itemString(item, tagValueType)
}

// hasConceptCode matches on the concept code value alone; the ddd-series
// codes appear under vendor-specific coding schemes.
func hasConceptCode(item []*dicom.Element, code string) bool {
	gotCode, _ := conceptCoding(item)
	return gotCode == code
}

func hasConceptCoding(item []*dicom.Element, code, scheme string) bool {
	gotCode, gotScheme := conceptCoding(item)
	return gotCode == code && gotScheme == scheme
}

func conceptCoding(item []*dicom.Element) (code, scheme string) {
	nameSeq, ok := findElement(item, tagConceptNameCode)
	if !ok {
		return "", ""
	}
	for _, codeItem := range sequenceItems(nameSeq) {
		return itemString(codeItem, tagCodeValue), itemString(codeItem, tagCodingScheme)
	}
	return "", ""
}

func numericValue(item []*dicom.Element) string {
	seq, ok := findElement(item, tagMeasuredValue)
	if !ok {
		return ""
	}
	for _, measured := range sequenceItems(seq) {
		if v := itemString(measured, tagNumericValue); v != "" {
			return v
		}
	}
	return ""
}

// sequenceItems flattens an SQ element into per-item element slices.
func sequenceItems(e *dicom.Element) [][]*dicom.Element {
	items, ok := e.Value.GetValue().([]*dicom.SequenceItemValue)
	if !ok {
		return nil
	}
	out := make([][]*dicom.Element, 0, len(items))
	for _, item := range items {
		if elems, ok := item.GetValue().([]*dicom.Element); ok {
			out = append(out, elems)
		}
	}
	return out
}

func findElement(elems []*dicom.Element, t tag.Tag) (*dicom.Element, bool) {
	for _, e := range elems {
		if e.Tag == t {
			return e, true
		}
	}
	return nil, false
}

func elementString(ds *dicom.Dataset, t tag.Tag) string {
	e, err := ds.FindElementByTag(t)
	if err != nil {
		return ""
	}
	return valueString(e)
}

func itemString(elems []*dicom.Element, t tag.Tag) string {
	e, ok := findElement(elems, t)
	if !ok {
		return ""
	}
	return valueString(e)
}

// valueString renders the first value of an element as a trimmed string,
// covering the string, int and person-name value kinds the manifest uses.
func valueString(e *dicom.Element) string {
	switch v := e.Value.GetValue().(type) {
	case []string:
		if len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
	case []int:
		if len(v) > 0 {
			return fmt.Sprintf("%d", v[0])
		}
	case string:
		return strings.TrimSpace(v)
	}
	return ""
}
