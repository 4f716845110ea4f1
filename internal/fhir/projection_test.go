package fhir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProjectStudy(t *testing.T) {
	doc := &DocumentReference{
		ResourceType:     "DocumentReference",
		MasterIdentifier: &Identifier{Value: "urn:oid:1.2.840.99.7"},
		Date:             "2024-03-05T14:30:45Z",
		Description:      "CT ABDOMEN",
		Subject: &Reference{
			Reference:  "Patient/42",
			Identifier: &Identifier{Value: "PAT042"},
			Display:    "DOE^JOHN",
		},
		Author: []Reference{
			{Display: "Unknown Author"},
			{Display: "DR^HOUSE"},
		},
		Context: &DocumentContext{
			Event: []CodeableConcept{{Coding: []Coding{{Code: "CT"}, {Code: "SR"}}}},
			Related: []Reference{{
				Identifier: &Identifier{System: "urn:accession:ris", Value: "ACC7"},
			}},
		},
	}

	study := ProjectStudy(doc)
	assert.Equal(t, "1.2.840.99.7", study.StudyInstanceUID)
	assert.Equal(t, "PAT042", study.PatientID)
	assert.Equal(t, "DOE^JOHN", study.PatientName)
	assert.Equal(t, "ACC7", study.AccessionNumber)
	assert.Equal(t, "CT ABDOMEN", study.StudyDescription)
	assert.Equal(t, []string{"CT", "SR"}, study.ModalitiesInStudy)
	assert.Equal(t, "DR^HOUSE", study.ReferringPhysician, "Unknown Author sentinel is skipped")
	assert.Equal(t, "20240305", study.StudyDate)
	assert.Equal(t, "143045", study.StudyTime)
}

func TestProjectStudyMinimalDocument(t *testing.T) {
	study := ProjectStudy(&DocumentReference{ResourceType: "DocumentReference"})
	assert.Empty(t, study.StudyInstanceUID)
	assert.Empty(t, study.PatientID)
	assert.Empty(t, study.StudyDate)
	assert.Empty(t, study.Series)
}

func TestPatientIDFallsBackToReferenceTail(t *testing.T) {
	doc := &DocumentReference{Subject: &Reference{Reference: "Patient/abc-123"}}
	assert.Equal(t, "abc-123", doc.PatientID())
}
