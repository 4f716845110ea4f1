package fhir

import (
	"time"

	"github.com/otcheredev/mado-gateway/internal/models"
)

// unknownAuthor is a sentinel some MHD publishers emit when the authoring
// physician is not recorded.
const unknownAuthor = "Unknown Author"

// ProjectStudy maps a DocumentReference onto a lightweight study record:
// study-level search attributes only, series list empty until the manifest
// itself is parsed.
func ProjectStudy(doc *DocumentReference) models.Study {
	study := models.Study{
		StudyInstanceUID:  doc.StudyInstanceUID(),
		AccessionNumber:   doc.AccessionNumber(),
		PatientID:         doc.PatientID(),
		StudyDescription:  doc.Description,
		ModalitiesInStudy: doc.Modalities(),
	}

	if doc.Subject != nil {
		study.PatientName = doc.Subject.Display
	}
	for _, author := range doc.Author {
		if author.Display != "" && author.Display != unknownAuthor {
			study.ReferringPhysician = author.Display
			break
		}
	}
	if t, err := time.Parse(time.RFC3339, doc.Date); err == nil {
		study.StudyDate = t.Format("20060102")
		study.StudyTime = t.Format("150405")
	}

	return study
}
