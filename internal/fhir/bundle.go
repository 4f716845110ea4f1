package fhir

import "strings"

// Bundle is the subset of a FHIR searchset bundle the gateway consumes.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Total        int           `json:"total"`
	Link         []BundleLink  `json:"link"`
	Entry        []BundleEntry `json:"entry"`
}

// BundleLink carries paging links; the "next" relation drives pagination.
type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// NextLink returns the bundle's next-page URL, or "" when this is the last
// page.
func (b *Bundle) NextLink() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// BundleEntry wraps one resource in a bundle.
type BundleEntry struct {
	Resource DocumentReference `json:"resource"`
}

// DocumentReference is the MHD manifest descriptor (ITI-67 result).
type DocumentReference struct {
	ResourceType     string           `json:"resourceType"`
	ID               string           `json:"id"`
	MasterIdentifier *Identifier      `json:"masterIdentifier"`
	Status           string           `json:"status"`
	Date             string           `json:"date"`
	Subject          *Reference       `json:"subject"`
	Author           []Reference      `json:"author"`
	Description      string           `json:"description"`
	Content          []Content        `json:"content"`
	Context          *DocumentContext `json:"context"`
}

// Identifier is a FHIR identifier; imaging manifests carry the Study
// Instance UID as an urn:oid value.
type Identifier struct {
	System string `json:"system"`
	Value  string `json:"value"`
}

// Reference points at another resource, typically the patient.
type Reference struct {
	Reference  string      `json:"reference"`
	Identifier *Identifier `json:"identifier"`
	Display    string      `json:"display"`
}

// Content holds the manifest attachment.
type Content struct {
	Attachment Attachment `json:"attachment"`
}

// Attachment carries the manifest retrieval URL.
type Attachment struct {
	ContentType string `json:"contentType"`
	URL         string `json:"url"`
}

// DocumentContext carries study-level search metadata.
type DocumentContext struct {
	Event   []CodeableConcept `json:"event"`
	Period  *Period           `json:"period"`
	Related []Reference       `json:"related"`
}

// CodeableConcept is a coded value; modality codes appear in context events.
type CodeableConcept struct {
	Coding []Coding `json:"coding"`
}

// Coding is one code within a CodeableConcept.
type Coding struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display"`
}

// Period is a FHIR time range.
type Period struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// StudyInstanceUID extracts the Study Instance UID from the document's
// master identifier, stripping any urn:oid prefix.
func (d *DocumentReference) StudyInstanceUID() string {
	if d.MasterIdentifier == nil {
		return ""
	}
	return strings.TrimPrefix(d.MasterIdentifier.Value, "urn:oid:")
}

// PatientID extracts the patient identifier from the subject reference.
func (d *DocumentReference) PatientID() string {
	if d.Subject == nil {
		return ""
	}
	if d.Subject.Identifier != nil && d.Subject.Identifier.Value != "" {
		return d.Subject.Identifier.Value
	}
	// Fall back to the reference tail (Patient/{id}).
	if idx := strings.LastIndexByte(d.Subject.Reference, '/'); idx != -1 {
		return d.Subject.Reference[idx+1:]
	}
	return d.Subject.Reference
}

// ManifestURL returns the attachment URL of the first content entry, or ""
// when the document carries no attachment.
func (d *DocumentReference) ManifestURL() string {
	for _, c := range d.Content {
		if c.Attachment.URL != "" {
			return c.Attachment.URL
		}
	}
	return ""
}

// AccessionNumber extracts the accession number from the related context
// entries, if the source system published one.
func (d *DocumentReference) AccessionNumber() string {
	if d.Context == nil {
		return ""
	}
	for _, rel := range d.Context.Related {
		if rel.Identifier != nil && strings.Contains(rel.Identifier.System, "accession") {
			return rel.Identifier.Value
		}
	}
	return ""
}

// Modalities extracts modality codes from the context events.
func (d *DocumentReference) Modalities() []string {
	if d.Context == nil {
		return nil
	}
	var out []string
	for _, event := range d.Context.Event {
		for _, coding := range event.Coding {
			if coding.Code != "" {
				out = append(out, coding.Code)
			}
		}
	}
	return out
}
