package models

import (
	"strings"
	"time"
)

// Study is the study-level metadata assembled from a MADO manifest and its
// DocumentReference.
type Study struct {
	StudyInstanceUID   string    `json:"study_instance_uid"`
	PatientID          string    `json:"patient_id"`
	PatientName        string    `json:"patient_name"`
	PatientBirthDate   string    `json:"patient_birth_date"`
	PatientSex         string    `json:"patient_sex"`
	StudyDate          string    `json:"study_date"`
	StudyTime          string    `json:"study_time"`
	StudyID            string    `json:"study_id"`
	StudyDescription   string    `json:"study_description"`
	AccessionNumber    string    `json:"accession_number"`
	ReferringPhysician string    `json:"referring_physician"`
	ModalitiesInStudy  []string  `json:"modalities_in_study"`
	RetrieveURL        string    `json:"retrieve_url"`
	Series             []Series  `json:"series"`
	FetchedAt          time.Time `json:"fetched_at"`
}

// NumberOfSeries returns the count of series referenced by the manifest.
func (s *Study) NumberOfSeries() int {
	return len(s.Series)
}

// NumberOfInstances returns the count of instances across all series.
func (s *Study) NumberOfInstances() int {
	n := 0
	for i := range s.Series {
		n += len(s.Series[i].Instances)
	}
	return n
}

// HasModality reports whether any of the study's modalities matches the
// given value (case-insensitive).
func (s *Study) HasModality(modality string) bool {
	for _, m := range s.ModalitiesInStudy {
		if strings.EqualFold(m, modality) {
			return true
		}
	}
	return false
}

// Series is the series-level metadata from the manifest evidence sequence,
// enriched by the TID-1600 image library when present.
type Series struct {
	SeriesInstanceUID   string     `json:"series_instance_uid"`
	StudyInstanceUID    string     `json:"study_instance_uid"`
	Modality            string     `json:"modality"`
	SeriesDescription   string     `json:"series_description"`
	SeriesNumber        string     `json:"series_number"`
	RetrieveURL         string     `json:"retrieve_url"`
	RetrieveLocationUID string     `json:"retrieve_location_uid"`
	Instances           []Instance `json:"instances"`
}

// Instance is one referenced SOP instance with its WADO-RS retrieve URL.
type Instance struct {
	SOPInstanceUID    string `json:"sop_instance_uid"`
	SOPClassUID       string `json:"sop_class_uid"`
	SeriesInstanceUID string `json:"series_instance_uid"`
	StudyInstanceUID  string `json:"study_instance_uid"`
	InstanceNumber    string `json:"instance_number"`
	NumberOfFrames    string `json:"number_of_frames"`
	Rows              string `json:"rows"`
	Columns           string `json:"columns"`
	RetrieveURL       string `json:"retrieve_url"`
}

// StudyQuery carries the matching keys of a study-level C-FIND identifier.
type StudyQuery struct {
	PatientID         string
	PatientName       string
	StudyDate         string
	AccessionNumber   string
	ModalitiesInStudy string
	StudyInstanceUID  string
}

// SeriesQuery carries the matching keys of a series-level C-FIND identifier.
type SeriesQuery struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	Modality          string
}

// InstanceQuery carries the matching keys of an image-level C-FIND
// identifier.
type InstanceQuery struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
}

// MoveResult summarizes a completed C-MOVE operation.
type MoveResult struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Warning   int `json:"warning"`
}
