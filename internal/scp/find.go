package scp

import (
	"context"
	"strconv"
	"strings"

	"github.com/otcheredev/mado-gateway/internal/metrics"
	"github.com/otcheredev/mado-gateway/internal/models"
	"github.com/otcheredev/mado-gateway/pkg/dimse"
)

func (a *association) handleFind(ctx context.Context, pcid byte, req *dimse.Message, identifierData []byte) {
	metrics.DimseRequests.WithLabelValues("find").Inc()

	ts := a.transferSyntaxFor(pcid)
	final := func(status uint16) {
		a.sendMessage(pcid, &dimse.Message{
			CommandField:              dimse.CFindRSP,
			MessageIDBeingRespondedTo: req.MessageID,
			AffectedSOPClassUID:       req.AffectedSOPClassUID,
			CommandDataSetType:        dimse.NoDataSet,
			Status:                    status,
		}, nil)
	}

	identifier, err := dimse.ParseDataset(identifierData, ts)
	if err != nil {
		a.logger.Warn().Err(err).Msg("unparsable C-FIND identifier")
		final(dimse.StatusIdentifierDoesNotMatchSOPClass)
		return
	}

	level := strings.ToUpper(identifier.Get(dimse.TagQueryRetrieveLevel))
	if level == "" {
		// An absent QueryRetrieveLevel means a study-level query.
		level = "STUDY"
	}
	a.logger.Debug().
		Str("level", level).
		Uint16("message_id", req.MessageID).
		Msg("C-FIND")

	var results []*dimse.Dataset
	switch level {
	case "STUDY", "PATIENT":
		results, err = a.findStudies(ctx, identifier)
	case "SERIES":
		results, err = a.findSeries(ctx, identifier)
	case "IMAGE", "INSTANCE":
		results, err = a.findInstances(ctx, identifier)
	default:
		a.logger.Warn().Str("level", level).Msg("unsupported query retrieve level")
		final(dimse.StatusUnrecognizedOperation)
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("C-FIND backend query failed")
		final(dimse.StatusProcessingFailure)
		return
	}

	for _, match := range results {
		rsp := echoRequestKeys(identifier, match, level)
		encoded, err := rsp.Encode(ts)
		if err != nil {
			a.logger.Error().Err(err).Msg("failed to encode C-FIND match")
			final(dimse.StatusProcessingFailure)
			return
		}
		if err := a.sendMessage(pcid, &dimse.Message{
			CommandField:              dimse.CFindRSP,
			MessageIDBeingRespondedTo: req.MessageID,
			AffectedSOPClassUID:       req.AffectedSOPClassUID,
			CommandDataSetType:        dimse.DataSetPresent,
			Status:                    dimse.StatusPending,
		}, encoded); err != nil {
			return
		}
	}

	a.logger.Debug().Int("matches", len(results)).Msg("C-FIND complete")
	final(dimse.StatusSuccess)
}

func (a *association) findStudies(ctx context.Context, identifier *dimse.Dataset) ([]*dimse.Dataset, error) {
	query := models.StudyQuery{
		PatientID:         identifier.Get(dimse.TagPatientID),
		PatientName:       identifier.Get(dimse.TagPatientName),
		StudyDate:         identifier.Get(dimse.TagStudyDate),
		AccessionNumber:   identifier.Get(dimse.TagAccessionNumber),
		ModalitiesInStudy: identifier.Get(dimse.TagModalitiesInStudy),
		StudyInstanceUID:  identifier.Get(dimse.TagStudyInstanceUID),
	}

	studies, err := a.engine.backend.FindStudies(ctx, query)
	if err != nil {
		return nil, err
	}

	out := make([]*dimse.Dataset, 0, len(studies))
	for i := range studies {
		out = append(out, studyDataset(&studies[i]))
	}
	return out, nil
}

func (a *association) findSeries(ctx context.Context, identifier *dimse.Dataset) ([]*dimse.Dataset, error) {
	query := models.SeriesQuery{
		StudyInstanceUID:  identifier.Get(dimse.TagStudyInstanceUID),
		SeriesInstanceUID: identifier.Get(dimse.TagSeriesInstanceUID),
		Modality:          identifier.Get(dimse.TagModality),
	}

	series, err := a.engine.backend.FindSeries(ctx, query)
	if err != nil {
		return nil, err
	}

	out := make([]*dimse.Dataset, 0, len(series))
	for i := range series {
		out = append(out, seriesDataset(&series[i]))
	}
	return out, nil
}

func (a *association) findInstances(ctx context.Context, identifier *dimse.Dataset) ([]*dimse.Dataset, error) {
	query := models.InstanceQuery{
		StudyInstanceUID:  identifier.Get(dimse.TagStudyInstanceUID),
		SeriesInstanceUID: identifier.Get(dimse.TagSeriesInstanceUID),
		SOPInstanceUID:    identifier.Get(dimse.TagSOPInstanceUID),
	}

	instances, err := a.engine.backend.FindInstances(ctx, query)
	if err != nil {
		return nil, err
	}

	out := make([]*dimse.Dataset, 0, len(instances))
	for i := range instances {
		out = append(out, instanceDataset(&instances[i]))
	}
	return out, nil
}

// echoRequestKeys builds a response identifier carrying only the attributes
// the request asked for, plus the query retrieve level. Unknown attributes
// come back zero-length.
func echoRequestKeys(request, match *dimse.Dataset, level string) *dimse.Dataset {
	rsp := dimse.NewDataset()
	rsp.Set(dimse.TagQueryRetrieveLevel, level)
	for _, tag := range request.Tags() {
		if tag == dimse.TagQueryRetrieveLevel || tag == dimse.TagSpecificCharacterSet {
			continue
		}
		rsp.Set(tag, match.Get(tag))
	}
	return rsp
}

func studyDataset(study *models.Study) *dimse.Dataset {
	ds := dimse.NewDataset()
	ds.Set(dimse.TagStudyDate, study.StudyDate)
	ds.Set(dimse.TagStudyTime, study.StudyTime)
	ds.Set(dimse.TagAccessionNumber, study.AccessionNumber)
	ds.Set(dimse.TagModalitiesInStudy, strings.Join(study.ModalitiesInStudy, "\\"))
	ds.Set(dimse.TagReferringPhysicianName, study.ReferringPhysician)
	ds.Set(dimse.TagStudyDescription, study.StudyDescription)
	ds.Set(dimse.TagRetrieveURL, study.RetrieveURL)
	ds.Set(dimse.TagPatientName, study.PatientName)
	ds.Set(dimse.TagPatientID, study.PatientID)
	ds.Set(dimse.TagPatientBirthDate, study.PatientBirthDate)
	ds.Set(dimse.TagPatientSex, study.PatientSex)
	ds.Set(dimse.TagStudyInstanceUID, study.StudyInstanceUID)
	ds.Set(dimse.TagStudyID, study.StudyID)
	ds.Set(dimse.TagNumberOfStudyRelatedSeries, strconv.Itoa(study.NumberOfSeries()))
	ds.Set(dimse.TagNumberOfStudyRelatedInstances, strconv.Itoa(study.NumberOfInstances()))
	return ds
}

func seriesDataset(series *models.Series) *dimse.Dataset {
	ds := dimse.NewDataset()
	ds.Set(dimse.TagModality, series.Modality)
	ds.Set(dimse.TagSeriesDescription, series.SeriesDescription)
	ds.Set(dimse.TagRetrieveURL, series.RetrieveURL)
	ds.Set(dimse.TagStudyInstanceUID, series.StudyInstanceUID)
	ds.Set(dimse.TagSeriesInstanceUID, series.SeriesInstanceUID)
	ds.Set(dimse.TagSeriesNumber, series.SeriesNumber)
	return ds
}

func instanceDataset(instance *models.Instance) *dimse.Dataset {
	ds := dimse.NewDataset()
	ds.Set(dimse.TagSOPClassUID, instance.SOPClassUID)
	ds.Set(dimse.TagSOPInstanceUID, instance.SOPInstanceUID)
	ds.Set(dimse.TagRetrieveURL, instance.RetrieveURL)
	ds.Set(dimse.TagStudyInstanceUID, instance.StudyInstanceUID)
	ds.Set(dimse.TagSeriesInstanceUID, instance.SeriesInstanceUID)
	ds.Set(dimse.TagInstanceNumber, instance.InstanceNumber)
	ds.Set(dimse.TagNumberOfFrames, instance.NumberOfFrames)
	ds.Set(dimse.TagRows, instance.Rows)
	ds.Set(dimse.TagColumns, instance.Columns)
	return ds
}
