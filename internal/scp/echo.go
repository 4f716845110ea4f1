package scp

import (
	"github.com/otcheredev/mado-gateway/internal/metrics"
	"github.com/otcheredev/mado-gateway/pkg/dimse"
)

func (a *association) handleEcho(pcid byte, req *dimse.Message) {
	metrics.DimseRequests.WithLabelValues("echo").Inc()
	a.logger.Debug().Uint16("message_id", req.MessageID).Msg("C-ECHO")

	a.sendMessage(pcid, &dimse.Message{
		CommandField:              dimse.CEchoRSP,
		MessageIDBeingRespondedTo: req.MessageID,
		AffectedSOPClassUID:       dimse.VerificationSOPClass,
		CommandDataSetType:        dimse.NoDataSet,
		Status:                    dimse.StatusSuccess,
	}, nil)
}
