package dimse

import (
	"context"
	"fmt"
)

// CMoveProgress is one C-MOVE response, pending or final.
type CMoveProgress struct {
	Status    uint16
	Remaining *uint16
	Completed *uint16
	Failed    *uint16
	Warning   *uint16
}

// IsFinal reports whether this response concludes the C-MOVE operation.
func (p CMoveProgress) IsFinal() bool {
	return p.Status != StatusPending
}

// CMove requests that the peer move the identified instances to destination.
// Every response, pending and final, is delivered to onProgress in arrival
// order; the final response is returned.
func (a *Association) CMove(ctx context.Context, sopClassUID, destination string, identifier *Dataset, onProgress func(CMoveProgress)) (*CMoveProgress, error) {
	if !a.IsConnected() {
		if err := a.Connect(ctx); err != nil {
			return nil, err
		}
	}

	pc, ok := a.AcceptedContext(sopClassUID)
	if !ok {
		return nil, fmt.Errorf("SOP class %s not accepted by %s", sopClassUID, a.calledAET)
	}

	a.UpdateLastUsed()

	encoded, err := identifier.Encode(pc.TransferSyntax)
	if err != nil {
		return nil, fmt.Errorf("failed to encode C-MOVE identifier: %w", err)
	}

	req := &Message{
		CommandField:        CMoveRQ,
		MessageID:           a.newMessageID(),
		AffectedSOPClassUID: sopClassUID,
		MoveDestination:     destination,
		Priority:            0x0000,
		CommandDataSetType:  DataSetPresent,
	}
	if err := a.send(pc.ID, req, encoded); err != nil {
		return nil, fmt.Errorf("failed to send C-MOVE request: %w", err)
	}

	for {
		rsp, _, err := a.receive()
		if err != nil {
			return nil, fmt.Errorf("failed to receive C-MOVE response: %w", err)
		}
		if rsp.CommandField != CMoveRSP {
			return nil, fmt.Errorf("unexpected response command 0x%04x to C-MOVE", rsp.CommandField)
		}

		progress := CMoveProgress{
			Status:    rsp.Status,
			Remaining: rsp.NumberOfRemainingSuboperations,
			Completed: rsp.NumberOfCompletedSuboperations,
			Failed:    rsp.NumberOfFailedSuboperations,
			Warning:   rsp.NumberOfWarningSuboperations,
		}
		if onProgress != nil {
			onProgress(progress)
		}
		if progress.IsFinal() {
			return &progress, nil
		}
	}
}
