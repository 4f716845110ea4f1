package dimse

import (
	"context"
	"fmt"
)

// CFindResult is the outcome of a C-FIND operation: the final status and the
// identifier datasets carried by the pending responses.
type CFindResult struct {
	Status  uint16
	Matches []*Dataset
}

// CFind performs a C-FIND operation against the given Query/Retrieve
// information model, collecting pending responses until a final status
// arrives.
func (a *Association) CFind(ctx context.Context, sopClassUID string, identifier *Dataset) (*CFindResult, error) {
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
		return nil, fmt.Errorf("failed to encode C-FIND identifier: %w", err)
	}

	req := &Message{
		CommandField:        CFindRQ,
		MessageID:           a.newMessageID(),
		AffectedSOPClassUID: sopClassUID,
		Priority:            0x0000,
		CommandDataSetType:  DataSetPresent,
	}
	if err := a.send(pc.ID, req, encoded); err != nil {
		return nil, fmt.Errorf("failed to send C-FIND request: %w", err)
	}

	result := &CFindResult{}
	for {
		rsp, data, err := a.receive()
		if err != nil {
			return nil, fmt.Errorf("failed to receive C-FIND response: %w", err)
		}
		if rsp.CommandField != CFindRSP {
			return nil, fmt.Errorf("unexpected response command 0x%04x to C-FIND", rsp.CommandField)
		}

		result.Status = rsp.Status
		if rsp.Status == StatusPending {
			match, err := ParseDataset(data, pc.TransferSyntax)
			if err != nil {
				return nil, fmt.Errorf("failed to parse C-FIND match: %w", err)
			}
			result.Matches = append(result.Matches, match)
			continue
		}
		if rsp.Status == StatusSuccess {
			return result, nil
		}
		return result, fmt.Errorf("C-FIND failed with status: 0x%04x", rsp.Status)
	}
}
