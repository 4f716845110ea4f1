package dimse

import (
	"context"
	"fmt"
)

// CStore transmits one SOP instance. The dataset bytes must already be
// encoded in the transfer syntax negotiated for the instance's SOP class;
// the association performs no transcoding.
func (a *Association) CStore(ctx context.Context, sopClassUID, sopInstanceUID string, dataset []byte) (uint16, error) {
	if !a.IsConnected() {
		if err := a.Connect(ctx); err != nil {
			return 0, err
		}
	}

	pc, ok := a.AcceptedContext(sopClassUID)
	if !ok {
		return 0, fmt.Errorf("SOP class %s not accepted by %s", sopClassUID, a.calledAET)
	}

	a.UpdateLastUsed()

	req := &Message{
		CommandField:           CStoreRQ,
		MessageID:              a.newMessageID(),
		AffectedSOPClassUID:    sopClassUID,
		AffectedSOPInstanceUID: sopInstanceUID,
		Priority:               0x0000,
		CommandDataSetType:     DataSetPresent,
	}
	if err := a.send(pc.ID, req, dataset); err != nil {
		return 0, fmt.Errorf("failed to send C-STORE request: %w", err)
	}

	rsp, _, err := a.receive()
	if err != nil {
		return 0, fmt.Errorf("failed to receive C-STORE response: %w", err)
	}
	if rsp.CommandField != CStoreRSP {
		return 0, fmt.Errorf("unexpected response command 0x%04x to C-STORE", rsp.CommandField)
	}
	return rsp.Status, nil
}
