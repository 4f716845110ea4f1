package dimse

import (
	"context"
	"fmt"
)

// CEcho performs a C-ECHO operation (DICOM ping).
func (a *Association) CEcho(ctx context.Context) error {
	if !a.IsConnected() {
		if err := a.Connect(ctx); err != nil {
			return err
		}
	}

	pc, ok := a.AcceptedContext(VerificationSOPClass)
	if !ok {
		return fmt.Errorf("verification SOP class not accepted by %s", a.calledAET)
	}

	a.UpdateLastUsed()

	req := &Message{
		CommandField:        CEchoRQ,
		MessageID:           a.newMessageID(),
		AffectedSOPClassUID: VerificationSOPClass,
		CommandDataSetType:  NoDataSet,
	}
	if err := a.send(pc.ID, req, nil); err != nil {
		return fmt.Errorf("failed to send C-ECHO request: %w", err)
	}

	rsp, _, err := a.receive()
	if err != nil {
		return fmt.Errorf("failed to receive C-ECHO response: %w", err)
	}
	if rsp.CommandField != CEchoRSP {
		return fmt.Errorf("unexpected response command 0x%04x to C-ECHO", rsp.CommandField)
	}
	if rsp.Status != StatusSuccess {
		return fmt.Errorf("C-ECHO failed with status: 0x%04x", rsp.Status)
	}
	return nil
}
