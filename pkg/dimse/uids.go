package dimse

// Application context for all DICOM associations.
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// SOP Class UIDs understood by the gateway.
const (
	VerificationSOPClass = "1.2.840.10008.1.1"

	PatientRootQueryRetrieveFind = "1.2.840.10008.5.1.4.1.2.1.1"
	PatientRootQueryRetrieveMove = "1.2.840.10008.5.1.4.1.2.1.2"
	StudyRootQueryRetrieveFind   = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootQueryRetrieveMove   = "1.2.840.10008.5.1.4.1.2.2.2"

	CTImageStorage = "1.2.840.10008.5.1.4.1.1.2"
	MRImageStorage = "1.2.840.10008.5.1.4.1.1.4"
)

// Transfer syntax UIDs offered on inbound associations.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"
)

// DIMSE command fields.
const (
	CStoreRQ  = 0x0001
	CStoreRSP = 0x8001
	CFindRQ   = 0x0020
	CFindRSP  = 0x8020
	CMoveRQ   = 0x0021
	CMoveRSP  = 0x8021
	CEchoRQ   = 0x0030
	CEchoRSP  = 0x8030
	CCancelRQ = 0x0FFF
)

// DIMSE status codes.
const (
	StatusSuccess                        = 0x0000
	StatusPending                        = 0xFF00
	StatusProcessingFailure              = 0x0110
	StatusInvalidArgumentValue           = 0x0115
	StatusUnrecognizedOperation          = 0x0211
	StatusOutOfResources                 = 0xA700
	StatusMoveDestinationUnknown         = 0xA801
	StatusIdentifierDoesNotMatchSOPClass = 0xA900
	StatusUnableToProcess                = 0xC000
)

// CommandDataSetType values.
const (
	DataSetPresent = 0x0000
	NoDataSet      = 0x0101
)

// IsQueryRetrieveFind reports whether the abstract syntax is one of the
// Query/Retrieve FIND information models served by the gateway.
func IsQueryRetrieveFind(uid string) bool {
	return uid == PatientRootQueryRetrieveFind || uid == StudyRootQueryRetrieveFind
}

// IsQueryRetrieveMove reports whether the abstract syntax is one of the
// Query/Retrieve MOVE information models served by the gateway.
func IsQueryRetrieveMove(uid string) bool {
	return uid == PatientRootQueryRetrieveMove || uid == StudyRootQueryRetrieveMove
}
