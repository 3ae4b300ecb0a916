package transport

// Magic control tokens, sent as the payload of an OPS-channel frame.
const (
	MagicGenomeRequest = "__CELL_GENOME_REQUEST__"
	MagicUpgradeReq    = "__SHM_UPGRADE_REQUEST__"
	MagicUpgradeAck    = "__SHM_UPGRADE_ACK__"
)
