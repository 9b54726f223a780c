package domain

// DepositEvent is the message published by the block parser when a watched
// ETH address receives funds. Routing key: <service>_chrono_sc.deposit.
type DepositEvent struct {
	Name    string         `json:"name"`
	Payload DepositPayload `json:"payload"`
}

// DepositPayload carries the depositing address and the amount, already
// denominated in the mosaic's smallest unit.
type DepositPayload struct {
	Who    string `json:"who"`
	Amount int64  `json:"amount"`
}

// TransferStatus is the outcome of a transfer submission to the settlement
// ledger as seen by the scheduler.
type TransferStatus string

const (
	// TransferConfirmed means the node accepted the transfer (or reported
	// it as a duplicate of one it already holds, which settles the same
	// delta).
	TransferConfirmed TransferStatus = "confirmed"
	// TransferPending means the submission outcome is unknown: timeout,
	// node unavailable, or a neutral validation result. The account stays
	// SETTLING and is re-verified later.
	TransferPending TransferStatus = "pending"
	// TransferRejected is a terminal validation failure (bad destination,
	// unusable sender). The account requires operator review.
	TransferRejected TransferStatus = "rejected"
)
