/**
 * @description
 * Domain model for the bridge's per-account ledger. One record exists per
 * source (ETH) address; it is created on the first deposit event and never
 * deleted, so the table doubles as an audit trail of everything the bridge
 * owes and has paid out.
 */
package domain

import "time"

// Account lifecycle statuses.
const (
	StatusPending  = "PENDING"
	StatusSettling = "SETTLING"
	StatusSettled  = "SETTLED"
	StatusFailed   = "FAILED"
)

// Account is the unit of reconciliation between the two ledgers.
// AccruedAmount and SettledAmount are expressed in the mosaic's smallest
// unit and are both monotonically non-decreasing; SettledAmount never
// exceeds AccruedAmount.
type Account struct {
	EthAddress    string     `json:"eth_address"`
	NemAddress    string     `json:"nem_address"`
	AccruedAmount int64      `json:"accrued_amount"`
	SettledAmount int64      `json:"settled_amount"`
	LastEventID   string     `json:"last_event_id"`
	Status        string     `json:"status"`
	SettlingAt    *time.Time `json:"settling_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// UnsettledAmount is the delta still owed to the NEM side.
func (a *Account) UnsettledAmount() int64 {
	return a.AccruedAmount - a.SettledAmount
}
