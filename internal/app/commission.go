/**
 * @description
 * Commission calculator for provider payouts. Given the gross amount captured
 * from the customer and the platform fee, it returns the net amount owed to the
 * provider. All arithmetic is integer-only on minor currency units (euro cents);
 * no floating point is used anywhere on the payout path because cent-level
 * rounding errors are unacceptable in a financial ledger.
 */

package app

import "errors"

// ErrInvalidAmount indicates corrupt amount data upstream: a negative gross or
// fee, or a fee exceeding the gross. This is never a legitimate runtime state
// and is surfaced to operators rather than auto-corrected.
var ErrInvalidAmount = errors.New("invalid amount")

// ComputeNet returns the provider's net proceeds: gross minus platform fee.
// Both operands are minor currency units. Pure and exactly reproducible.
func ComputeNet(grossAmount, feeAmount int64) (int64, error) {
	if grossAmount < 0 || feeAmount < 0 || feeAmount > grossAmount {
		return 0, ErrInvalidAmount
	}
	return grossAmount - feeAmount, nil
}
