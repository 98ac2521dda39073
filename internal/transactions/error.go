package transactions

import "fmt"

// ErrorCode identifies why a transaction failed during execution. Codes are
// persisted with execution results and must never be renumbered.
type ErrorCode uint8

// These constants are the stable execution error codes.
const (
	// WalletExists indicates that CreateWallet targeted a key that is
	// already registered.
	WalletExists ErrorCode = 0

	// UnregisteredSender indicates that the sender of a Transfer has no
	// wallet.
	UnregisteredSender ErrorCode = 1

	// UnregisteredReceiver indicates that the receiver of a Transfer has
	// no wallet.
	UnregisteredReceiver ErrorCode = 2

	// IncorrectProof indicates that the sufficient balance proof of a
	// Transfer does not verify against the sender's current balance.
	IncorrectProof ErrorCode = 3

	// UnknownTransfer indicates that an Accept references a transfer that
	// never existed or is no longer Pending.
	UnknownTransfer ErrorCode = 4

	// Codes 5 and 6 belonged to retired variants and stay reserved.

	// UnauthorizedAccept indicates that an Accept was signed by someone
	// other than the transfer's receiver.
	UnauthorizedAccept ErrorCode = 7
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	WalletExists:         "WalletExists",
	UnregisteredSender:   "UnregisteredSender",
	UnregisteredReceiver: "UnregisteredReceiver",
	IncorrectProof:       "IncorrectProof",
	UnknownTransfer:      "UnknownTransfer",
	UnauthorizedAccept:   "UnauthorizedAccept",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", uint8(e))
}

// ExecError is the outcome of a transaction that was included in a block
// but failed a stateful check. It never wraps storage failures.
type ExecError struct {
	Code        ErrorCode
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e *ExecError) Error() string {
	return fmt.Sprintf("%v: %s", e.Code, e.Description)
}

// execError creates an ExecError given a set of arguments.
func execError(c ErrorCode, desc string) *ExecError {
	return &ExecError{Code: c, Description: desc}
}
