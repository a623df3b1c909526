package auth

import "errors"

// Error is the terminal credential failure: the mailbox cannot be
// synced again until its owner re-consents. Sweeps must not retry it;
// transient provider failures are plain wrapped errors instead.
type Error struct {
	OwnerID string
	Reason  string
}

func (e *Error) Error() string {
	return "mailbox " + e.OwnerID + " auth: " + e.Reason
}

// IsTerminal reports whether err means the credential is unusable
// without user re-authorization.
func IsTerminal(err error) bool {
	var ae *Error
	return errors.As(err, &ae)
}
