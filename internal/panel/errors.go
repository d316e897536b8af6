package panel

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when the panel reports that a client does not exist.
var ErrNotFound = errors.New("client not found on panel")

// ErrRateLimited is wrapped in a ConnectivityError when rate-limit retries run out.
var ErrRateLimited = errors.New("panel rate limit retries exhausted")

// AuthenticationError means the panel rejected the stored credentials, or kept
// rejecting the session after one fresh login.
type AuthenticationError struct {
	PanelID uint
	Reason  string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("panel %d: authentication failed: %s", e.PanelID, e.Reason)
}

// ConnectivityError means the panel could not be reached within the retry budget.
// A timed-out call may still have taken effect remotely.
type ConnectivityError struct {
	PanelID  uint
	Attempts int
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("panel %d: unreachable after %d attempt(s): %v", e.PanelID, e.Attempts, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// RemoteError is a definitive refusal from the panel (success=false, 4xx, 500).
type RemoteError struct {
	PanelID uint
	Status  int
	Msg     string
}

func (e *RemoteError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("panel %d: request rejected (%d): %s", e.PanelID, e.Status, e.Msg)
	}
	return fmt.Sprintf("panel %d: request rejected: %s", e.PanelID, e.Msg)
}

// IsConnectivity reports whether err carries a ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// IsAuthentication reports whether err carries an AuthenticationError.
func IsAuthentication(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}
