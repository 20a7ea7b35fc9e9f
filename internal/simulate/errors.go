package simulate

import "errors"

var (
	// ErrUnexpectedStatus is returned when the service answers with a status
	// the simulator did not expect.
	ErrUnexpectedStatus = errors.New("unexpected status")
	// ErrVerification is returned when the final learning statistics do not
	// account for the submitted outcomes.
	ErrVerification = errors.New("verification failed")
)
