// Package errs defines the sentinel error kinds shared across the engine's
// components. Components wrap one of these with context via
// fmt.Errorf("...: %w", ...) rather than inventing ad-hoc error types.
package errs

import "errors"

var (
	ErrConfigInvalid     = errors.New("config invalid")
	ErrConfigConflict    = errors.New("config conflict")
	ErrConnectFailed     = errors.New("connect failed")
	ErrTransport         = errors.New("transport error")
	ErrQueryFailed       = errors.New("query failed")
	ErrInsertFailed      = errors.New("insert failed")
	ErrListenFailed      = errors.New("listen failed")
	ErrStepMisconfigured = errors.New("step misconfigured")
	ErrStepFailed        = errors.New("step failed")
	ErrTargetFailed      = errors.New("target failed")
)
