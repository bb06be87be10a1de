package graphlet

import "errors"

var (
	// ErrComponentNotFound indicates no component is registered under the
	// requested name. Exchanges fail with it before anything is sent.
	ErrComponentNotFound = errors.New("component not found")

	// ErrQueryFailed indicates the peer answered with an error.
	ErrQueryFailed = errors.New("query failed")

	// ErrOratorAlreadyRunning indicates Start was called twice.
	ErrOratorAlreadyRunning = errors.New("orator already running")

	// ErrOratorNotRunning indicates the orator has not been started.
	ErrOratorNotRunning = errors.New("orator not running")
)
