package rpc

import "errors"

var (
	// ErrInvalidExpiry is returned when an expiry string does not match the
	// "Nd|Nh|Nm|Ns" format.
	ErrInvalidExpiry = errors.New("rpc: invalid expiry duration")

	// ErrSyftError wraps unexpected local I/O failures while writing or
	// reading request/response files.
	ErrSyftError = errors.New("rpc: syft error")

	// ErrTimeout is returned by Future.Wait when the deadline elapses before
	// a response resolves. BulkFuture.GatherCompleted returns no error; it
	// leaves timed-out futures out of its result.
	ErrTimeout = errors.New("rpc: future timed out")

	// ErrRejected is returned by Future.Wait when the request was rejected
	// by the remote peer (a "<id>.syftrejected.request" file was written).
	ErrRejected = errors.New("rpc: request rejected")
)
