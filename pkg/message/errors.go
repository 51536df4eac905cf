package message

import "errors"

// ErrMalformedMessage is returned when a request/response fails to parse
// from its on-disk JSON form.
var ErrMalformedMessage = errors.New("malformed message")
