package syfturl

import "errors"

// ErrInvalidURL is returned for any malformed syft:// url.
var ErrInvalidURL = errors.New("invalid syft url")
