package permission

import "errors"

// ErrParsing is returned when a syftperm.yaml document is malformed or
// contains an invalid rule; the offending file is ignored for indexing.
var ErrParsing = errors.New("permission: parsing error")
