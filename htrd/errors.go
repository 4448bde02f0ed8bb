package htrd

import "errors"

// Sentinel errors returned by Feed, matching the distinct errnum values
// original_source/lib/htrd.c tracks on htrd->errnum (HIO_HTRD_ESUSPENDED,
// HIO_HTRD_EBADRE, HIO_HTRD_EBADHDR).
var (
	ErrSuspended = errors.New("htrd: feed called while decoder is suspended")
	ErrBadRecord = errors.New("htrd: malformed request/response line")
	ErrBadHeader = errors.New("htrd: malformed header field")
)
