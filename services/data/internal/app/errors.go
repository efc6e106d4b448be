package app

import "errors"

// ErrEmptyContent rejects uploads with a zero-length body.
var ErrEmptyContent = errors.New("empty content")
