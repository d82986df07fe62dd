package profile

import "errors"

// ErrUnrecognizedPayload is the cause attached to an unavailable result when
// the page parsed but matched none of the known payload shapes
var ErrUnrecognizedPayload = errors.New("unrecognized profile payload")
