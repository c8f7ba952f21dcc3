package alerting

import (
	"errors"
	"fmt"
)

// ErrMalformed marks input that can never be processed; it is dropped, not retried.
var ErrMalformed = errors.New("malformed payload")

var (
	ErrMissingType   = fmt.Errorf("%w: missing type", ErrMalformed)
	ErrMissingAmount = fmt.Errorf("%w: missing amount", ErrMalformed)
)
