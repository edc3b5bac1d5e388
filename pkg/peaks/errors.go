package peaks

import "errors"

// ErrInvalidOptions is returned when a peak finder's accuracy constants are
// out of range.
var ErrInvalidOptions = errors.New("invalid peak finder options")
