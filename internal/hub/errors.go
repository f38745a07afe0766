package hub

import "errors"

// Validation errors surfaced to reporters. The API layer maps these to 400s.
var (
	errEmptyValue     = errors.New("ioc value is required")
	errBadType        = errors.New("unknown ioc_type")
	errBadThreatLevel = errors.New("unknown threat_level")
)

// IsValidationError reports whether err is a reporter-side input error.
func IsValidationError(err error) bool {
	return errors.Is(err, errEmptyValue) || errors.Is(err, errBadType) || errors.Is(err, errBadThreatLevel)
}
