package services

import (
	"tournament-engine/config"

	"github.com/rotisserie/eris"
)

// Error taxonomy. Call sites wrap these with eris.Wrapf so callers can classify with eris.Is.
var (
	ErrNotFound      = eris.New("not found")
	ErrInvalidState  = eris.New("invalid state")
	ErrUpstream      = eris.New("upstream failure")
	ErrValidation    = eris.New("validation failed")
	ErrDuplicate     = eris.New("duplicate")
	ErrConfiguration = config.ErrConfiguration
)

// ErrorKind names the taxonomy class of err, or "internal".
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case eris.Is(err, ErrNotFound):
		return "not_found"
	case eris.Is(err, ErrInvalidState), eris.Is(err, ErrDuplicate):
		return "invalid_state"
	case eris.Is(err, ErrUpstream):
		return "upstream_failure"
	case eris.Is(err, ErrValidation):
		return "validation"
	case eris.Is(err, ErrConfiguration):
		return "configuration"
	default:
		return "internal"
	}
}
