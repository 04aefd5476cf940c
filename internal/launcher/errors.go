package launcher

import (
	"errors"
	"fmt"

	"github.com/packsmith/packctl/internal/knownerr"
)

// ErrInstanceBusy means another operation currently holds the instance.
var ErrInstanceBusy = errors.New("another operation is running for this instance")

// ErrLaunchBlocked means integrity verification found issues and the game
// was not started.
var ErrLaunchBlocked = errors.New("launch blocked by integrity verification")

// ErrRequiredModsFailed means one or more required mod references could not
// be fetched, so instance metadata was not written.
var ErrRequiredModsFailed = errors.New("required mod files could not be fetched")

// ClassifiedError pairs a raw pipeline error with its curated explanation
// when the known-error table recognizes it.
type ClassifiedError struct {
	Raw    error
	Known  *knownerr.KnownError
	Locale string
}

func (e *ClassifiedError) Error() string {
	return e.Raw.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Raw
}

// UserMessage renders the curated title and solution in the configured
// locale, falling back to the raw error text for unrecognized failures.
func (e *ClassifiedError) UserMessage() string {
	if e.Known == nil {
		return e.Raw.Error()
	}
	text := e.Known.Text(e.Locale)
	if text.Solution == "" {
		return text.Title
	}
	return fmt.Sprintf("%s\n%s", text.Title, text.Solution)
}
