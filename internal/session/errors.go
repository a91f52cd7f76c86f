package session

import (
	"errors"
	"fmt"

	"github.com/jkaninda/termbox/internal/domain"
)

// ErrClosed is returned by GetOrCreate after the registry was drained.
var ErrClosed = errors.New("session registry closed")

var (
	errNilHandle = errors.New("backend returned no handle")
	errNilResult = errors.New("backend returned no result")
)

// ProvisionError reports that a sandbox could not be started for a key.
// Every caller waiting on the same provisioning receives the same error.
type ProvisionError struct {
	Key domain.SessionKey
	Err error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning session %s: %v", e.Key, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }
