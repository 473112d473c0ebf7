package repository

import (
	"errors"

	"github.com/splax/peep/internal/domain"
)

// ErrNotFound indicates an entity was not located.
var ErrNotFound = domain.ErrNotFound

// ErrConflict indicates the project already has a non-terminal deployment.
var ErrConflict = domain.ErrConflict

// ErrStaleState indicates a compare-and-set state update found a different current state.
var ErrStaleState = errors.New("repository: deployment state changed")
