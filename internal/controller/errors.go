package controller

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidChannelID      = errors.New("channel id is required")
	ErrNoStatuses            = errors.New("at least one status is required")
	ErrInvalidStatus         = errors.New("status has no statistics counter")
	ErrUnknownImplementation = errors.New("unknown controller implementation")
)

// UnitError reports the reset unit that stopped a batch. Index is also the
// number of units committed before it; they stay committed. The failing unit
// and everything after it were not applied.
type UnitError struct {
	Index int
	Unit  ResetUnit
	Err   error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("reset unit %d (channel %s, connector %d) failed after %d committed: %v",
		e.Index, e.Unit.ChannelID, e.Unit.MetaDataID, e.Index, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}
