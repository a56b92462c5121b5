// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
)

var _ ingest.Clock = Clock{}

// Clock reads time.Now in UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
