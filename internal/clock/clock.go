package clock

import (
	"time"

	"github.com/google/uuid"
)

// IDGenerator generates unique record IDs
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// UUIDGenerator generates random UUIDv4 strings
type UUIDGenerator struct{}

func (UUIDGenerator) Generate() string {
	return uuid.NewString()
}

// System reads the wall clock
type System struct{}

func (System) Now() time.Time {
	return time.Now()
}
