package application

import "time"

// Clock abstraction so services can be tested at fixed times.
type Clock interface {
	Now() time.Time
}

// SystemClock default implementation.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
