package cache

import (
	"encoding/json"
	"fmt"
)

// Status represents the state of one cache entry.
type Status int32

const (
	// StatusIdle indicates the entry has never fetched.
	StatusIdle Status = iota

	// StatusLoading indicates a fetch is in flight.
	StatusLoading

	// StatusSuccess indicates the entry holds fetched data.
	StatusSuccess

	// StatusError indicates the last fetch failed. Data from an earlier
	// successful fetch is retained alongside the error.
	StatusError
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseStatus(str)
	return nil
}

// ParseStatus converts a string to a Status.
func ParseStatus(str string) Status {
	switch str {
	case "loading":
		return StatusLoading
	case "success":
		return StatusSuccess
	case "error":
		return StatusError
	default:
		return StatusIdle
	}
}
