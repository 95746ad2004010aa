// Package jobstore persists per-job records: metadata, log, outcome,
// contract and mutation marker, plus their rotated predecessors.
package jobstore

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ErrNotFound is returned when a job id has no metadata record.
var ErrNotFound = errors.New("job not found")

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateID rejects ids that are unsafe as directory names.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid job id %q: use letters, digits, '.', '_' or '-'", id)
	}
	return nil
}

// Store is the job record set. Outcome, Contract and Marker return nil with
// no error when the artifact does not exist.
type Store interface {
	Get(id string) (*Record, error)
	Put(r *Record) error
	// Update applies fn to the stored record under the job's lock and
	// persists the result.
	Update(id string, fn func(*Record) error) (*Record, error)
	List() ([]string, error)

	Outcome(id string) (*Outcome, error)
	PutOutcome(id string, o *Outcome) error
	Contract(id string) (*Contract, error)
	PutContract(id string, c *Contract) error
	Marker(id string) (*Marker, error)
	PutMarker(id string, m *Marker) error

	LogStats(id string) (LogStats, error)
	LogPath(id string) string
	// MetaModTime is when the metadata record was last written.
	MetaModTime(id string) (time.Time, error)

	// Rotate renames the current log and outcome to the next free common
	// numeric suffix and returns it. It returns 0 when there was nothing
	// to rotate.
	Rotate(id string) (int, error)
	// Rotations lists the rotated suffixes in ascending order.
	Rotations(id string) ([]int, error)
}
