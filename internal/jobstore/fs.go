package jobstore

import (
	"encoding"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/user/tend/internal/workspace"
)

// File names inside a job directory.
const (
	metaFile     = "meta"
	logFile      = "log"
	outcomeFile  = "outcome"
	contractFile = "contract"
	markerFile   = "mutation"
	lockName     = ".lock"
)

// FSStore keeps one directory per job under Dir:
//
//	<dir>/<id>/meta       key=value Record
//	<dir>/<id>/log        combined stdout/stderr of the current run
//	<dir>/<id>/log.N      rotated logs
//	<dir>/<id>/outcome    Outcome of the current run, outcome.N rotated
//	<dir>/<id>/contract   Contract of the current run
//	<dir>/<id>/mutation   Marker
type FSStore struct {
	Dir string
	Now func() time.Time
}

// NewFSStore returns a store rooted at dir, creating it if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create job store: %w", err)
	}
	return &FSStore{Dir: dir, Now: time.Now}, nil
}

func (s *FSStore) jobDir(id string) string       { return filepath.Join(s.Dir, id) }
func (s *FSStore) path(id, name string) string   { return filepath.Join(s.Dir, id, name) }
func (s *FSStore) LogPath(id string) string      { return s.path(id, logFile) }
func (s *FSStore) OutcomePath(id string) string  { return s.path(id, outcomeFile) }
func (s *FSStore) ContractPath(id string) string { return s.path(id, contractFile) }

func (s *FSStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *FSStore) Get(id string) (*Record, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(id, metaFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("read job %s: %w", id, err)
	}
	var r Record
	if err := r.UnmarshalText(data); err != nil {
		return nil, fmt.Errorf("parse job %s: %w", id, err)
	}
	if r.ID != id {
		return nil, fmt.Errorf("parse job %s: record id is %q", id, r.ID)
	}
	return &r, nil
}

func (s *FSStore) Put(r *Record) error {
	if err := ValidateID(r.ID); err != nil {
		return err
	}
	if err := os.MkdirAll(s.jobDir(r.ID), 0o755); err != nil {
		return err
	}
	lk, err := lockFile(s.path(r.ID, lockName))
	if err != nil {
		return err
	}
	defer lk.unlock()
	return s.putLocked(r)
}

func (s *FSStore) putLocked(r *Record) error {
	now := s.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	return s.write(r.ID, metaFile, r)
}

func (s *FSStore) Update(id string, fn func(*Record) error) (*Record, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.jobDir(id)); err != nil {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	lk, err := lockFile(s.path(id, lockName))
	if err != nil {
		return nil, err
	}
	defer lk.unlock()

	r, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if err := fn(r); err != nil {
		return nil, err
	}
	if err := s.putLocked(r); err != nil {
		return nil, err
	}
	return r, nil
}

// List returns the ids of every job directory that holds a metadata file.
func (s *FSStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || ValidateID(e.Name()) != nil {
			continue
		}
		if _, err := os.Stat(s.path(e.Name(), metaFile)); err != nil {
			slog.Debug("skipping job dir without metadata", slog.String("job_id", e.Name()))
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FSStore) write(id, name string, v encoding.TextMarshaler) error {
	data, err := v.MarshalText()
	if err != nil {
		return err
	}
	return workspace.WriteFileAtomic(s.path(id, name), data, 0o644)
}

// read decodes name into v. It reports false when the file does not exist.
func (s *FSStore) read(id, name string, v encoding.TextUnmarshaler) (bool, error) {
	data, err := os.ReadFile(s.path(id, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := v.UnmarshalText(data); err != nil {
		return false, fmt.Errorf("parse %s for job %s: %w", name, id, err)
	}
	return true, nil
}

func (s *FSStore) Outcome(id string) (*Outcome, error) {
	var o Outcome
	ok, err := s.read(id, outcomeFile, &o)
	if !ok {
		return nil, err
	}
	return &o, nil
}

func (s *FSStore) PutOutcome(id string, o *Outcome) error {
	return s.write(id, outcomeFile, o)
}

func (s *FSStore) Contract(id string) (*Contract, error) {
	var c Contract
	ok, err := s.read(id, contractFile, &c)
	if !ok {
		return nil, err
	}
	return &c, nil
}

func (s *FSStore) PutContract(id string, c *Contract) error {
	return s.write(id, contractFile, c)
}

func (s *FSStore) Marker(id string) (*Marker, error) {
	var m Marker
	ok, err := s.read(id, markerFile, &m)
	if !ok {
		return nil, err
	}
	return &m, nil
}

func (s *FSStore) PutMarker(id string, m *Marker) error {
	return s.write(id, markerFile, m)
}

func (s *FSStore) LogStats(id string) (LogStats, error) {
	fi, err := os.Stat(s.LogPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return LogStats{}, nil
		}
		return LogStats{}, err
	}
	return LogStats{Exists: true, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (s *FSStore) MetaModTime(id string) (time.Time, error) {
	fi, err := os.Stat(s.path(id, metaFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

func (s *FSStore) Rotations(id string) ([]int, error) {
	entries, err := os.ReadDir(s.jobDir(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	seen := make(map[int]bool)
	for _, e := range entries {
		for _, base := range []string{logFile, outcomeFile} {
			if n, ok := rotatedSuffix(e.Name(), base); ok {
				seen[n] = true
			}
		}
	}
	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

func rotatedSuffix(name, base string) (int, bool) {
	rest, ok := strings.CutPrefix(name, base+".")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func (s *FSStore) Rotate(id string) (int, error) {
	if err := ValidateID(id); err != nil {
		return 0, err
	}
	var present []string
	for _, name := range []string{logFile, outcomeFile} {
		if _, err := os.Stat(s.path(id, name)); err == nil {
			present = append(present, name)
		}
	}
	if len(present) == 0 {
		return 0, nil
	}
	suffixes, err := s.Rotations(id)
	if err != nil {
		return 0, err
	}
	next := 1
	if len(suffixes) > 0 {
		next = suffixes[len(suffixes)-1] + 1
	}
	for _, name := range present {
		dst := s.path(id, name+"."+strconv.Itoa(next))
		if err := os.Rename(s.path(id, name), dst); err != nil {
			return 0, fmt.Errorf("rotate %s: %w", name, err)
		}
	}
	return next, nil
}
