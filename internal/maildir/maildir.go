// Package maildir stores raw messages using the tmp, new, cur convention.
//
// A message is written to tmp/ under a unique name, renamed into new/ once
// fully received and renamed into cur/ with the ":2,S" info suffix once local
// processing is done. Every mutation is a create or an atomic rename so
// concurrent sessions need no locking.
package maildir

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	dirTmp = "tmp"
	dirNew = "new"
	dirCur = "cur"

	// SeenSuffix is appended to a message name when moved into cur/
	SeenSuffix = ":2,S"

	createAttempts = 5
)

var (
	// ErrExists is returned when a generated name is already taken
	ErrExists = errors.New("maildir: name already exists")
	// ErrNotNew is returned when archiving a path outside new/
	ErrNotNew = errors.New("maildir: path is not in new")
)

// Store is a Maildir rooted at Root
type Store struct {
	Root string

	host    string
	pid     int
	counter uint64
}

// NewStore creates the tmp, new and cur directories under root
func NewStore(root string) (*Store, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}

	s := &Store{
		Root: root,
		host: sanitizeHost(host),
		pid:  os.Getpid(),
	}

	if err := s.ensure(); err != nil {
		return nil, err
	}

	return s, nil
}

// maildir names may not contain / or :
func sanitizeHost(host string) string {
	host = strings.ReplaceAll(host, "/", `\057`)
	return strings.ReplaceAll(host, ":", `\072`)
}

func (s *Store) ensure() error {
	for _, d := range []string{dirTmp, dirNew, dirCur} {
		if err := os.MkdirAll(filepath.Join(s.Root, d), 0o750); err != nil {
			return errors.WithMessagef(err, "MkdirAll %s", d)
		}
	}
	return nil
}

// Dir returns the path of one of tmp, new or cur
func (s *Store) Dir(name string) string {
	return filepath.Join(s.Root, name)
}

// uniqueName is time.pid_counter.host.random, the counter and uuid
// make it unique per message rather than per process or session
func (s *Store) uniqueName() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", errors.WithMessage(err, "uuid.NewRandom")
	}
	n := atomic.AddUint64(&s.counter, 1)
	random := strings.ReplaceAll(id.String(), "-", "")[:16]
	return fmt.Sprintf("%d.%d_%d.%s.%s", time.Now().Unix(), s.pid, n, s.host, random), nil
}

// Create opens a new temp file in tmp/, the returned Delivery must
// be either Closed and Saved or Aborted
func (s *Store) Create() (*Delivery, error) {
	if err := s.ensure(); err != nil {
		return nil, err
	}

	for i := 0; i < createAttempts; i++ {
		name, err := s.uniqueName()
		if err != nil {
			return nil, err
		}

		path := filepath.Join(s.Dir(dirTmp), name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return nil, errors.WithMessage(err, "OpenFile")
		}

		return &Delivery{
			name: name,
			path: path,
			f:    f,
		}, nil
	}

	return nil, ErrExists
}

// Save moves a fully written temp file into new/ keeping its unique name.
// On failure the temp file is removed, callers must not retry.
func (s *Store) Save(tempPath, sender string, recipients []string) (string, error) {
	name := filepath.Base(tempPath)
	finalPath := filepath.Join(s.Dir(dirNew), name)

	if err := s.ensure(); err != nil {
		os.Remove(tempPath)
		return "", err
	}

	if _, err := os.Stat(finalPath); err == nil {
		os.Remove(tempPath)
		return "", errors.Wrapf(ErrExists, "save %s", name)
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return "", errors.WithMessagef(err, "Rename %s for %s -> %v", name, sender, recipients)
	}

	return finalPath, nil
}

// Archive moves a message from new/ into cur/ marking it seen. On failure
// the message stays in new/.
func (s *Store) Archive(path string) (string, error) {
	if filepath.Dir(path) != s.Dir(dirNew) {
		return "", errors.Wrapf(ErrNotNew, "archive %s", path)
	}

	curPath := filepath.Join(s.Dir(dirCur), filepath.Base(path)+SeenSuffix)

	if err := os.Rename(path, curPath); err != nil {
		return "", errors.WithMessagef(err, "Rename %s", filepath.Base(path))
	}

	return curPath, nil
}

// Delivery is an open temp file in tmp/
type Delivery struct {
	name   string
	path   string
	f      *os.File
	closed bool
}

func (d *Delivery) Name() string { return d.name }
func (d *Delivery) Path() string { return d.path }

func (d *Delivery) Write(b []byte) (int, error) {
	if d.closed {
		return 0, os.ErrClosed
	}
	return d.f.Write(b)
}

// Close syncs and closes the temp file leaving it in tmp/
func (d *Delivery) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	if err := d.f.Sync(); err != nil {
		d.f.Close()
		os.Remove(d.path)
		return errors.WithMessage(err, "Sync")
	}

	if err := d.f.Close(); err != nil {
		os.Remove(d.path)
		return errors.WithMessage(err, "Close")
	}

	return nil
}

// Abort closes and removes the temp file, it is safe to call after Close
func (d *Delivery) Abort() error {
	if !d.closed {
		d.closed = true
		d.f.Close()
	}

	if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
		return errors.WithMessage(err, "Remove")
	}

	return nil
}
