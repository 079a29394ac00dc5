// Package qstore implements the on-disk queue file store: a directory tree
// partitioned by queue class, hashed into subdirectories to bound directory
// size, with advisory locking layered over the filesystem.
package qstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Class is a queue-class directory, one lifecycle stage of a queue entry.
type Class string

const (
	Incoming Class = "incoming"
	Active   Class = "active"
	Deferred Class = "deferred"
	Hold     Class = "hold"
	Bounce   Class = "bounce"
	Defer    Class = "defer"
	Trace    Class = "trace"
	Corrupt  Class = "corrupt"
)

var allClasses = []Class{Incoming, Active, Deferred, Hold, Bounce, Defer, Trace, Corrupt}

// ErrLocked is returned by OpenHandle when a non-blocking lock request could not
// be satisfied; the caller is expected to try again later rather than
// block a whole process on one contended file.
var ErrLocked = errors.New("qstore: file is locked")

// LockMode selects the advisory lock OpenHandle acquires.
type LockMode int

const (
	// Shared allows any number of concurrent readers (the scheduler, the
	// notifier); it never blocks the single writer from eventually
	// acquiring Exclusive once readers release.
	Shared LockMode = iota
	// Exclusive is held by the one writer role at a time: cleanup while
	// ingesting, or a delivery agent while rewriting completion records.
	Exclusive
)

// Store is a queue root directory holding every class's subdirectories.
type Store struct {
	root       string
	hashLevels int
}

// Open (package-level, distinct from (*Store).OpenHandle) initializes a
// Store rooted at dir, creating the class directories and the tmp staging
// directory if absent; hash subdirectories are created as files are placed.
func Open(dir string, hashLevels int) (*Store, error) {
	s := &Store{root: dir, hashLevels: hashLevels}
	for _, c := range allClasses {
		if err := os.MkdirAll(filepath.Join(dir, string(c)), 0700); err != nil {
			return nil, fmt.Errorf("qstore: creating class dir %q: %v", c, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0700); err != nil {
		return nil, fmt.Errorf("qstore: creating tmp dir: %v", err)
	}
	return s, nil
}

// hashDir returns the subdirectory id is stored under within its class,
// keyed by the first hashLevels characters of the id.
func (s *Store) hashDir(id string) string {
	n := s.hashLevels
	if n <= 0 {
		return ""
	}
	if n > len(id) {
		n = len(id)
	}
	return id[:n]
}

// Path returns the full path to id within class.
func (s *Store) Path(class Class, id string) string {
	h := s.hashDir(id)
	if h == "" {
		return filepath.Join(s.root, string(class), id)
	}
	return filepath.Join(s.root, string(class), h, id)
}

func (s *Store) classDir(class Class, id string) string {
	h := s.hashDir(id)
	if h == "" {
		return filepath.Join(s.root, string(class))
	}
	return filepath.Join(s.root, string(class), h)
}

// Handle is an open, locked queue file.
type Handle struct {
	*os.File
	Class Class
	ID    string
	Path  string
	store *Store
	mode  LockMode

	// pending is set while the handle is still staged under the tmp
	// directory, i.e. between CreatePending and Commit/Abandon.
	pending bool
}

// Create allocates a new id in class, opens it for exclusive writing, and
// takes the exclusive lock. The caller owns the writer role until it calls
// Close (which releases the lock) and typically Rename's the file into
// another class.
func (s *Store) Create(class Class) (*Handle, error) {
	id := NewID()
	dir := s.classDir(class, id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("qstore: creating hash dir: %v", err)
	}

	path := s.Path(class, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("qstore: creating %q: %v", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("qstore: locking new file %q: %v", path, err)
	}

	return &Handle{File: f, Class: class, ID: id, Path: path, store: s, mode: Exclusive}, nil
}

// CreatePending opens a new file under a hidden staging name, invisible to
// any scan of a real queue class. The caller writes the record stream into
// it, then calls Commit to atomically publish it as id under class, or
// Abandon to discard it. This is what gives the ingest engine its
// all-or-nothing commit: a crash before Commit leaves no trace in any
// queue class.
func (s *Store) CreatePending(class Class) (*Handle, error) {
	id := NewID()
	path := filepath.Join(s.root, "tmp", id)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("qstore: creating %q: %v", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("qstore: locking new file %q: %v", path, err)
	}

	return &Handle{
		File: f, Class: class, ID: id, Path: path,
		store: s, mode: Exclusive, pending: true,
	}, nil
}

// Commit publishes a pending handle into its destination class. The handle
// remains open (and locked) under its new path; the caller should Close it
// once done writing.
func (h *Handle) Commit() error {
	if !h.pending {
		return fmt.Errorf("qstore: Commit called on a non-pending handle")
	}
	if err := h.Sync(); err != nil {
		return fmt.Errorf("qstore: fsync before commit: %v", err)
	}

	dir := h.store.classDir(h.Class, h.ID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("qstore: creating hash dir: %v", err)
	}

	final := h.store.Path(h.Class, h.ID)
	if err := os.Rename(h.Path, final); err != nil {
		return fmt.Errorf("qstore: commit rename: %v", err)
	}
	h.Path = final
	h.pending = false
	return nil
}

// Abandon discards a pending handle: the staging file is removed and never
// becomes visible under any queue class, as required when cleanup hits a
// fatal condition before the terminal records.
func (h *Handle) Abandon() error {
	if !h.pending {
		return fmt.Errorf("qstore: Abandon called on a non-pending handle")
	}
	path := h.Path
	if err := h.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// OpenHandle opens an existing queue entry under the given lock mode. A
// Shared request that cannot be satisfied immediately returns ErrLocked;
// callers are expected to prefer non-blocking reads and retry on a
// schedule.
func (s *Store) OpenHandle(class Class, id string, mode LockMode) (*Handle, error) {
	path := s.Path(class, id)

	flag := os.O_RDONLY
	lockOp := syscall.LOCK_SH | syscall.LOCK_NB
	if mode == Exclusive {
		flag = os.O_RDWR
		lockOp = syscall.LOCK_EX | syscall.LOCK_NB
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}

	if err := syscall.Flock(int(f.Fd()), lockOp); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("qstore: locking %q: %v", path, err)
	}

	return &Handle{File: f, Class: class, ID: id, Path: path, store: s, mode: mode}, nil
}

// Close releases the advisory lock and closes the underlying file. The
// lock is also released implicitly on process exit, but callers should not
// rely on that for files they still consider live.
func (h *Handle) Close() error {
	syscall.Flock(int(h.Fd()), syscall.LOCK_UN)
	return h.File.Close()
}

// Rename moves id from its current class to toClass, preserving the id.
// Queue-class transitions are atomic: they rely on same-filesystem rename,
// same as safeio.WriteFile.
func (s *Store) Rename(fromClass Class, id string, toClass Class) error {
	toDir := s.classDir(toClass, id)
	if err := os.MkdirAll(toDir, 0700); err != nil {
		return fmt.Errorf("qstore: creating hash dir: %v", err)
	}
	return os.Rename(s.Path(fromClass, id), s.Path(toClass, id))
}

// Remove deletes id from class outright (operator removal, or a delivery
// agent discarding a queue file once no recipients remain).
func (s *Store) Remove(class Class, id string) error {
	return os.Remove(s.Path(class, id))
}

// MarkCorrupt renames id from its current class into Corrupt. A corrupt
// file is never retried; it is the caller's responsibility to log the
// reason before or after calling this.
func (s *Store) MarkCorrupt(fromClass Class, id string) error {
	return s.Rename(fromClass, id, Corrupt)
}

// ListIDs returns every queue id currently stored under class, walking its
// hash subdirectories. The scheduler's incoming and deferred scans are
// built on this.
func (s *Store) ListIDs(class Class) ([]string, error) {
	root := filepath.Join(s.root, string(class))
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if len(name) > 0 && name[0] == '.' {
			continue
		}
		if !e.IsDir() {
			ids = append(ids, name)
			continue
		}
		sub, err := os.ReadDir(filepath.Join(root, name))
		if err != nil {
			return nil, err
		}
		for _, se := range sub {
			if sn := se.Name(); len(sn) > 0 && sn[0] != '.' && !se.IsDir() {
				ids = append(ids, sn)
			}
		}
	}
	return ids, nil
}

// DeferLogPath returns the path to id's sibling failure log, where the
// scheduler records per-recipient failures for the notifier to read when
// building a DSN.
func (s *Store) DeferLogPath(id string) string {
	return s.Path(Defer, id) + ".log"
}
