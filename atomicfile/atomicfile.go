// Package atomicfile implements the companion atomic-file-update service:
// crash-safe file replacement via a sibling temp file, flock-based mutual
// exclusion, and fsync-before-rename durability, plus a startup recovery
// scan for interrupted updates.
//
// The whole-file advisory locking is grounded on
// marmos91-dittofs/test/e2e/framework/lock_helpers.go's LockFile/
// TryLockFile/UnlockFile: syscall.Flock with LOCK_EX/LOCK_SH and
// LOCK_NB for the non-blocking variant, EAGAIN/EWOULDBLOCK mapped to a
// would-block sentinel.
package atomicfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	lerrors "github.com/legato-project/messaging/errors"
)

// Mode selects what a Handle permits.
type Mode int

const (
	Read Mode = iota
	Write
	ReadAndWrite
)

// CreateMode controls Create's behavior relative to an existing target.
type CreateMode int

const (
	OpenIfExist CreateMode = iota
	ReplaceIfExist
	FailIfExist
)

const backupSuffix = ".bak~~"

// Handle represents one in-progress atomic update of a target file. The
// caller reads/writes through Handle like a normal *os.File; Close
// commits the update (fsync temp, fsync dir, rename, unlock), Cancel
// discards it (unlink temp, unlock).
type Handle struct {
	target  string
	temp    *os.File
	tempPath string
	lockFd  int
	mode    Mode
	done    bool
}

// Open opens target for the given mode, copying its current contents
// into a fresh sibling temp file first if mode allows reading (Read or
// ReadAndWrite) so the caller sees a consistent snapshot to modify.
func Open(target string, mode Mode) (*Handle, error) {
	return open(target, mode, OpenIfExist)
}

// Create opens target for writing, honoring create as the file already
// existing. FailIfExist returns *errors.DuplicateError if target exists.
func Create(target string, create CreateMode) (*Handle, error) {
	return open(target, Write, create)
}

func open(target string, mode Mode, create CreateMode) (*Handle, error) {
	dir := filepath.Dir(target)

	// Checked before acquireLock, whose O_CREAT open would otherwise make
	// the target appear to exist.
	_, statErr := os.Stat(target)
	exists := statErr == nil

	lockFd, err := acquireLock(target, mode != Read)
	if err != nil {
		return nil, err
	}

	if create == FailIfExist && exists {
		releaseLock(lockFd)
		return nil, &lerrors.DuplicateError{Protocol: "atomicfile", Instance: target}
	}

	tempFile, err := os.CreateTemp(dir, filepath.Base(target)+backupSuffix)
	if err != nil {
		releaseLock(lockFd)
		return nil, &lerrors.CommError{Cause: err}
	}

	if exists && create != ReplaceIfExist && (mode == Read || mode == ReadAndWrite) {
		src, err := os.Open(target)
		if err != nil {
			_ = tempFile.Close()
			_ = os.Remove(tempFile.Name())
			releaseLock(lockFd)
			return nil, &lerrors.CommError{Cause: err}
		}
		_, copyErr := io.Copy(tempFile, src)
		_ = src.Close()
		if copyErr != nil {
			_ = tempFile.Close()
			_ = os.Remove(tempFile.Name())
			releaseLock(lockFd)
			return nil, &lerrors.CommError{Cause: copyErr}
		}
		if _, err := tempFile.Seek(0, io.SeekStart); err != nil {
			_ = tempFile.Close()
			_ = os.Remove(tempFile.Name())
			releaseLock(lockFd)
			return nil, &lerrors.CommError{Cause: err}
		}
	}

	return &Handle{
		target:   target,
		temp:     tempFile,
		tempPath: tempFile.Name(),
		lockFd:   lockFd,
		mode:     mode,
	}, nil
}

// Read reads from the handle's temp file, as a normal io.Reader. Invalid
// for a Write-only handle.
func (h *Handle) Read(p []byte) (int, error) {
	if h.mode == Write {
		return 0, &lerrors.NotPermittedError{Reason: "atomicfile: handle opened write-only"}
	}
	return h.temp.Read(p)
}

// Write writes to the handle's temp file, as a normal io.Writer. Invalid
// for a Read-only handle.
func (h *Handle) Write(p []byte) (int, error) {
	if h.mode == Read {
		return 0, &lerrors.NotPermittedError{Reason: "atomicfile: handle opened read-only"}
	}
	return h.temp.Write(p)
}

// Close commits the update: fsync the temp file, fsync its directory,
// rename the temp file over target, then release the lock. Idempotent
// after the first call; subsequent calls return nil.
func (h *Handle) Close() error {
	if h.done {
		return nil
	}
	h.done = true
	defer releaseLock(h.lockFd)

	if err := h.temp.Sync(); err != nil {
		_ = h.temp.Close()
		_ = os.Remove(h.tempPath)
		return &lerrors.CommError{Cause: err}
	}
	if err := h.temp.Close(); err != nil {
		_ = os.Remove(h.tempPath)
		return &lerrors.CommError{Cause: err}
	}

	dir := filepath.Dir(h.target)
	dirFile, err := os.Open(dir)
	if err != nil {
		_ = os.Remove(h.tempPath)
		return &lerrors.CommError{Cause: err}
	}
	defer dirFile.Close()

	if err := os.Rename(h.tempPath, h.target); err != nil {
		_ = os.Remove(h.tempPath)
		return &lerrors.CommError{Cause: err}
	}
	if err := dirFile.Sync(); err != nil {
		return &lerrors.CommError{Cause: err}
	}
	return nil
}

// Cancel discards the update: the temp file is removed and target is
// left untouched. Idempotent after the first call.
func (h *Handle) Cancel() error {
	if h.done {
		return nil
	}
	h.done = true
	defer releaseLock(h.lockFd)

	_ = h.temp.Close()
	if err := os.Remove(h.tempPath); err != nil && !os.IsNotExist(err) {
		return &lerrors.CommError{Cause: err}
	}
	return nil
}

func acquireLock(target string, exclusive bool) (int, error) {
	fd, err := syscall.Open(target, syscall.O_RDONLY|syscall.O_CREAT, 0644)
	if err != nil {
		return -1, &lerrors.CommError{Cause: err}
	}
	how := syscall.LOCK_SH
	if exclusive {
		how = syscall.LOCK_EX
	}
	if err := syscall.Flock(fd, how); err != nil {
		_ = syscall.Close(fd)
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
			return -1, &lerrors.WouldBlockError{}
		}
		return -1, &lerrors.CommError{Cause: err}
	}
	return fd, nil
}

func releaseLock(fd int) {
	_ = syscall.Flock(fd, syscall.LOCK_UN)
	_ = syscall.Close(fd)
}

// RestoreBackups scans dir for leftover "<target>.bak~~XXXXXX" temp files
// from updates interrupted before Close or Cancel ran (a crash between
// CreateTemp and rename), removing each one. atomFile.c has no equivalent
// sweep; this one follows from its temp-file naming (see DESIGN.md). A
// process's own os.CreateTemp-created siblings are always safe to delete on the next
// startup, since Close's rename already moved any committed data onto
// the target path before the temp file could be orphaned.
func RestoreBackups(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return &lerrors.CommError{Cause: err}
	}
	var firstErr error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.Contains(entry.Name(), backupSuffix) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("atomicfile: removing stale backup %s: %w", path, err)
		}
	}
	return firstErr
}
