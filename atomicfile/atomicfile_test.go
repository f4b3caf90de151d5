package atomicfile

import (
	"os"
	"path/filepath"
	"testing"

	lerrors "github.com/legato-project/messaging/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateThenCloseWritesTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "config.json")

	h, err := Create(target, ReplaceIfExist)
	require.NoError(t, err)
	_, err = h.Write([]byte(`{"a":1}`))
	require.NoError(t, err)
	require.NoError(t, h.Close())

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))
}

func TestCreateFailIfExistReturnsDuplicateError(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(target, []byte("existing"), 0644))

	_, err := Create(target, FailIfExist)
	require.Error(t, err)
	var dup *lerrors.DuplicateError
	assert.ErrorAs(t, err, &dup)
}

func TestCancelLeavesTargetUntouched(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(target, []byte("original"), 0644))

	h, err := Open(target, ReadAndWrite)
	require.NoError(t, err)
	_, err = h.Write([]byte("mutated"))
	require.NoError(t, err)
	require.NoError(t, h.Cancel())

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))
}

func TestOpenReadAndWriteSeesExistingContents(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(target, []byte("hello"), 0644))

	h, err := Open(target, ReadAndWrite)
	require.NoError(t, err)
	defer h.Cancel()

	buf := make([]byte, 5)
	n, err := h.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestWriteOnReadOnlyHandleIsRejected(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(target, []byte("hello"), 0644))

	h, err := Open(target, Read)
	require.NoError(t, err)
	defer h.Cancel()

	_, err = h.Write([]byte("nope"))
	require.Error(t, err)
}

func TestCloseThenCloseAgainIsNoop(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "config.json")

	h, err := Create(target, ReplaceIfExist)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
}

func TestRestoreBackupsRemovesOrphanedTempFiles(t *testing.T) {
	dir := t.TempDir()
	orphan := filepath.Join(dir, "config.json"+backupSuffix+"abc123")
	require.NoError(t, os.WriteFile(orphan, []byte("stale"), 0644))

	kept := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(kept, []byte("live"), 0644))

	require.NoError(t, RestoreBackups(dir))

	_, err := os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(kept)
	assert.NoError(t, err)
}
