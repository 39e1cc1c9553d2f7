package results

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
}

func TestOpen_CreateWritesHeader(t *testing.T) {
	dir := t.TempDir()

	log, err := Open(dir, Create)
	require.NoError(t, err)
	require.NoError(t, log.Append(1, 12.5, 10.25))
	require.NoError(t, log.Append(2, 18.75, 100))
	require.NoError(t, log.Close())

	assert.Equal(t, []string{
		"epoch,train_bleu,dev_bleu",
		"1,12.5,10.25",
		"2,18.75,100",
	}, readLines(t, filepath.Join(dir, FileName)))
}

func TestOpen_AppendNeverWritesHeader(t *testing.T) {
	dir := t.TempDir()

	log, err := Open(dir, Create)
	require.NoError(t, err)
	require.NoError(t, log.Append(1, 1, 2))
	require.NoError(t, log.Close())

	log, err = Open(dir, Append)
	require.NoError(t, err)
	require.NoError(t, log.Append(2, 3, 4))
	require.NoError(t, log.Close())

	lines := readLines(t, log.Path())
	assert.Equal(t, []string{"epoch,train_bleu,dev_bleu", "1,1,2", "2,3,4"}, lines)

	// Append on a missing file creates it without a header.
	other := t.TempDir()
	log, err = Open(other, Append)
	require.NoError(t, err)
	require.NoError(t, log.Append(5, 0.5, 0.25))
	require.NoError(t, log.Close())
	assert.Equal(t, []string{"5,0.5,0.25"}, readLines(t, log.Path()))
}

func TestOpen_CreateTruncates(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("stale\n"), 0o600))

	log, err := Open(dir, Create)
	require.NoError(t, err)
	require.NoError(t, log.Close())
	assert.Equal(t, []string{"epoch,train_bleu,dev_bleu"}, readLines(t, log.Path()))
}

func TestRead(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, Create)
	require.NoError(t, err)
	require.NoError(t, log.Append(1, 12.5, 10.25))
	require.NoError(t, log.Append(2, 18.75, 15.5))
	require.NoError(t, log.Close())

	rows, err := Read(log.Path())
	require.NoError(t, err)
	assert.Equal(t, []Row{{1, 12.5, 10.25}, {2, 18.75, 15.5}}, rows)

	bad := filepath.Join(dir, "bad.txt")
	require.NoError(t, os.WriteFile(bad, []byte("epoch,train_bleu,dev_bleu\nx,1,2\n"), 0o600))
	_, err = Read(bad)
	assert.Error(t, err)
}

func TestModes(t *testing.T) {
	assert.Equal(t, Create, ModeFor(1))
	assert.Equal(t, Append, ModeFor(5))

	for _, s := range []string{"", "create", "append"} {
		m, err := ParseMode(s)
		require.NoError(t, err)
		assert.Equal(t, s, m.String())
	}
	_, err := ParseMode("overwrite")
	assert.Error(t, err)
}
