package binlog

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriter_AppendAndReadAll(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, 0, false)
	require.NoError(t, err)

	require.NoError(t, w.Append("FlowTrace", []byte(`{"seq":0}`)))
	require.NoError(t, w.Append("FlowTrace", []byte(`{"seq":1}`)))
	require.NoError(t, w.Close())

	frames, err := ReadAll(dir)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.Equal(t, "FlowTrace", frames[0].Type)
	require.Equal(t, `{"seq":0}`, string(frames[0].Payload))
	require.Equal(t, `{"seq":1}`, string(frames[1].Payload))
}

func TestWriter_RotatesAtSizeThreshold(t *testing.T) {
	dir := t.TempDir()

	// Small threshold forces rotation after the first frame.
	w, err := NewWriter(dir, 32, false)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, w.Append("T", []byte("0123456789")))
	}
	require.NoError(t, w.Close())

	names, err := segmentFiles(dir)
	require.NoError(t, err)
	require.Greater(t, len(names), 1)

	frames, err := ReadAll(dir)
	require.NoError(t, err)
	require.Len(t, frames, 20)
}

func TestWriter_ReopenAppendsToLatestSegment(t *testing.T) {
	dir := t.TempDir()

	w1, err := NewWriter(dir, 0, false)
	require.NoError(t, err)
	require.NoError(t, w1.Append("T", []byte("a")))
	require.NoError(t, w1.Close())

	w2, err := NewWriter(dir, 0, false)
	require.NoError(t, err)
	require.NoError(t, w2.Append("T", []byte("b")))
	require.NoError(t, w2.Close())

	names, err := segmentFiles(dir)
	require.NoError(t, err)
	require.Len(t, names, 1)

	frames, err := ReadAll(dir)
	require.NoError(t, err)
	require.Len(t, frames, 2)
}

func TestReadAll_TruncatedTrailingFrameTolerated(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, 0, false)
	require.NoError(t, err)
	require.NoError(t, w.Append("T", []byte("complete")))
	require.NoError(t, w.Close())

	names, err := segmentFiles(dir)
	require.NoError(t, err)
	require.Len(t, names, 1)

	// Append a truncated frame header (claims a type longer than what follows).
	f, err := os.OpenFile(dir+"/"+names[0], os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 5, 'A'}) // type length 5, only 1 byte of type present
	require.NoError(t, err)
	require.NoError(t, f.Close())

	frames, err := ReadAll(dir)
	require.NoError(t, err)
	require.Len(t, frames, 1)
}
