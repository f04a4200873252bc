package wire

import (
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	rec := NewRecord(InvalidValue, syscall.EINVAL, "bind_map dest %q escapes root", "../etc")
	b, err := rec.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalRecord(b)
	require.NoError(t, err)
	assert.Equal(t, rec.Kind, got.Kind)
	assert.Equal(t, rec.Errno, got.Errno)
	assert.Equal(t, rec.Message, got.Message)
}

func TestSpawnPipe_SuccessIsEOFAfterPidWord(t *testing.T) {
	p, err := NewSpawnPipe()
	require.NoError(t, err)

	require.NoError(t, p.WritePID(4242))
	require.NoError(t, p.CloseWrite())

	pid, err := p.ReadResult()
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
}

func TestSpawnPipe_ErrorFollowsPidWord(t *testing.T) {
	p, err := NewSpawnPipe()
	require.NoError(t, err)

	require.NoError(t, p.WritePID(0))
	require.NoError(t, p.WriteError(NewRecord(ResourceNotAvailable, syscall.ENOMEM, "clone failed")))
	require.NoError(t, p.CloseWrite())

	pid, err := p.ReadResult()
	require.Error(t, err)
	rec, ok := err.(*Record)
	require.True(t, ok)
	assert.Equal(t, ResourceNotAvailable, rec.Kind)
	assert.Equal(t, 0, pid)
}

func TestSyncPipe_WaitAfterSignal(t *testing.T) {
	p, err := NewSyncPipe()
	require.NoError(t, err)

	require.NoError(t, p.Signal())
	require.NoError(t, p.Wait())
}

func TestSyncPipe_WaitFailsOnAbandonedPipe(t *testing.T) {
	p, err := NewSyncPipe()
	require.NoError(t, err)
	require.NoError(t, p.CloseWrite())

	err = p.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "partial read from child sync pipe")
}

func TestSpawnPipeFromWriteFile(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	p := SpawnPipeFromWriteFile(w)
	require.NoError(t, p.WritePID(7))
	require.NoError(t, p.CloseWrite())

	reader := SpawnPipeFromReadFile(r)
	pid, err := reader.ReadResult()
	require.NoError(t, err)
	assert.Equal(t, 7, pid)
}
