package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// pidSentinel is written when clone failed before a PID was ever assigned.
const pidSentinel int64 = -1

// SpawnPipe is the close-on-exec byte channel from the child-under-construction
// back to the supervisor. Exactly one fixed-width PID word is written first,
// followed by zero or more bytes holding a gob-encoded Record. Both halves
// are plain os.Pipe ends; the write end is handed down to the intermediate
// and grandchild processes explicitly via os/exec's ExtraFiles, the same way
// the teacher hands its control socket to container init at fd 3.
type SpawnPipe struct {
	r, w *os.File
}

// NewSpawnPipe creates a new SpawnPipe. The caller owns both ends until it
// redistributes them across fork boundaries.
func NewSpawnPipe() (*SpawnPipe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("wire: new spawn pipe: %w", err)
	}
	return &SpawnPipe{r: r, w: w}, nil
}

// SpawnPipeFromReadFile wraps an already-open read end that was not created
// by NewSpawnPipe.
func SpawnPipeFromReadFile(f *os.File) *SpawnPipe { return &SpawnPipe{r: f} }

// SpawnPipeFromWriteFile wraps an already-open write end, used by the
// intermediate and grandchild stages, which only ever inherit this fd via
// ExtraFiles rather than create the pipe themselves.
func SpawnPipeFromWriteFile(f *os.File) *SpawnPipe { return &SpawnPipe{w: f} }

// ReadFile exposes the read end for the supervisor.
func (p *SpawnPipe) ReadFile() *os.File { return p.r }

// WriteFile exposes the write end for ExtraFiles plumbing into descendants.
func (p *SpawnPipe) WriteFile() *os.File { return p.w }

// CloseRead closes the read end.
func (p *SpawnPipe) CloseRead() error { return p.r.Close() }

// CloseWrite closes the write end.
func (p *SpawnPipe) CloseWrite() error { return p.w.Close() }

// WritePID writes the fixed-width PID word. pid <= 0 signals "no PID was
// ever assigned" (spec sentinel -1); the intermediate always writes exactly
// one word before exiting, even when it failed before or during clone, so
// the supervisor is guaranteed to see a word.
func (p *SpawnPipe) WritePID(pid int) error {
	var buf [8]byte
	if pid <= 0 {
		sentinel := pidSentinel
		binary.BigEndian.PutUint64(buf[:], uint64(sentinel))
	} else {
		binary.BigEndian.PutUint64(buf[:], uint64(pid))
	}
	n, err := p.w.Write(buf[:])
	if err != nil {
		return fmt.Errorf("wire: write pid word: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("wire: partial pid word write (%d of %d bytes): protocol violation", n, len(buf))
	}
	return nil
}

// WriteError serializes and writes an error record. Called at most once,
// after WritePID, and only when the child-under-construction failed.
func (p *SpawnPipe) WriteError(cause error) error {
	rec, ok := cause.(*Record)
	if !ok {
		rec = NewRecord(Unknown, 0, "%v", cause)
	}
	b, err := rec.Marshal()
	if err != nil {
		return err
	}
	n, err := p.w.Write(b)
	if err != nil {
		return fmt.Errorf("wire: write error record: %w", err)
	}
	if n != len(b) {
		return fmt.Errorf("wire: partial error record write (%d of %d bytes): protocol violation", n, len(b))
	}
	return nil
}

// ReadResult reads the PID word followed by an optional error record. EOF
// immediately after the PID word means success. The supervisor attempts to
// deserialize an error unconditionally, even when the PID word was
// positive, since an intermediate can still report a late failure (e.g.
// host-side netlink setup) after a successful clone. A sentinel PID word is
// returned as pid 0.
func (p *SpawnPipe) ReadResult() (int, error) {
	var buf [8]byte
	if _, err := io.ReadFull(p.r, buf[:]); err != nil {
		return 0, fmt.Errorf("wire: read pid word: %w", err)
	}
	pid := int64(binary.BigEndian.Uint64(buf[:]))
	if pid < 0 {
		pid = 0
	}

	rest, err := io.ReadAll(p.r)
	if err != nil {
		return int(pid), fmt.Errorf("wire: read error record: %w", err)
	}
	if len(rest) == 0 {
		if pid <= 0 {
			return 0, NewRecord(Unknown, 0, "clone failed before a pid was assigned")
		}
		return int(pid), nil
	}

	rec, err := UnmarshalRecord(rest)
	if err != nil {
		return int(pid), err
	}
	return int(pid), rec
}
