package wire

import (
	"fmt"
	"os"
)

// SyncPipe is the one-shot gate from the intermediate to the grandchild it
// clones. The grandchild blocks reading it at the very start of its init
// pipeline and only proceeds once the intermediate has reported the PID
// upstream and finished host-side netlink peer creation.
type SyncPipe struct {
	r, w *os.File
}

// NewSyncPipe creates a new SyncPipe.
func NewSyncPipe() (*SyncPipe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("wire: new sync pipe: %w", err)
	}
	return &SyncPipe{r: r, w: w}, nil
}

// SyncPipeFromReadFile wraps an already-open read end, used by the
// grandchild, which only ever inherits this fd via ExtraFiles.
func SyncPipeFromReadFile(f *os.File) *SyncPipe { return &SyncPipe{r: f} }

// SyncPipeFromWriteFile wraps an already-open write end that was not
// created by NewSyncPipe.
func SyncPipeFromWriteFile(f *os.File) *SyncPipe { return &SyncPipe{w: f} }

// ReadFile exposes the read end, inherited by the grandchild.
func (p *SyncPipe) ReadFile() *os.File { return p.r }

// WriteFile exposes the write end, kept by the intermediate.
func (p *SyncPipe) WriteFile() *os.File { return p.w }

// CloseRead closes the read end.
func (p *SyncPipe) CloseRead() error { return p.r.Close() }

// CloseWrite closes the write end.
func (p *SyncPipe) CloseWrite() error { return p.w.Close() }

// Signal writes the single success sentinel byte that releases the
// grandchild. The intermediate must only call this after the PID word has
// already gone out over SpawnPipe and host-side netlink setup is done.
func (p *SyncPipe) Signal() error {
	n, err := p.w.Write([]byte{0})
	if err != nil {
		return fmt.Errorf("wire: signal sync pipe: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("wire: partial sync pipe write: protocol violation")
	}
	return nil
}

// Wait blocks until the intermediate signals success, or returns an error
// if the intermediate aborted first (observed as EOF or a short read).
func (p *SyncPipe) Wait() error {
	var b [1]byte
	n, err := p.r.Read(b[:])
	if err != nil && n == 0 {
		return fmt.Errorf("partial read from child sync pipe: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("partial read from child sync pipe: read %d bytes", n)
	}
	return nil
}
