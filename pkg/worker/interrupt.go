package worker

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// sigintValue is the byte written into the interrupt region to request a
// cooperative interrupt, matching the SIGINT signal number the interpreter
// checks at safe points.
const sigintValue = 2

// InterruptBuffer is a single shared-memory byte between the bridge and the
// worker process. The bridge writes sigintValue to request preemption; the
// worker observes it at safe points and resets it to zero on execution exit.
//
// The byte lives in a memory-mapped file so an out-of-process worker can map
// the same page; the file path is handed to the worker in the init request.
type InterruptBuffer struct {
	path string
	file *os.File
	mem  []byte
}

// NewInterruptBuffer creates and maps a one-byte shared region under dir
// (or the default temp directory when dir is empty).
func NewInterruptBuffer(dir string) (*InterruptBuffer, error) {
	f, err := os.CreateTemp(dir, "cellagent-interrupt-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create interrupt file: %w", err)
	}
	if err := f.Truncate(1); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to size interrupt file: %w", err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, 1, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to map interrupt file: %w", err)
	}
	return &InterruptBuffer{path: f.Name(), file: f, mem: mem}, nil
}

// Path returns the file backing the shared region.
func (b *InterruptBuffer) Path() string { return b.path }

// Raise requests a cooperative interrupt.
func (b *InterruptBuffer) Raise() {
	b.mem[0] = sigintValue
}

// Reset clears the interrupt request.
func (b *InterruptBuffer) Reset() {
	b.mem[0] = 0
}

// Value returns the current byte.
func (b *InterruptBuffer) Value() byte {
	return b.mem[0]
}

// Close unmaps and removes the shared region.
func (b *InterruptBuffer) Close() error {
	var first error
	if err := unix.Munmap(b.mem); err != nil {
		first = err
	}
	if err := b.file.Close(); err != nil && first == nil {
		first = err
	}
	if err := os.Remove(b.path); err != nil && first == nil {
		first = err
	}
	return first
}
