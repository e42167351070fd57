//go:build linux

// Package argvec builds the argument vector for the container supervisor.
//
// A Builder accumulates arguments together with the file descriptors they
// reference. Descriptors come in two flavors: inheritable descriptors whose
// numbers are embedded in arguments and must survive exec (for example the
// backing memfd of a --ro-bind-data mount), and non-inheritable descriptors
// that the builder merely keeps alive until the supervisor has started (for
// example a shared deploy lock).
//
// Inheritable descriptors keep their host numbers across exec: ExecFiles
// returns a slice indexed by descriptor number suitable for
// os.ProcAttr.Files, so the number written into an argument is the number the
// supervisor sees.
package argvec

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// dataSeals is applied to every memfd the builder creates. A sealed memfd
// cannot grow, shrink, or be rewritten, which makes it safe to hand the
// descriptor to a less trusted process.
const dataSeals = unix.F_SEAL_GROW | unix.F_SEAL_SHRINK | unix.F_SEAL_WRITE | unix.F_SEAL_SEAL

type fdEntry struct {
	file    *os.File
	inherit bool
}

// Builder is an append-only argument vector with attached file descriptors.
//
// A Builder must not be copied after first use. It is not safe for concurrent
// use. The builder owns every descriptor added to it; Close releases them.
type Builder struct {
	noCopy noCopy

	args     []string
	fds      []fdEntry
	finished bool
}

// New returns an empty Builder.
func New() *Builder {
	return &Builder{args: make([]string, 0, 64)}
}

// AddArg appends a single argument.
func (b *Builder) AddArg(arg string) {
	b.args = append(b.args, arg)
}

// AddArgs appends arguments in order.
func (b *Builder) AddArgs(args ...string) {
	b.args = append(b.args, args...)
}

// AddArgf appends a single formatted argument.
func (b *Builder) AddArgf(format string, args ...any) {
	b.args = append(b.args, fmt.Sprintf(format, args...))
}

// AddFD registers file as inheritable across exec and returns its descriptor
// number. The number is stable: ExecFiles places the file at the same index,
// so callers may embed the returned number in arguments.
//
// Ownership of file transfers to the builder.
func (b *Builder) AddFD(file *os.File) int {
	b.fds = append(b.fds, fdEntry{file: file, inherit: true})

	return int(file.Fd())
}

// AddNoInheritFD registers file as owned by the builder without making it
// inheritable. The file stays open until Close, which keeps resources such as
// lock files alive until the supervisor has started.
func (b *Builder) AddNoInheritFD(file *os.File) {
	b.fds = append(b.fds, fdEntry{file: file, inherit: false})
}

// AddArgsData seals data into a read-only memfd and appends
// "--ro-bind-data <fd> <dest>" so the supervisor mounts the content at dest.
//
// name is the debugging name of the memfd, visible in /proc.
func (b *Builder) AddArgsData(name string, data []byte, dest string) error {
	file, err := sealedMemfd(name, data)
	if err != nil {
		return fmt.Errorf("argvec: sealing data for %q: %w", dest, err)
	}

	fd := b.AddFD(file)
	b.AddArgs("--ro-bind-data", strconv.Itoa(fd), dest)

	return nil
}

// Append splices other's arguments and descriptors onto b. The descriptors
// are stolen: other no longer owns them and its Close becomes a no-op for
// them. Descriptor numbers embedded in other's arguments stay valid because
// numbers are never remapped.
func (b *Builder) Append(other *Builder) {
	b.args = append(b.args, other.args...)
	b.fds = append(b.fds, other.fds...)

	other.args = nil
	other.fds = nil
}

// Len reports the number of arguments added so far. Callers use it to record
// bundle boundaries before adding the arguments the bundle should cover.
func (b *Builder) Len() int {
	return len(b.args)
}

// Bundle collapses the argument range [start, end) into a single sealed memfd
// and replaces the range with "--args <fd>", or "--argv0 <fd>" when oneArg is
// set. Arguments inside the bundle are NUL-terminated, which keeps the argv
// under the kernel limit and out of /proc.
func (b *Builder) Bundle(start, end int, oneArg bool) error {
	if b.finished {
		return fmt.Errorf("argvec: bundle after finish")
	}

	if start < 0 || end > len(b.args) || start > end {
		return fmt.Errorf("argvec: bundle range [%d, %d) out of bounds (len %d)", start, end, len(b.args))
	}

	if start == end {
		return nil
	}

	var data strings.Builder
	for _, arg := range b.args[start:end] {
		data.WriteString(arg)
		data.WriteByte(0)
	}

	file, err := sealedMemfd("supervisor-args", []byte(data.String()))
	if err != nil {
		return fmt.Errorf("argvec: sealing bundle: %w", err)
	}

	fd := b.AddFD(file)

	flag := "--args"
	if oneArg {
		flag = "--argv0"
	}

	bundled := append([]string{}, b.args[:start]...)
	bundled = append(bundled, flag, strconv.Itoa(fd))
	bundled = append(bundled, b.args[end:]...)
	b.args = bundled

	return nil
}

// Finish appends the trailing "--" sentinel separating supervisor options
// from the command argv, and marks the builder finished: a later Bundle call
// returns an error. The Add and Append methods do not check the mark, so
// arguments added after Finish land after the sentinel.
func (b *Builder) Finish() {
	if b.finished {
		return
	}

	b.args = append(b.args, "--")
	b.finished = true
}

// Args returns the accumulated argument vector. The returned slice is owned
// by the builder; callers must not modify it.
func (b *Builder) Args() []string {
	return b.args
}

// InheritableFDs returns the descriptor numbers registered via AddFD, in
// registration order.
func (b *Builder) InheritableFDs() []int {
	out := make([]int, 0, len(b.fds))

	for _, e := range b.fds {
		if e.inherit {
			out = append(out, int(e.file.Fd()))
		}
	}

	return out
}

// ExecFiles returns a slice for os.ProcAttr.Files that preserves every
// inheritable descriptor at its current number. Index i of the result is the
// file the child sees as descriptor i; nil entries are closed in the child.
//
// stdio supplies descriptors 0..2 and may contain nils.
func (b *Builder) ExecFiles(stdio [3]*os.File) []*os.File {
	maxFD := 2

	for _, e := range b.fds {
		if e.inherit && int(e.file.Fd()) > maxFD {
			maxFD = int(e.file.Fd())
		}
	}

	files := make([]*os.File, maxFD+1)
	files[0], files[1], files[2] = stdio[0], stdio[1], stdio[2]

	for _, e := range b.fds {
		if e.inherit {
			files[e.file.Fd()] = e.file
		}
	}

	return files
}

// Close releases every descriptor the builder still owns. It is safe to call
// multiple times. Callers must not Close before the supervisor process has
// been started, since inheritable descriptors need to stay open across the
// fork.
func (b *Builder) Close() error {
	var firstErr error

	for _, e := range b.fds {
		err := e.file.Close()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	b.fds = nil

	return firstErr
}

// sealedMemfd creates a read-only, sealed memfd holding data.
func sealedMemfd(name string, data []byte) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}

	file := os.NewFile(uintptr(fd), name)

	_, err = file.Write(data)
	if err != nil {
		closeErr := file.Close()
		if closeErr != nil {
			return nil, fmt.Errorf("write memfd: %w (close: %v)", err, closeErr)
		}

		return nil, fmt.Errorf("write memfd: %w", err)
	}

	_, err = unix.FcntlInt(file.Fd(), unix.F_ADD_SEALS, dataSeals)
	if err != nil {
		closeErr := file.Close()
		if closeErr != nil {
			return nil, fmt.Errorf("seal memfd: %w (close: %v)", err, closeErr)
		}

		return nil, fmt.Errorf("seal memfd: %w", err)
	}

	// The consumer reads through the descriptor, so it must start at the
	// beginning.
	_, err = file.Seek(0, 0)
	if err != nil {
		closeErr := file.Close()
		if closeErr != nil {
			return nil, fmt.Errorf("rewind memfd: %w (close: %v)", err, closeErr)
		}

		return nil, fmt.Errorf("rewind memfd: %w", err)
	}

	return file, nil
}

// marker for go vet.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
