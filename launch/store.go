//go:build linux

package launch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/flatpak/launcher/permissions"
)

// ErrNotFound reports a ref that is not deployed.
var ErrNotFound = errors.New("ref not deployed")

// RefKind distinguishes applications from runtimes.
type RefKind int

const (
	// RefApp is an application ref.
	RefApp RefKind = iota + 1
	// RefRuntime is a runtime ref.
	RefRuntime
)

func (k RefKind) String() string {
	switch k {
	case RefApp:
		return "app"
	case RefRuntime:
		return "runtime"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Ref identifies an application or runtime: kind/name/arch/branch.
type Ref struct {
	Kind   RefKind
	Name   string
	Arch   string
	Branch string
}

func (r Ref) String() string {
	return r.Kind.String() + "/" + r.Name + "/" + r.Arch + "/" + r.Branch
}

// ParseRef parses "kind/name/arch/branch".
func ParseRef(s string) (Ref, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 {
		return Ref{}, fmt.Errorf("invalid ref %q: want kind/name/arch/branch", s)
	}

	var kind RefKind

	switch parts[0] {
	case "app":
		kind = RefApp
	case "runtime":
		kind = RefRuntime
	default:
		return Ref{}, fmt.Errorf("invalid ref %q: unknown kind %q", s, parts[0])
	}

	for _, part := range parts[1:] {
		if part == "" {
			return Ref{}, fmt.Errorf("invalid ref %q: empty component", s)
		}
	}

	return Ref{Kind: kind, Name: parts[1], Arch: parts[2], Branch: parts[3]}, nil
}

// Extension is a declared extension overlay of a deploy.
type Extension struct {
	// Name is the extension point name.
	Name string
	// Dir is the deployed extension tree on the host.
	Dir string
	// MountPath is where the tree is overlaid inside the sandbox.
	MountPath string
}

// Deploy is the checked-out tree of a specific commit of a ref, plus its
// parsed metadata.
type Deploy struct {
	Ref    Ref
	Dir    string
	Commit string

	// Context holds the [Context] and policy groups of the deploy metadata.
	Context *permissions.Context

	// Runtime is the runtime ref an application declares; zero for
	// runtimes.
	Runtime Ref

	// Extensions are the declared extension overlays.
	Extensions []Extension
}

// Store resolves refs to deployments. It is the boundary with the
// content-addressed object store, which is out of scope here.
type Store interface {
	// ResolveApp returns the active deploy of an application ref.
	ResolveApp(ref Ref) (*Deploy, error)

	// ResolveRuntime returns the active deploy of a runtime ref.
	ResolveRuntime(ref Ref) (*Deploy, error)

	// LockDeploy takes a shared lock on the deploy so an uninstall cannot
	// race the launch. The returned release function must be called once.
	LockDeploy(d *Deploy) (func(), error)
}

// deployLockRetries bounds the non-blocking lock attempts; contention with
// an uninstall fails fast rather than deadlocking.
const (
	deployLockRetries = 10
	deployLockDelay   = 50 * time.Millisecond
)

// DirStore is a filesystem-backed Store: deploys live at
// <root>/<kind>/<name>/<arch>/<branch>/active with a keyfile "metadata" next
// to the "files" tree.
type DirStore struct {
	root string
}

// NewDirStore returns a Store rooted at root.
func NewDirStore(root string) *DirStore {
	return &DirStore{root: root}
}

// ResolveApp implements Store.
func (s *DirStore) ResolveApp(ref Ref) (*Deploy, error) {
	return s.resolve(ref, RefApp)
}

// ResolveRuntime implements Store.
func (s *DirStore) ResolveRuntime(ref Ref) (*Deploy, error) {
	return s.resolve(ref, RefRuntime)
}

func (s *DirStore) resolve(ref Ref, kind RefKind) (*Deploy, error) {
	ref.Kind = kind

	deployDir := filepath.Join(s.root, kind.String(), ref.Name, ref.Arch, ref.Branch, "active")

	info, err := os.Stat(deployDir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}

	deploy := &Deploy{Ref: ref, Dir: deployDir, Context: permissions.New()}

	commit, err := os.ReadFile(filepath.Join(deployDir, "commit"))
	if err == nil {
		deploy.Commit = strings.TrimSpace(string(commit))
	}

	metadata, err := os.ReadFile(filepath.Join(deployDir, "metadata"))
	if err != nil {
		if os.IsNotExist(err) {
			return deploy, nil
		}

		return nil, fmt.Errorf("reading metadata for %s: %w", ref, err)
	}

	ctx, err := permissions.Load(metadata)
	if err != nil {
		return nil, fmt.Errorf("metadata for %s: %w", ref, err)
	}

	deploy.Context = ctx

	runtimeRef, err := runtimeFromMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("metadata for %s: %w", ref, err)
	}

	deploy.Runtime = runtimeRef

	return deploy, nil
}

// runtimeFromMetadata extracts the runtime= value of the [Application]
// group. The permission parser ignores that group, so a focused scan keeps
// the Context parser free of application concerns.
func runtimeFromMetadata(data []byte) (Ref, error) {
	inApplication := false

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)

		if strings.HasPrefix(line, "[") {
			inApplication = line == "[Application]" || line == "[Runtime]"

			continue
		}

		if !inApplication {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) != "runtime" {
			continue
		}

		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}

		parts := strings.Split(value, "/")
		if len(parts) != 3 {
			return Ref{}, fmt.Errorf("invalid runtime %q", value)
		}

		return Ref{Kind: RefRuntime, Name: parts[0], Arch: parts[1], Branch: parts[2]}, nil
	}

	return Ref{}, nil
}

// LockDeploy implements Store with a shared flock on the deploy dir's lock
// file, retried a bounded number of times.
func (s *DirStore) LockDeploy(d *Deploy) (func(), error) {
	lockPath := filepath.Join(filepath.Dir(d.Dir), "deploy.lock")

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening deploy lock for %s: %w", d.Ref, err)
	}

	for attempt := 0; ; attempt++ {
		err = unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB)
		if err == nil {
			break
		}

		if attempt >= deployLockRetries {
			_ = f.Close()

			return nil, fmt.Errorf("deploy %s is locked: %w", d.Ref, err)
		}

		time.Sleep(deployLockDelay)
	}

	var released bool

	return func() {
		if released {
			return
		}

		released = true

		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}
