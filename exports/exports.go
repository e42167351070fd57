//go:build linux

// Package exports turns the filesystem grants of a permission context into a
// minimal, conflict-free stream of mount directives for the container
// supervisor: binds, read-only binds, tmpfs mounts, directories, and
// symlinks.
//
// The engine works against an explicit Host view (root directory, home
// directory, xdg bucket table) so the projection is deterministic and
// testable: production uses the real root, tests build synthetic layouts
// under a temp dir.
//
// Per-entry failures (missing paths, autofs parents, symlink loops) drop the
// entry and are reported through Host.Debugf; only the inability to read the
// host root fails the projection as a whole.
package exports

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/flatpak/launcher/argvec"
	"github.com/flatpak/launcher/permissions"
)

// ErrHostAccess reports that the host root itself is unusable.
var ErrHostAccess = errors.New("cannot access the host filesystem")

// DirectiveKind selects the mount operation of a Directive.
type DirectiveKind int

const (
	// DirectiveRoBind is a read-only bind mount.
	DirectiveRoBind DirectiveKind = iota + 1
	// DirectiveBind is a read-write bind mount.
	DirectiveBind
	// DirectiveTmpfs mounts an empty tmpfs over Dst.
	DirectiveTmpfs
	// DirectiveDir creates an empty directory at Dst.
	DirectiveDir
	// DirectiveSymlink creates a symlink at Dst pointing at Src.
	DirectiveSymlink
)

// Directive is one supervisor mount operation. For binds Src is the host
// source path; for symlinks Src is the link target (relative when it points
// inside the exposed tree).
type Directive struct {
	Kind DirectiveKind
	Src  string
	Dst  string
}

// Emission classes. Directives are ordered by class first, then insertion
// order. Symlinks must exist at container start, hiding tmpfs mounts go
// after read-only binds, and the os-release bind closes the read-only block.
const (
	classHostBind = iota
	classSymlink
	classRoBind
	classOsRelease
	classTmpfs
	classBind
	classDir
)

type orderedDirective struct {
	class int
	seq   int
	d     Directive
}

type visEntry struct {
	path string
	mode permissions.FsMode
}

// Host is the resolved view of the host filesystem the projection runs
// against.
type Host struct {
	// Root is the host filesystem root; "/" in production.
	Root string
	// Home is the absolute home directory (container path).
	Home string
	// XDGDirs maps xdg-* bucket tokens to absolute directories. Buckets
	// with an empty value are skipped.
	XDGDirs map[string]string
	// Debugf receives projection debug messages; nil disables.
	Debugf func(format string, args ...any)
}

// DefaultHost returns the Host view of the current user and machine.
func DefaultHost() (Host, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Host{}, fmt.Errorf("exports: resolving home directory: %w", err)
	}

	return Host{Root: "/", Home: home, XDGDirs: permissions.DefaultXDGDirs()}, nil
}

func (h Host) debugf(format string, args ...any) {
	if h.Debugf == nil {
		return
	}

	h.Debugf("exports: "+format, args...)
}

// Exports accumulates directives during projection and is sealed into an
// ordered stream.
type Exports struct {
	host    Host
	entries []orderedDirective
	vis     []visEntry
	seq     int
	sealed  []Directive
}

// Build projects the filesystem grants of ctx against host. appData is the
// per-app private data directory backing persistent grants; empty skips
// them.
func Build(ctx *permissions.Context, host Host, appData string) (*Exports, error) {
	e := &Exports{host: host}

	// The host root must at least be listable; everything else recovers
	// per-entry.
	_, err := os.ReadDir(host.hostPath("/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHostAccess, err)
	}

	if mode, ok := ctx.FilesystemMode(permissions.TokenHostOS); ok && mode != permissions.ModeNone {
		e.projectHostOS(mode)
	}

	if mode, ok := ctx.FilesystemMode(permissions.TokenHostEtc); ok && mode != permissions.ModeNone {
		e.projectHostEtc(mode)
	}

	for _, entry := range ctx.Filesystems {
		switch entry.Token {
		case permissions.TokenHostOS, permissions.TokenHostEtc, permissions.TokenHostReset:
			continue
		case permissions.TokenHost:
			if entry.Mode != permissions.ModeNone {
				e.exposeHostRoot(entry.Mode)
			}

			continue
		}

		path, ok := e.resolveToken(entry.Token)
		if !ok {
			continue
		}

		e.exposePath(path, entry.Mode)
	}

	if appData != "" {
		for _, rel := range ctx.Persistent {
			e.exposePersistent(appData, rel)
		}
	}

	if ctx.SharesValid&permissions.ShareNetwork != 0 && ctx.Shares&permissions.ShareNetwork != 0 {
		e.preserveResolvConf()
	}

	e.bindOsRelease()

	return e, nil
}

// resolveToken maps a normalized filesystem token to an absolute container
// path.
func (e *Exports) resolveToken(token string) (string, bool) {
	switch {
	case token == permissions.TokenHome:
		return e.host.Home, true
	case strings.HasPrefix(token, permissions.TokenHome+"/"):
		return e.host.Home + token[len(permissions.TokenHome):], true
	case strings.HasPrefix(token, "/"):
		return token, true
	case strings.HasPrefix(token, "xdg-"):
		bucket, sub := token, ""
		if idx := strings.IndexByte(token, '/'); idx >= 0 {
			bucket, sub = token[:idx], token[idx+1:]
		}

		dir := e.host.XDGDirs[bucket]
		if dir == "" {
			e.host.debugf("no directory configured for %s, skipping", bucket)

			return "", false
		}

		if sub == "" {
			return dir, true
		}

		return filepath.Join(dir, sub), true
	default:
		e.host.debugf("unresolvable token %q, skipping", token)

		return "", false
	}
}

// exposePath applies the path-expose algorithm to one (path, mode) pair.
func (e *Exports) exposePath(p string, mode permissions.FsMode) {
	resolved, err := e.host.resolveParents(p)
	if err != nil {
		e.host.debugf("skipping %s: %v", p, err)

		return
	}

	if mode == permissions.ModeNone {
		e.hidePath(resolved)

		return
	}

	// Modes only narrow along a parent chain: an entry under a read-only
	// ancestor cannot widen to read-write.
	if ancestor := e.parentMode(resolved); ancestor == permissions.ModeReadOnly && mode != permissions.ModeReadOnly {
		mode = permissions.ModeReadOnly
	}

	target, absTarget, isLink, err := e.host.finalSymlink(resolved)
	if err != nil {
		e.host.debugf("skipping %s: %v", resolved, err)

		return
	}

	if isLink {
		exists, _ := e.host.pathExists(absTarget)
		if !exists {
			// Dangling symlinks are preserved verbatim, not followed.
			e.add(classSymlink, Directive{Kind: DirectiveSymlink, Src: target, Dst: resolved})
			e.recordVisibility(resolved, mode)

			return
		}

		e.add(classSymlink, Directive{Kind: DirectiveSymlink, Src: relativeTarget(resolved, absTarget), Dst: resolved})
		e.recordVisibility(resolved, mode)
		e.exposePath(absTarget, mode)

		return
	}

	exists, _ := e.host.pathExists(resolved)
	if !exists {
		if mode == permissions.ModeCreate {
			e.add(classDir, Directive{Kind: DirectiveDir, Dst: resolved})
			e.recordVisibility(resolved, permissions.ModeReadWrite)

			return
		}

		// Missing ro/rw paths leave only a visibility record.
		e.recordVisibility(resolved, permissions.ModeNone)

		return
	}

	switch mode {
	case permissions.ModeReadOnly:
		e.add(classRoBind, Directive{Kind: DirectiveRoBind, Src: e.host.hostPath(resolved), Dst: resolved})
		e.recordVisibility(resolved, permissions.ModeReadOnly)
	case permissions.ModeReadWrite, permissions.ModeCreate:
		e.add(classBind, Directive{Kind: DirectiveBind, Src: e.host.hostPath(resolved), Dst: resolved})
		e.recordVisibility(resolved, permissions.ModeReadWrite)
	default:
		e.host.debugf("unexpected mode %v for %s", mode, resolved)
	}
}

// hidePath processes a negation. An exact match against a pending directive
// removes the directive; a path inside an exposed parent is shadowed with a
// tmpfs (the parent bind would otherwise show through); elsewhere an empty
// directory suffices.
func (e *Exports) hidePath(p string) {
	removed := e.removeDirectives(p)

	if !removed {
		if e.parentMode(p) != permissions.ModeNone {
			e.add(classTmpfs, Directive{Kind: DirectiveTmpfs, Dst: p})
		} else {
			e.add(classDir, Directive{Kind: DirectiveDir, Dst: p})
		}
	}

	e.recordVisibility(p, permissions.ModeNone)
}

// exposePersistent binds the per-app private directory appData/rel over the
// matching home subpath.
func (e *Exports) exposePersistent(appData, rel string) {
	cleaned := filepath.Clean(rel)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") || filepath.IsAbs(cleaned) {
		e.host.debugf("skipping persistent entry %q", rel)

		return
	}

	src := filepath.Join(appData, cleaned)
	dst := filepath.Join(e.host.Home, cleaned)

	// Private state is created on demand; failure drops the entry.
	err := os.MkdirAll(e.host.hostPath(src), 0o755)
	if err != nil {
		e.host.debugf("skipping persistent %q: %v", rel, err)

		return
	}

	e.add(classBind, Directive{Kind: DirectiveBind, Src: e.host.hostPath(src), Dst: dst})
	e.recordVisibility(dst, permissions.ModeReadWrite)
}

// add appends a directive in the given emission class.
func (e *Exports) add(class int, d Directive) {
	e.sealed = nil
	e.seq++
	e.entries = append(e.entries, orderedDirective{class: class, seq: e.seq, d: d})
}

// removeDirectives drops pending directives targeting exactly dst or nested
// below it. It reports whether an exact-match directive was removed.
func (e *Exports) removeDirectives(dst string) bool {
	removedExact := false
	kept := e.entries[:0]

	for _, entry := range e.entries {
		if entry.d.Dst == dst {
			removedExact = true

			continue
		}

		if strings.HasPrefix(entry.d.Dst, dst+"/") {
			continue
		}

		kept = append(kept, entry)
	}

	e.entries = kept
	if removedExact {
		e.sealed = nil
	}

	return removedExact
}

// recordVisibility appends a visibility entry for PathMode queries.
func (e *Exports) recordVisibility(p string, mode permissions.FsMode) {
	e.vis = append(e.vis, visEntry{path: p, mode: mode})
}

// PathMode returns the effective mode for an arbitrary absolute path by
// walking recorded exposures longest-prefix-first. Unknown paths are none.
func (e *Exports) PathMode(p string) permissions.FsMode {
	p = filepath.Clean(p)

	best := -1
	mode := permissions.ModeNone

	for _, v := range e.vis {
		if v.path != p && !strings.HasPrefix(p, v.path+"/") {
			continue
		}

		// Longer prefixes override; equal length keeps the later entry.
		if len(v.path) >= best {
			best = len(v.path)
			mode = v.mode
		}
	}

	return mode
}

// parentMode returns the mode of the longest strict-ancestor exposure of p.
func (e *Exports) parentMode(p string) permissions.FsMode {
	parent := filepath.Dir(p)
	if parent == p {
		return permissions.ModeNone
	}

	return e.PathMode(parent)
}

// PathVisible reports whether p resolves to a non-none mode.
func (e *Exports) PathVisible(p string) bool {
	return e.PathMode(p) != permissions.ModeNone
}

// Seal orders the accumulated directives into the final stream: emission
// class, then insertion order, with duplicate destinations collapsed
// last-wins (a dir may precede a bind for the same destination).
func (e *Exports) Seal() []Directive {
	if e.sealed != nil {
		return e.sealed
	}

	ordered := make([]orderedDirective, len(e.entries))
	copy(ordered, e.entries)

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].class != ordered[j].class {
			return ordered[i].class < ordered[j].class
		}

		return ordered[i].seq < ordered[j].seq
	})

	// Last-wins per destination by insertion order (a later grant replaces an
	// earlier one even when emission classes reorder them), keeping at most
	// one dir before the bind it prepares.
	lastNonDir := make(map[string]orderedDirective, len(ordered))
	lastAny := make(map[string]orderedDirective, len(ordered))

	for _, entry := range ordered {
		if entry.d.Kind != DirectiveDir {
			if prev, ok := lastNonDir[entry.d.Dst]; !ok || entry.seq > prev.seq {
				lastNonDir[entry.d.Dst] = entry
			}
		}

		if prev, ok := lastAny[entry.d.Dst]; !ok || entry.seq > prev.seq {
			lastAny[entry.d.Dst] = entry
		}
	}

	out := make([]Directive, 0, len(ordered))

	for _, entry := range ordered {
		winner, hasNonDir := lastNonDir[entry.d.Dst]

		if entry.d.Kind == DirectiveDir {
			if hasNonDir {
				isBind := winner.d.Kind == DirectiveBind || winner.d.Kind == DirectiveRoBind
				if isBind && entry.class <= winner.class && entry.seq < winner.seq {
					out = append(out, entry.d)
				}

				continue
			}

			if lastAny[entry.d.Dst].seq == entry.seq {
				out = append(out, entry.d)
			}

			continue
		}

		if winner.seq == entry.seq {
			out = append(out, entry.d)
		}
	}

	e.sealed = out

	return out
}

// EmitArgs appends the sealed directive stream to a supervisor argument
// vector.
func (e *Exports) EmitArgs(b *argvec.Builder) {
	for _, d := range e.Seal() {
		switch d.Kind {
		case DirectiveRoBind:
			b.AddArgs("--ro-bind", d.Src, d.Dst)
		case DirectiveBind:
			b.AddArgs("--bind", d.Src, d.Dst)
		case DirectiveTmpfs:
			b.AddArgs("--tmpfs", d.Dst)
		case DirectiveDir:
			b.AddArgs("--dir", d.Dst)
		case DirectiveSymlink:
			b.AddArgs("--symlink", d.Src, d.Dst)
		}
	}
}
