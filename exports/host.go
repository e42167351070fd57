//go:build linux

package exports

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/flatpak/launcher/permissions"
)

// runHost is where the traditional OS tree is exposed inside the sandbox.
const runHost = "/run/host"

// usrMergeDirs are the top-level directories that on usr-merged hosts are
// symlinks into /usr. Fixed order keeps the emitted stream stable.
var usrMergeDirs = []string{"bin", "lib", "lib32", "lib64", "libexec", "sbin"}

// hostRootSkip lists top-level directories never exposed by the host token:
// kernel and runtime trees the sandbox builds itself, plus OS directories
// handled separately.
var hostRootSkip = map[string]bool{
	"dev":        true,
	"proc":       true,
	"sys":        true,
	"run":        true,
	"tmp":        true,
	"var":        true,
	"boot":       true,
	"root":       true,
	"lost+found": true,
	"app":        true,
	"usr":        true,
	"etc":        true,
	"bin":        true,
	"sbin":       true,
	"lib":        true,
	"lib32":      true,
	"lib64":      true,
	"libexec":    true,
}

// exposeHostRoot projects the host token: every regular top-level directory
// at the requested mode, plus /usr and /etc capped to read-only and the
// usr-merge symlink mirror at the root.
func (e *Exports) exposeHostRoot(mode permissions.FsMode) {
	entries, err := os.ReadDir(e.host.hostPath("/"))
	if err != nil {
		// Build verified root readability; treat a late failure per-entry.
		e.host.debugf("host root became unreadable: %v", err)

		return
	}

	if exists, _ := e.host.pathExists("/usr"); exists {
		e.add(classRoBind, Directive{Kind: DirectiveRoBind, Src: e.host.hostPath("/usr"), Dst: "/usr"})
		e.recordVisibility("/usr", permissions.ModeReadOnly)
	}

	if exists, _ := e.host.pathExists("/etc"); exists {
		e.add(classRoBind, Directive{Kind: DirectiveRoBind, Src: e.host.hostPath("/etc"), Dst: "/etc"})
		e.recordVisibility("/etc", permissions.ModeReadOnly)
	}

	e.mirrorUsrMerge("")

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}

	sort.Strings(names)

	for _, name := range names {
		if hostRootSkip[name] || strings.HasPrefix(name, ".") {
			continue
		}

		e.exposePath("/"+name, mode)
	}
}

// mirrorUsrMerge emits symlinks (or read-only binds for real directories)
// for the usr-merge top-level entries, rooted at prefix ("" for the sandbox
// root, runHost for the host-os projection).
func (e *Exports) mirrorUsrMerge(prefix string) {
	for _, name := range usrMergeDirs {
		src := "/" + name
		dst := prefix + "/" + name

		info, err := os.Lstat(e.host.hostPath(src))
		if err != nil {
			continue
		}

		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(e.host.hostPath(src))
			if err != nil {
				continue
			}

			// Only mirror links into /usr; rewrite absolute targets relative
			// to the mount point so the link works wherever the tree lands.
			rel := target
			if filepath.IsAbs(rel) {
				rel = strings.TrimPrefix(filepath.Clean(rel), "/")
			}

			if !strings.HasPrefix(rel, "usr/") && rel != "usr" {
				continue
			}

			e.add(classSymlink, Directive{Kind: DirectiveSymlink, Src: rel, Dst: dst})

			continue
		}

		if info.IsDir() {
			e.add(classHostBindFor(prefix), Directive{Kind: DirectiveRoBind, Src: e.host.hostPath(src), Dst: dst})
		}
	}
}

// classHostBindFor keeps host-os projection binds in the early host class
// while root-level mirror binds join the regular read-only block.
func classHostBindFor(prefix string) int {
	if prefix == runHost {
		return classHostBind
	}

	return classRoBind
}

// projectHostOS exposes the traditional OS tree under /run/host.
func (e *Exports) projectHostOS(mode permissions.FsMode) {
	kind := DirectiveRoBind
	if mode == permissions.ModeReadWrite {
		kind = DirectiveBind
	}

	if exists, _ := e.host.pathExists("/usr"); exists {
		e.add(classHostBind, Directive{Kind: kind, Src: e.host.hostPath("/usr"), Dst: runHost + "/usr"})
		e.recordVisibility(runHost+"/usr", visModeFor(kind))
	}

	// A first-level /usr/local symlink points at the real tree (for example
	// /var/usrlocal); bind the target so the dynamic linker can reach it.
	if _, absTarget, isLink, err := e.host.finalSymlink("/usr/local"); err == nil && isLink {
		if exists, _ := e.host.pathExists(absTarget); exists {
			e.add(classHostBind, Directive{Kind: DirectiveRoBind, Src: e.host.hostPath(absTarget), Dst: runHost + absTarget})
			e.recordVisibility(runHost+absTarget, permissions.ModeReadOnly)
		}
	}

	e.mirrorUsrMerge(runHost)

	if exists, _ := e.host.pathExists("/etc/ld.so.cache"); exists {
		e.add(classRoBind, Directive{Kind: DirectiveRoBind, Src: e.host.hostPath("/etc/ld.so.cache"), Dst: runHost + "/etc/ld.so.cache"})
	}
}

// projectHostEtc binds the host /etc under /run/host.
func (e *Exports) projectHostEtc(mode permissions.FsMode) {
	kind := DirectiveRoBind
	if mode == permissions.ModeReadWrite {
		kind = DirectiveBind
	}

	if exists, _ := e.host.pathExists("/etc"); exists {
		e.add(classRoBind, Directive{Kind: kind, Src: e.host.hostPath("/etc"), Dst: runHost + "/etc"})
		e.recordVisibility(runHost+"/etc", visModeFor(kind))
	}
}

// bindOsRelease exposes the host os-release file at /run/host/os-release,
// preferring /etc/os-release over /usr/lib/os-release. Emitted
// unconditionally, last within the read-only block.
func (e *Exports) bindOsRelease() {
	for _, candidate := range []string{"/etc/os-release", "/usr/lib/os-release"} {
		if exists, _ := e.host.pathExists(candidate); exists {
			e.add(classOsRelease, Directive{Kind: DirectiveRoBind, Src: e.host.hostPath(candidate), Dst: runHost + "/os-release"})

			return
		}
	}
}

// preserveResolvConf keeps DNS working when the sandbox shares the network
// and /etc/resolv.conf is a symlink into /run: the target's parent directory
// is bound so the link resolves despite /run being a fresh tmpfs.
func (e *Exports) preserveResolvConf() {
	const resolvConf = "/etc/resolv.conf"

	target, err := os.Readlink(e.host.hostPath(resolvConf))
	if err != nil {
		return
	}

	resolved := target
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(resolvConf), resolved)
	}

	resolved = filepath.Clean(resolved)
	if resolved == "/run" || !strings.HasPrefix(resolved, "/run/") {
		return
	}

	parent := filepath.Dir(resolved)
	if parent == "/run" || parent == "/" {
		return
	}

	exists, isDir := e.host.pathExists(parent)
	if !exists || !isDir {
		return
	}

	e.host.debugf("resolv.conf points into /run, binding %s", parent)
	e.add(classRoBind, Directive{Kind: DirectiveDir, Dst: parent})
	e.add(classRoBind, Directive{Kind: DirectiveRoBind, Src: e.host.hostPath(parent), Dst: parent})
	e.recordVisibility(parent, permissions.ModeReadOnly)
}

func visModeFor(kind DirectiveKind) permissions.FsMode {
	if kind == DirectiveBind {
		return permissions.ModeReadWrite
	}

	return permissions.ModeReadOnly
}
