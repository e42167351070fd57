//go:build linux

package exports

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Per-entry resolution failures. These drop the entry without failing the
// projection.
var (
	errAutofs      = errors.New("path descends into an autofs mount")
	errSymlinkLoop = errors.New("too many levels of symbolic links")
)

// maxSymlinkHops bounds parent-symlink resolution.
const maxSymlinkHops = 40

// hostPath maps a container-absolute path onto the host view.
func (h Host) hostPath(p string) string {
	if h.Root == "" || h.Root == "/" {
		return p
	}

	return filepath.Join(h.Root, p)
}

// isAutofs reports whether the directory at container path p sits on an
// autofs filesystem. Mounting across autofs triggers unwanted automounts, so
// such paths are skipped.
func (h Host) isAutofs(p string) bool {
	var st unix.Statfs_t

	err := unix.Statfs(h.hostPath(p), &st)
	if err != nil {
		return false
	}

	return st.Type == unix.AUTOFS_SUPER_MAGIC
}

// resolveParents resolves every parent symlink of p (but not the final
// component) against the host view, returning the canonical container path.
//
// It fails with errAutofs if any resolved parent is an autofs mount and with
// errSymlinkLoop when resolution does not terminate.
func (h Host) resolveParents(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("path %q is not absolute", p)
	}

	remaining := splitComponents(p)
	resolved := "/"
	hops := 0

	for len(remaining) > 0 {
		comp := remaining[0]
		remaining = remaining[1:]

		if len(remaining) == 0 {
			// Final component: never followed here.
			return joinComponent(resolved, comp), nil
		}

		next := joinComponent(resolved, comp)

		info, err := os.Lstat(h.hostPath(next))
		if err != nil {
			if os.IsNotExist(err) {
				// Missing parents cannot be symlinks; keep the lexical path.
				return joinComponent(next, strings.Join(remaining, "/")), nil
			}

			return "", fmt.Errorf("lstat %s: %w", next, err)
		}

		if info.Mode()&os.ModeSymlink != 0 {
			hops++
			if hops > maxSymlinkHops {
				return "", errSymlinkLoop
			}

			target, err := os.Readlink(h.hostPath(next))
			if err != nil {
				return "", fmt.Errorf("readlink %s: %w", next, err)
			}

			rejoined := rejoinSymlink(resolved, target, remaining)
			remaining = splitComponents(rejoined)
			resolved = "/"

			continue
		}

		if !info.IsDir() {
			return "", fmt.Errorf("parent %s is not a directory", next)
		}

		if h.isAutofs(next) {
			return "", errAutofs
		}

		resolved = next
	}

	return resolved, nil
}

// rejoinSymlink splices a symlink target back into the remaining path.
// Absolute targets restart from the container root; relative targets resolve
// against the symlink's parent. The result stays inside the root by
// construction (filepath.Join clamps ".." at "/").
func rejoinSymlink(parent, target string, remaining []string) string {
	rest := strings.Join(remaining, "/")

	if filepath.IsAbs(target) {
		return filepath.Join(target, rest)
	}

	return filepath.Join(parent, target, rest)
}

// finalSymlink inspects the final component of the already parent-resolved
// container path p. It returns the link target and the absolute container
// path the link points at, or ok=false when p is not a symlink.
func (h Host) finalSymlink(p string) (target, absTarget string, ok bool, err error) {
	info, err := os.Lstat(h.hostPath(p))
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", false, nil
		}

		return "", "", false, fmt.Errorf("lstat %s: %w", p, err)
	}

	if info.Mode()&os.ModeSymlink == 0 {
		return "", "", false, nil
	}

	target, err = os.Readlink(h.hostPath(p))
	if err != nil {
		return "", "", false, fmt.Errorf("readlink %s: %w", p, err)
	}

	if filepath.IsAbs(target) {
		absTarget = filepath.Clean(target)
	} else {
		absTarget = filepath.Join(filepath.Dir(p), target)
	}

	return target, absTarget, true, nil
}

// pathExists reports existence and directory-ness of a container path in the
// host view, following the final symlink.
func (h Host) pathExists(p string) (exists, isDir bool) {
	info, err := os.Stat(h.hostPath(p))
	if err != nil {
		return false, false
	}

	return true, info.IsDir()
}

func splitComponents(p string) []string {
	cleaned := filepath.Clean(p)
	if cleaned == "/" {
		return nil
	}

	return strings.Split(strings.TrimPrefix(cleaned, "/"), "/")
}

func joinComponent(dir, comp string) string {
	if dir == "/" {
		return "/" + comp
	}

	return dir + "/" + comp
}

// relativeTarget rewrites the absolute container path target as a target
// relative to the directory containing link. Used so emitted symlinks stay
// correct wherever the exposed tree is mounted.
func relativeTarget(link, target string) string {
	rel, err := filepath.Rel(filepath.Dir(link), target)
	if err != nil {
		return target
	}

	return rel
}
