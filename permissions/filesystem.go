package permissions

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/adrg/xdg"
)

// FsMode is the access mode attached to a filesystem grant.
type FsMode int

const (
	// ModeNone is an explicit deny.
	ModeNone FsMode = iota
	// ModeReadOnly exposes the path read-only.
	ModeReadOnly
	// ModeReadWrite exposes the path read-write.
	ModeReadWrite
	// ModeCreate exposes the path read-write and creates it if missing.
	ModeCreate
	// ModeReset clears prior grants in the token's scope.
	ModeReset
)

func (m FsMode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeReadOnly:
		return "ro"
	case ModeReadWrite:
		return "rw"
	case ModeCreate:
		return "create"
	case ModeReset:
		return "reset"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// FilesystemEntry is one normalized grant in a Context.
type FilesystemEntry struct {
	Token string
	Mode  FsMode
}

// Recognized top-level filesystem tokens.
const (
	TokenHost      = "host"
	TokenHostOS    = "host-os"
	TokenHostEtc   = "host-etc"
	TokenHostReset = "host-reset"
	TokenHome      = "home"
)

// ErrFilesystem reports an invalid filesystem token or mode. Wrapped errors
// carry the offending token.
var ErrFilesystem = errors.New("invalid filesystem value")

// xdgBuckets are the recognized xdg-* tokens. The bool marks buckets that
// require a subpath (shared API surfaces that cannot be granted whole).
var xdgBuckets = map[string]bool{
	"xdg-desktop":      false,
	"xdg-documents":    false,
	"xdg-download":     false,
	"xdg-music":        false,
	"xdg-pictures":     false,
	"xdg-public-share": false,
	"xdg-templates":    false,
	"xdg-videos":       false,
	"xdg-data":         false,
	"xdg-cache":        false,
	"xdg-config":       false,
	"xdg-run":          true,
}

// IsXDGBucket reports whether name is a recognized xdg-* bucket token.
func IsXDGBucket(name string) bool {
	_, ok := xdgBuckets[name]

	return ok
}

// DefaultXDGDirs returns the host directory for each xdg-* bucket, resolved
// through the user's xdg configuration.
func DefaultXDGDirs() map[string]string {
	return map[string]string{
		"xdg-desktop":      xdg.UserDirs.Desktop,
		"xdg-documents":    xdg.UserDirs.Documents,
		"xdg-download":     xdg.UserDirs.Download,
		"xdg-music":        xdg.UserDirs.Music,
		"xdg-pictures":     xdg.UserDirs.Pictures,
		"xdg-public-share": xdg.UserDirs.PublicShare,
		"xdg-templates":    xdg.UserDirs.Templates,
		"xdg-videos":       xdg.UserDirs.Videos,
		"xdg-data":         xdg.DataHome,
		"xdg-cache":        xdg.CacheHome,
		"xdg-config":       xdg.ConfigHome,
		"xdg-run":          xdg.RuntimeDir,
	}
}

// ParseFilesystem parses one entry of a filesystems list into its normalized
// token and mode.
//
// Grammar: an optional leading '!' negates (mode none); an optional trailing
// ":ro", ":rw", ":create", or ":reset" selects the mode (default rw, reset
// only on host); backslash escapes the next character, so escaped colons do
// not terminate the token. "~" maps to home, absolute paths are lexically
// canonicalized, and xdg-* buckets may carry a subpath.
func ParseFilesystem(s string, negated bool) (FilesystemEntry, error) {
	if strings.HasPrefix(s, "!") {
		negated = true
		s = s[1:]
	}

	if s == "" {
		return FilesystemEntry{}, fmt.Errorf("%w: empty token", ErrFilesystem)
	}

	raw, mode, hasMode := splitMode(s)

	token, err := unescape(raw)
	if err != nil {
		return FilesystemEntry{}, fmt.Errorf("%w: %q: %v", ErrFilesystem, s, err)
	}

	if !hasMode {
		mode = ModeReadWrite
	}

	token, err = normalizeToken(token)
	if err != nil {
		return FilesystemEntry{}, fmt.Errorf("%w: %q: %v", ErrFilesystem, s, err)
	}

	// A bare "host-reset" token implies the reset mode.
	if token == TokenHostReset && !hasMode {
		mode = ModeReset
	}

	if mode == ModeReset {
		// reset is only meaningful on the host scope.
		if token != TokenHost && token != TokenHostReset {
			return FilesystemEntry{}, fmt.Errorf("%w: %q: :reset is only valid on host", ErrFilesystem, s)
		}

		token = TokenHostReset
	}

	if token == TokenHostReset && mode != ModeReset && !negated {
		return FilesystemEntry{}, fmt.Errorf("%w: %q: host-reset requires :reset", ErrFilesystem, s)
	}

	if negated {
		mode = ModeNone
	}

	return FilesystemEntry{Token: token, Mode: mode}, nil
}

// splitMode strips a trailing unescaped ":<mode>" suffix.
func splitMode(s string) (string, FsMode, bool) {
	lastColon := -1
	escaped := false

	for i := 0; i < len(s); i++ {
		if escaped {
			escaped = false

			continue
		}

		switch s[i] {
		case '\\':
			escaped = true
		case ':':
			lastColon = i
		}
	}

	if lastColon < 0 {
		return s, 0, false
	}

	switch s[lastColon+1:] {
	case "ro":
		return s[:lastColon], ModeReadOnly, true
	case "rw":
		return s[:lastColon], ModeReadWrite, true
	case "create":
		return s[:lastColon], ModeCreate, true
	case "reset":
		return s[:lastColon], ModeReset, true
	default:
		return s, 0, false
	}
}

// unescape resolves backslash escapes: the escaped character stands for
// itself.
func unescape(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}

	var out strings.Builder

	escaped := false

	for i := 0; i < len(s); i++ {
		if escaped {
			out.WriteByte(s[i])

			escaped = false

			continue
		}

		if s[i] == '\\' {
			escaped = true

			continue
		}

		out.WriteByte(s[i])
	}

	if escaped {
		return "", errors.New("trailing backslash")
	}

	return out.String(), nil
}

// normalizeToken canonicalizes a filesystem token.
func normalizeToken(token string) (string, error) {
	switch {
	case token == "~":
		return TokenHome, nil
	case strings.HasPrefix(token, "~/"):
		return joinSubpath(TokenHome, token[2:])
	case token == TokenHost, token == TokenHostOS, token == TokenHostEtc, token == TokenHostReset:
		return token, nil
	case token == TokenHome:
		return token, nil
	case strings.HasPrefix(token, TokenHome+"/"):
		return joinSubpath(TokenHome, token[len(TokenHome)+1:])
	case strings.HasPrefix(token, "xdg-"):
		return normalizeXDGToken(token)
	case strings.HasPrefix(token, "/"):
		return normalizeAbsolute(token)
	default:
		return "", fmt.Errorf("unrecognized token %q", token)
	}
}

func normalizeXDGToken(token string) (string, error) {
	bucket := token

	subpath := ""
	if idx := strings.IndexByte(token, '/'); idx >= 0 {
		bucket, subpath = token[:idx], token[idx+1:]
	}

	needsSubpath, ok := xdgBuckets[bucket]
	if !ok {
		return "", fmt.Errorf("unknown xdg bucket %q", bucket)
	}

	normalized, err := joinSubpath(bucket, subpath)
	if err != nil {
		return "", err
	}

	if needsSubpath && normalized == bucket {
		return "", fmt.Errorf("%s cannot be granted whole", bucket)
	}

	return normalized, nil
}

// joinSubpath cleans sub and appends it to base, dropping empty and "."
// results.
func joinSubpath(base, sub string) (string, error) {
	if sub == "" {
		return base, nil
	}

	cleaned := path.Clean(sub)
	if cleaned == "." || cleaned == "/" {
		return base, nil
	}

	if strings.HasPrefix(cleaned, "../") || cleaned == ".." || strings.HasPrefix(cleaned, "/") {
		return "", fmt.Errorf("subpath %q escapes %s", sub, base)
	}

	return base + "/" + cleaned, nil
}

func normalizeAbsolute(token string) (string, error) {
	// path.Clean drops ".." at the root, so check the raw components.
	for _, part := range strings.Split(token, "/") {
		if part == ".." {
			return "", fmt.Errorf("path %q contains ..", token)
		}
	}

	cleaned := path.Clean(token)

	if cleaned == "/" {
		return "", errors.New("cannot grant the filesystem root")
	}

	return cleaned, nil
}

// FormatFilesystem renders a normalized entry back into list syntax,
// escaping separator characters. ModeNone renders with a leading '!'.
func FormatFilesystem(e FilesystemEntry) string {
	escaped := escapeToken(e.Token)

	switch e.Mode {
	case ModeNone:
		return "!" + escaped
	case ModeReadOnly:
		return escaped + ":ro"
	case ModeCreate:
		return escaped + ":create"
	case ModeReset:
		return escaped
	default:
		return escaped
	}
}

func escapeToken(token string) string {
	if !strings.ContainsAny(token, ":;\\") {
		return token
	}

	var out strings.Builder

	for i := 0; i < len(token); i++ {
		switch token[i] {
		case ':', ';', '\\':
			out.WriteByte('\\')
		}

		out.WriteByte(token[i])
	}

	return out.String()
}
