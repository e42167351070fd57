//go:build linux

package instance

import (
	"bytes"
	"fmt"
	"strconv"

	"gopkg.in/ini.v1"

	"github.com/flatpak/launcher/permissions"
)

// AppInfo describes one sandbox instance. Render produces the key-value
// document stored as the instance's info file and mounted read-only at
// /.flatpak-info inside the sandbox.
type AppInfo struct {
	// Application identity.
	AppID   string
	Runtime string
	Arch    string
	Branch  string
	Commit  string
	Devel   bool

	// Instance details.
	InstanceID      string
	OriginalAppPath string
	AppPath         string
	RuntimePath     string
	SessionBusProxy bool
	SystemBusProxy  bool

	// Context is the flattened final context of this invocation.
	Context *permissions.Context
}

// Render serializes the document with stable group and key ordering.
func (a AppInfo) Render() ([]byte, error) {
	file := ini.Empty()

	app, err := file.NewSection("Application")
	if err != nil {
		return nil, fmt.Errorf("appinfo: %w", err)
	}

	appKeys := []struct{ k, v string }{
		{"name", a.AppID},
		{"runtime", a.Runtime},
		{"arch", a.Arch},
		{"branch", a.Branch},
		{"commit", a.Commit},
		{"devel", strconv.FormatBool(a.Devel)},
	}

	for _, kv := range appKeys {
		_, err = app.NewKey(kv.k, kv.v)
		if err != nil {
			return nil, fmt.Errorf("appinfo: %w", err)
		}
	}

	inst, err := file.NewSection("Instance")
	if err != nil {
		return nil, fmt.Errorf("appinfo: %w", err)
	}

	instKeys := []struct{ k, v string }{
		{"instance-id", a.InstanceID},
		{"original-app-path", a.OriginalAppPath},
		{"app-path", a.AppPath},
		{"runtime-path", a.RuntimePath},
		{"session-bus-proxy", strconv.FormatBool(a.SessionBusProxy)},
		{"system-bus-proxy", strconv.FormatBool(a.SystemBusProxy)},
	}

	for _, kv := range instKeys {
		_, err = inst.NewKey(kv.k, kv.v)
		if err != nil {
			return nil, fmt.Errorf("appinfo: %w", err)
		}
	}

	var buf bytes.Buffer

	_, err = file.WriteTo(&buf)
	if err != nil {
		return nil, fmt.Errorf("appinfo: %w", err)
	}

	if a.Context != nil {
		contextDoc, saveErr := a.Context.Save(true)
		if saveErr != nil {
			return nil, fmt.Errorf("appinfo: %w", saveErr)
		}

		buf.WriteByte('\n')
		buf.Write(contextDoc)
	}

	return buf.Bytes(), nil
}
