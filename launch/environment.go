//go:build linux

package launch

import (
	"sort"
	"strings"

	"github.com/flatpak/launcher/argvec"
	"github.com/flatpak/launcher/permissions"
)

// localeVars are copied from the caller environment into the sandbox when
// set. Everything else starts from the fixed minimal base.
var localeVars = []string{
	"LANG",
	"LANGUAGE",
	"LC_ALL",
	"LC_ADDRESS",
	"LC_COLLATE",
	"LC_CTYPE",
	"LC_IDENTIFICATION",
	"LC_MEASUREMENT",
	"LC_MESSAGES",
	"LC_MONETARY",
	"LC_NAME",
	"LC_NUMERIC",
	"LC_PAPER",
	"LC_TELEPHONE",
	"LC_TIME",
}

// envSpec carries the inputs of environment computation.
type envSpec struct {
	appID      string
	arch       string
	branch     string
	instanceID string

	// ld path composition: caller prefix, runtime and extension dirs,
	// caller suffix.
	ldPrefix        []string
	runtimeLibDirs  []string
	extensionLibs   []string
	ldSuffix        []string
	devel           bool

	// callerEnv is the host process environment, for locale passthrough.
	callerEnv map[string]string
}

// environment is the computed in-sandbox environment: concrete values plus
// explicit unsets that must be emitted even against the supervisor's own
// defaults.
type environment struct {
	vars  map[string]string
	unset map[string]bool
}

// computeEnvironment derives the sandbox environment from the fixed base,
// the launch inputs, and finally the context's environment table. Context
// entries win over everything, and an explicit unset removes even base
// entries.
func computeEnvironment(spec envSpec, ctx *permissions.Context) *environment {
	e := &environment{
		vars: map[string]string{
			"PATH":            "/app/bin:/usr/bin",
			"XDG_CONFIG_DIRS": "/app/etc/xdg:/etc/xdg",
			"XDG_DATA_DIRS":   "/app/share:/usr/share",
			"SHELL":           "/bin/sh",
		},
		unset: make(map[string]bool),
	}

	for _, name := range localeVars {
		if v, ok := spec.callerEnv[name]; ok && v != "" {
			e.vars[name] = v
		}
	}

	if ld := composeLDPath(spec); ld != "" {
		e.vars["LD_LIBRARY_PATH"] = ld
	}

	e.vars["FLATPAK_ID"] = spec.appID
	e.vars["FLATPAK_ARCH"] = spec.arch
	e.vars["FLATPAK_BRANCH"] = spec.branch
	e.vars["FLATPAK_SANDBOX_DIR"] = "/run/flatpak/" + spec.instanceID

	for name, v := range ctx.Env {
		if v.Unset {
			delete(e.vars, name)
			e.unset[name] = true

			continue
		}

		delete(e.unset, name)
		e.vars[name] = v.Value
	}

	return e
}

// composeLDPath joins prefix, runtime, extension, and suffix library dirs.
// Devel mode appends the debug variants of the runtime dirs.
func composeLDPath(spec envSpec) string {
	parts := make([]string, 0, len(spec.ldPrefix)+len(spec.runtimeLibDirs)+len(spec.extensionLibs)+len(spec.ldSuffix)+1)

	parts = append(parts, spec.ldPrefix...)
	parts = append(parts, spec.runtimeLibDirs...)
	parts = append(parts, spec.extensionLibs...)

	if spec.devel {
		for _, dir := range spec.runtimeLibDirs {
			parts = append(parts, dir+"/debug")
		}
	}

	parts = append(parts, spec.ldSuffix...)

	return strings.Join(parts, ":")
}

// emit appends --setenv/--unsetenv pairs in sorted order for deterministic
// argv.
func (e *environment) emit(b *argvec.Builder) {
	names := make([]string, 0, len(e.vars))
	for name := range e.vars {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		b.AddArgs("--setenv", name, e.vars[name])
	}

	unset := make([]string, 0, len(e.unset))
	for name := range e.unset {
		unset = append(unset, name)
	}

	sort.Strings(unset)

	for _, name := range unset {
		b.AddArgs("--unsetenv", name)
	}
}

// Map returns a copy of the concrete variables, for the launch plan.
func (e *environment) Map() map[string]string {
	out := make(map[string]string, len(e.vars))
	for k, v := range e.vars {
		out[k] = v
	}

	return out
}
