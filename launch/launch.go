//go:build linux

// Package launch drives the sandbox-launch pipeline: it resolves the app and
// runtime deployments, merges the permission documents into one effective
// context, projects the filesystem, computes the environment, starts the bus
// proxies, seals the instance document, and finally executes the container
// supervisor inside a transient supervision scope.
package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/flatpak/launcher/argvec"
	"github.com/flatpak/launcher/dbusproxy"
	"github.com/flatpak/launcher/exports"
	"github.com/flatpak/launcher/instance"
	"github.com/flatpak/launcher/permissions"
)

// ErrSupervisor reports that the supervisor binary is missing or could not
// be executed.
var ErrSupervisor = errors.New("supervisor failed to start")

// sessionHelperName is granted talk access by default so the app can reach
// the session helper; FlagNoSessionHelper suppresses it.
const sessionHelperName = "org.freedesktop.Flatpak"

// resolvedName is the name-resolution service removed from the session
// policy by FlagNoTalkNameResolution.
const resolvedName = "org.freedesktop.resolve1"

// Flags are per-invocation launch options.
type Flags uint32

const (
	// FlagDevel enables the development feature set for this invocation.
	FlagDevel Flags = 1 << iota
	// FlagSandbox drops every permission the metadata grants.
	FlagSandbox
	// FlagBackground detaches the sandbox from the controlling terminal.
	FlagBackground
	// FlagNoSessionHelper skips the default session-helper bus grant.
	FlagNoSessionHelper
	// FlagNoTalkNameResolution removes the name-resolution bus grant.
	FlagNoTalkNameResolution

	flagsMax
)

func (f Flags) String() string {
	switch f {
	case FlagDevel:
		return "devel"
	case FlagSandbox:
		return "sandbox"
	case FlagBackground:
		return "background"
	case FlagNoSessionHelper:
		return "no-session-helper"
	case FlagNoTalkNameResolution:
		return "no-talk-name-resolution"
	default:
		parts := make([]string, 0, 4)

		for bit := Flags(1); bit < flagsMax; bit <<= 1 {
			if f&bit != 0 {
				parts = append(parts, bit.String())
			}
		}

		if len(parts) == 0 {
			return "none"
		}

		return strings.Join(parts, ",")
	}
}

// Options configures a Launcher.
type Options struct {
	// Store resolves refs to deployments.
	Store Store
	// Host is the filesystem view projections run against.
	Host exports.Host
	// SupervisorPath is the container supervisor binary.
	SupervisorPath string
	// ProxyPath is the bus filter proxy binary; empty disables proxies.
	ProxyPath string
	// ProxyReadyTimeout bounds the proxy readiness wait.
	ProxyReadyTimeout time.Duration
	// RuntimeBaseDir is the per-user instance state root, normally
	// $XDG_RUNTIME_DIR/.flatpak.
	RuntimeBaseDir string
	// SessionBusAddress and SystemBusAddress are the real bus addresses.
	SessionBusAddress string
	SystemBusAddress  string
	// SeccompProgram, when set, is passed to the supervisor by descriptor.
	SeccompProgram *os.File
	// Debugf receives pipeline diagnostics; nil disables.
	Debugf func(format string, args ...any)
}

// Spec is one launch request.
type Spec struct {
	// App is the application ref to launch.
	App Ref
	// Runtime overrides the runtime declared in the app metadata.
	Runtime *Ref
	// Overrides is the user override document; nil for none.
	Overrides *permissions.Context
	// Extra is the per-invocation context; nil for none.
	Extra *permissions.Context
	// Flags are the per-invocation options.
	Flags Flags
	// Cwd is the working directory inside the sandbox; empty uses home.
	Cwd string
	// Command is the program to run; empty runs /app/bin/<app id>. The
	// metadata command key is not read.
	Command string
	// Args are passed to the command.
	Args []string
}

// Launcher executes launch requests against a fixed Options set.
type Launcher struct {
	opts Options
}

// NewLauncher validates opts and returns a Launcher.
func NewLauncher(opts Options) (*Launcher, error) {
	var errs []error

	if opts.Store == nil {
		errs = append(errs, errors.New("launch: Store is required"))
	}

	if strings.TrimSpace(opts.SupervisorPath) == "" {
		errs = append(errs, errors.New("launch: SupervisorPath is required"))
	}

	if strings.TrimSpace(opts.RuntimeBaseDir) == "" {
		errs = append(errs, errors.New("launch: RuntimeBaseDir is required"))
	}

	if opts.Host.Home == "" {
		errs = append(errs, errors.New("launch: Host.Home is required"))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return &Launcher{opts: opts}, nil
}

func (l *Launcher) debugf(format string, args ...any) {
	if l.opts.Debugf == nil {
		return
	}

	l.opts.Debugf("launch: "+format, args...)
}

// Plan is the immutable pre-exec product of the pipeline: the supervisor
// argv, the descriptor sets, the working directory, and the sandbox
// environment.
type Plan struct {
	Argv       []string
	Cwd        string
	Env        map[string]string
	InstanceID string

	vec     *argvec.Builder
	proxies *dbusproxy.Plan
	state   *instance.State
	unlock  func()
}

// InheritableFDs lists the descriptor numbers the supervisor inherits, in
// registration order. Empty once the plan has been spawned or closed.
func (p *Plan) InheritableFDs() []int {
	if p.vec == nil {
		return nil
	}

	return p.vec.InheritableFDs()
}

// Close tears the plan down in reverse construction order: proxies, then
// instance state, then the deploy lock. Used on error paths and by tests
// that never spawn.
func (p *Plan) Close() {
	if p.vec != nil {
		_ = p.vec.Close()
	}

	if p.proxies != nil {
		p.proxies.Stop()
	}

	if p.state != nil {
		_ = p.state.Release()
	}

	if p.unlock != nil {
		p.unlock()
	}
}

// Launch runs the full pipeline and executes the supervisor. On success the
// returned Instance owns the sandbox; the plan's resources transfer to it.
func (l *Launcher) Launch(ctx context.Context, spec Spec) (*Instance, error) {
	plan, err := l.Plan(ctx, spec)
	if err != nil {
		return nil, err
	}

	inst, err := l.spawn(plan)
	if err != nil {
		plan.Close()

		return nil, err
	}

	return inst, nil
}

// Plan runs the pipeline up to (but not including) exec.
func (l *Launcher) Plan(ctx context.Context, spec Spec) (plan *Plan, err error) {
	plan = &Plan{}

	defer func() {
		if err != nil {
			plan.Close()
		}
	}()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	app, runtime, err := l.resolveDeploys(spec)
	if err != nil {
		return nil, err
	}

	effective := l.effectiveContext(app, runtime, spec)

	if err = effective.Validate(); err != nil {
		return nil, err
	}

	plan.unlock, err = l.opts.Store.LockDeploy(app)
	if err != nil {
		return nil, err
	}

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	vec := argvec.New()
	plan.vec = vec

	vec.AddArgs("--unshare-user", "--unshare-pid", "--die-with-parent")

	if effective.Shares&permissions.ShareNetwork == 0 {
		vec.AddArg("--unshare-net")
	}

	if effective.Shares&permissions.ShareIPC == 0 {
		vec.AddArg("--unshare-ipc")
	}

	if spec.Flags&FlagBackground != 0 {
		vec.AddArg("--new-session")
	}

	appPath := filepath.Join(app.Dir, "files")
	runtimePath := filepath.Join(runtime.Dir, "files")

	vec.AddArgs("--ro-bind", runtimePath, "/usr")
	vec.AddArgs("--ro-bind", appPath, "/app")

	for _, ext := range app.Extensions {
		if ext.Dir == "" || ext.MountPath == "" {
			continue
		}

		vec.AddArgs("--ro-bind", ext.Dir, ext.MountPath)
	}

	appData := filepath.Join(l.opts.Host.Home, ".var", "app", app.Ref.Name)

	exp, err := exports.Build(effective, l.opts.Host, appData)
	if err != nil {
		return nil, err
	}

	exp.EmitArgs(vec)

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	plan.proxies, err = l.startProxies(ctx, effective)
	if err != nil {
		return nil, err
	}

	plan.state, err = instance.Allocate(l.opts.RuntimeBaseDir)
	if err != nil {
		return nil, err
	}

	plan.InstanceID = plan.state.ID

	env := computeEnvironment(envSpec{
		appID:          app.Ref.Name,
		arch:           app.Ref.Arch,
		branch:         app.Ref.Branch,
		instanceID:     plan.state.ID,
		runtimeLibDirs: []string{"/app/lib", "/usr/lib"},
		devel:          spec.Flags&FlagDevel != 0,
		callerEnv:      callerEnv(),
	}, effective)

	var proxySockets []dbusproxy.Socket
	if plan.proxies != nil {
		proxySockets = plan.proxies.Sockets()
	}

	for _, sock := range proxySockets {
		env.vars[sock.EnvVar] = sock.EnvValue
	}

	envStart := vec.Len()
	env.emit(vec)
	envEnd := vec.Len()

	for _, sock := range proxySockets {
		vec.AddArgs("--ro-bind", sock.HostPath, sock.SandboxPath)
	}

	info := instance.AppInfo{
		AppID:           app.Ref.Name,
		Runtime:         runtime.Ref.String(),
		Arch:            app.Ref.Arch,
		Branch:          app.Ref.Branch,
		Commit:          app.Commit,
		Devel:           spec.Flags&FlagDevel != 0,
		InstanceID:      plan.state.ID,
		OriginalAppPath: app.Dir,
		AppPath:         appPath,
		RuntimePath:     runtimePath,
		SessionBusProxy: hasBus(proxySockets, dbusproxy.SessionBus),
		SystemBusProxy:  hasBus(proxySockets, dbusproxy.SystemBus),
		Context:         effective,
	}

	infoDoc, err := info.Render()
	if err != nil {
		return nil, err
	}

	if err = plan.state.WriteInfo(infoDoc); err != nil {
		return nil, err
	}

	if err = vec.AddArgsData("flatpak-info", infoDoc, "/.flatpak-info"); err != nil {
		return nil, err
	}

	if l.opts.SeccompProgram != nil {
		fd := vec.AddFD(l.opts.SeccompProgram)
		vec.AddArgs("--seccomp", strconv.Itoa(fd))
	}

	// The instance lock stays open until the supervisor has started.
	if lockFD := plan.state.LockFD(); lockFD != nil {
		vec.AddNoInheritFD(lockFD)
	}

	if err = vec.Bundle(envStart, envEnd, false); err != nil {
		return nil, err
	}

	vec.Finish()

	cwd := spec.Cwd
	if cwd == "" {
		cwd = l.opts.Host.Home
	}

	command := spec.Command
	if command == "" {
		command = "/app/bin/" + filepath.Base(app.Ref.Name)
	}

	argv := make([]string, 0, 2+len(vec.Args())+1+len(spec.Args))
	argv = append(argv, l.opts.SupervisorPath)
	argv = append(argv, vec.Args()...)
	argv = append(argv, command)
	argv = append(argv, spec.Args...)

	plan.Argv = argv
	plan.Cwd = cwd
	plan.Env = env.Map()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	return plan, nil
}

// resolveDeploys resolves the app and its runtime, honoring an override.
func (l *Launcher) resolveDeploys(spec Spec) (app, runtime *Deploy, err error) {
	app, err = l.opts.Store.ResolveApp(spec.App)
	if err != nil {
		return nil, nil, err
	}

	runtimeRef := app.Runtime
	if spec.Runtime != nil {
		runtimeRef = *spec.Runtime
	}

	if runtimeRef.Name == "" {
		return nil, nil, fmt.Errorf("%w: %s declares no runtime", ErrNotFound, spec.App)
	}

	runtime, err = l.opts.Store.ResolveRuntime(runtimeRef)
	if err != nil {
		return nil, nil, err
	}

	return app, runtime, nil
}

// effectiveContext merges runtime ⊕ app ⊕ overrides ⊕ extra, then applies
// flag-derived adjustments.
func (l *Launcher) effectiveContext(app, runtime *Deploy, spec Spec) *permissions.Context {
	effective := permissions.New()
	effective.Merge(runtime.Context)
	effective.Merge(app.Context)

	if spec.Overrides != nil {
		effective.Merge(spec.Overrides)
	}

	if spec.Extra != nil {
		effective.Merge(spec.Extra)
	}

	if spec.Flags&FlagSandbox != 0 {
		// Drop everything the metadata granted; only per-invocation extras
		// reapplied below survive.
		effective.Shares = 0
		effective.SharesValid = permissions.SharesAll
		effective.Sockets = 0
		effective.SocketsValid = permissions.SocketsAll
		effective.Devices = 0
		effective.DevicesValid = permissions.DevicesAll
		effective.Features = 0
		effective.FeaturesValid = permissions.FeaturesAll
		effective.Filesystems = nil
		effective.Persistent = nil
		effective.SessionBusPolicy = make(map[string]permissions.BusPolicy)
		effective.SystemBusPolicy = make(map[string]permissions.BusPolicy)

		if spec.Extra != nil {
			effective.Merge(spec.Extra)
		}
	}

	if spec.Flags&FlagDevel != 0 {
		effective.Features |= permissions.FeatureDevel
		effective.FeaturesValid |= permissions.FeatureDevel
	}

	if spec.Flags&FlagNoSessionHelper == 0 && spec.Flags&FlagSandbox == 0 {
		if _, ok := effective.SessionBusPolicy[sessionHelperName]; !ok {
			effective.SessionBusPolicy[sessionHelperName] = permissions.BusTalk
		}
	}

	if spec.Flags&FlagNoTalkNameResolution != 0 {
		delete(effective.SessionBusPolicy, resolvedName)
	}

	l.debugf("effective context: shares=%v sockets=%v devices=%v features=%v filesystems=%d",
		effective.Shares, effective.Sockets, effective.Devices, effective.Features, len(effective.Filesystems))

	return effective
}

// startProxies decides per bus between a filter proxy and nothing at all.
// With a policy present only the proxied socket is ever exposed; the direct
// socket is not bound as a fallback.
func (l *Launcher) startProxies(ctx context.Context, effective *permissions.Context) (*dbusproxy.Plan, error) {
	if l.opts.ProxyPath == "" {
		return nil, nil
	}

	var specs []dbusproxy.Spec

	if len(effective.SessionBusPolicy) > 0 && effective.Sockets&permissions.SocketSessionBus == 0 {
		specs = append(specs, dbusproxy.Spec{
			Bus:     dbusproxy.SessionBus,
			Address: l.opts.SessionBusAddress,
			Policy:  effective.SessionBusPolicy,
		})
	}

	if len(effective.SystemBusPolicy) > 0 && effective.Sockets&permissions.SocketSystemBus == 0 {
		specs = append(specs, dbusproxy.Spec{
			Bus:     dbusproxy.SystemBus,
			Address: l.opts.SystemBusAddress,
			Policy:  effective.SystemBusPolicy,
		})
	}

	if len(specs) == 0 {
		return nil, nil
	}

	// Proxy sockets live in the instance state dir, which does not exist
	// yet; use a dedicated socket dir beside it.
	socketDir := filepath.Join(l.opts.RuntimeBaseDir, "proxy")

	err := os.MkdirAll(socketDir, 0o700)
	if err != nil {
		return nil, fmt.Errorf("%w: socket dir: %v", dbusproxy.ErrProxySetup, err)
	}

	cfg := dbusproxy.Config{
		ProxyPath:    l.opts.ProxyPath,
		SocketDir:    socketDir,
		ReadyTimeout: l.opts.ProxyReadyTimeout,
		Debugf:       l.opts.Debugf,
	}

	return cfg.Start(ctx, specs)
}

// spawn executes the supervisor with the plan's argv and descriptor set.
func (l *Launcher) spawn(plan *Plan) (*Instance, error) {
	enterSupervisionScope(l.opts.Debugf)

	attr := &os.ProcAttr{
		Dir:   plan.Cwd,
		Env:   envMapToSliceSorted(plan.Env),
		Files: plan.vec.ExecFiles([3]*os.File{os.Stdin, os.Stdout, os.Stderr}),
		Sys:   supervisionAttr(),
	}

	proc, err := os.StartProcess(plan.Argv[0], plan.Argv, attr)

	// Our copies of the descriptors are no longer needed either way.
	_ = plan.vec.Close()
	plan.vec = nil

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSupervisor, err)
	}

	if pidErr := plan.state.WritePID(proc.Pid); pidErr != nil {
		l.debugf("recording supervisor pid: %v", pidErr)
	}

	l.debugf("supervisor started: pid=%d instance=%s", proc.Pid, plan.InstanceID)

	inst := &Instance{
		ID:      plan.InstanceID,
		process: proc,
		proxies: plan.proxies,
		state:   plan.state,
		unlock:  plan.unlock,
	}

	// Ownership moved to the instance.
	plan.proxies = nil
	plan.state = nil
	plan.unlock = nil

	return inst, nil
}

// callerEnv snapshots the process environment for locale passthrough.
func callerEnv() map[string]string {
	out := make(map[string]string, 16)

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}

		out[key] = value
	}

	return out
}

func hasBus(sockets []dbusproxy.Socket, bus dbusproxy.Bus) bool {
	for _, s := range sockets {
		if s.Bus == bus {
			return true
		}
	}

	return false
}

// envMapToSliceSorted renders env as a sorted KEY=VALUE slice for
// deterministic spawn behavior.
func envMapToSliceSorted(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}

	return out
}

// Instance is a running sandbox.
type Instance struct {
	// ID is the decimal instance id.
	ID string

	process *os.Process
	proxies *dbusproxy.Plan
	state   *instance.State
	unlock  func()

	waited   bool
	exitCode int
}

// SupervisorPID returns the supervisor process id.
func (i *Instance) SupervisorPID() int {
	return i.process.Pid
}

// ChildPID reads the sandboxed child pid the supervisor records in
// bwrapinfo.json; zero until the supervisor has written it.
func (i *Instance) ChildPID() int {
	if i.state == nil {
		return 0
	}

	data, err := os.ReadFile(filepath.Join(i.state.Dir, instance.BwrapInfoFile))
	if err != nil {
		return 0
	}

	return childPIDFromBwrapInfo(data)
}

// childPIDFromBwrapInfo extracts "child-pid" from the supervisor's info
// document without depending on its full schema.
func childPIDFromBwrapInfo(data []byte) int {
	const key = `"child-pid"`

	idx := strings.Index(string(data), key)
	if idx < 0 {
		return 0
	}

	rest := string(data)[idx+len(key):]
	rest = strings.TrimLeft(rest, " \t:")

	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}

	pid, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0
	}

	return pid
}

// Wait blocks until the supervisor exits, tears down the instance, and
// returns the exit code.
func (i *Instance) Wait() (int, error) {
	if i.waited {
		return i.exitCode, nil
	}

	stateInfo, err := i.process.Wait()

	i.waited = true

	i.teardown()

	if err != nil {
		return -1, err
	}

	i.exitCode = stateInfo.ExitCode()

	return i.exitCode, nil
}

// Kill signals the supervisor's process group.
func (i *Instance) Kill(sig syscall.Signal) error {
	return syscall.Kill(-i.process.Pid, sig)
}

// Drop releases the instance's resources. If the supervisor is still
// running, Drop does nothing: the state directory, its lock, the proxies and
// the deploy lock all stay held.
func (i *Instance) Drop() error {
	if !i.waited && i.processAlive() {
		return nil
	}

	i.teardown()

	return nil
}

func (i *Instance) processAlive() bool {
	err := syscall.Kill(i.process.Pid, 0)

	return err == nil
}

func (i *Instance) teardown() {
	if i.proxies != nil {
		i.proxies.Stop()
		i.proxies = nil
	}

	if i.state != nil {
		_ = i.state.Release()
		i.state = nil
	}

	if i.unlock != nil {
		i.unlock()
		i.unlock = nil
	}
}
