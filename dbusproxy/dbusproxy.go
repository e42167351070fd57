//go:build linux

// Package dbusproxy plans and supervises the bus filter proxies a sandbox
// depends on. One proxy process per enabled bus sits between the sandbox and
// the real bus socket and enforces the bus policy of the permission context.
//
// The readiness protocol is a single byte: the proxy writes to the sync
// descriptor once its socket is bound and accepting connections, and the
// launcher blocks on that byte with a deadline. A proxy that never becomes
// ready fails the launch.
package dbusproxy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/flatpak/launcher/permissions"
)

// ErrProxySetup reports a proxy spawn failure, a readiness timeout, or a
// rejected filter rule.
var ErrProxySetup = errors.New("bus proxy setup failed")

// DefaultReadyTimeout bounds the wait for a proxy's readiness byte.
const DefaultReadyTimeout = 10 * time.Second

// termGrace is how long a signalled proxy gets before SIGKILL.
const termGrace = 2 * time.Second

// Bus identifies which bus a proxy filters.
type Bus int

const (
	// SessionBus is the user session bus.
	SessionBus Bus = iota + 1
	// SystemBus is the system bus.
	SystemBus
	// AccessibilityBus is the at-spi accessibility bus.
	AccessibilityBus
)

func (b Bus) String() string {
	switch b {
	case SessionBus:
		return "session"
	case SystemBus:
		return "system"
	case AccessibilityBus:
		return "a11y"
	default:
		return fmt.Sprintf("unknown(%d)", int(b))
	}
}

// sandboxSocket returns where the proxied socket appears inside the sandbox
// and which environment variable announces it.
func (b Bus) sandboxSocket() (path, envVar string) {
	switch b {
	case SystemBus:
		return "/run/dbus/system_bus_socket", "DBUS_SYSTEM_BUS_ADDRESS"
	case AccessibilityBus:
		return "/run/flatpak/at-spi-bus", "AT_SPI_BUS_ADDRESS"
	default:
		return "/run/flatpak/bus", "DBUS_SESSION_BUS_ADDRESS"
	}
}

// Spec describes one bus proxy to start.
type Spec struct {
	// Bus selects the bus flavor.
	Bus Bus
	// Address is the real bus address the proxy connects to.
	Address string
	// Policy is the bus policy to translate into filter rules.
	Policy map[string]permissions.BusPolicy
}

// Config configures proxy startup.
type Config struct {
	// ProxyPath is the filter proxy binary.
	ProxyPath string
	// SocketDir is the host directory proxied sockets are created in; the
	// launcher uses a "proxy" directory beside the instance state dirs.
	SocketDir string
	// ReadyTimeout bounds the readiness wait; zero means
	// DefaultReadyTimeout.
	ReadyTimeout time.Duration
	// Debugf receives proxy diagnostics; nil disables.
	Debugf func(format string, args ...any)
}

func (c Config) debugf(format string, args ...any) {
	if c.Debugf == nil {
		return
	}

	c.Debugf("dbusproxy: "+format, args...)
}

// Rules translates a bus policy into proxy filter rules, sorted by bus name
// for deterministic argv. Invalid bus name patterns are rejected.
func Rules(policy map[string]permissions.BusPolicy) ([]string, error) {
	names := make([]string, 0, len(policy))
	for name := range policy {
		names = append(names, name)
	}

	sort.Strings(names)

	rules := make([]string, 0, len(names))

	for _, name := range names {
		err := permissions.ValidateBusName(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProxySetup, err)
		}

		switch policy[name] {
		case permissions.BusSee:
			rules = append(rules, "--see="+name)
		case permissions.BusTalk:
			rules = append(rules, "--talk="+name)
		case permissions.BusOwn:
			rules = append(rules, "--own="+name)
		case permissions.BusNone:
			// A none entry should have been removed during merge; skip.
		}
	}

	return rules, nil
}

// Socket describes one proxied socket for the launch pipeline.
type Socket struct {
	// Bus is the proxied bus.
	Bus Bus
	// HostPath is the proxy socket on the host.
	HostPath string
	// SandboxPath is where the socket is bound inside the sandbox.
	SandboxPath string
	// EnvVar and EnvValue announce the bus address to the sandboxed app.
	EnvVar   string
	EnvValue string
}

type proxy struct {
	bus Bus
	cmd *exec.Cmd
}

// Plan owns the running proxy processes and their sockets. Its lifetime
// extends until the sandbox exits: Stop tears the proxies down.
type Plan struct {
	sockets []Socket
	procs   []proxy
	debugf  func(format string, args ...any)
}

// Start spawns one filter proxy per spec and waits for every readiness byte.
// On any failure (including ctx cancellation) already-spawned proxies are
// torn down before returning.
func (c Config) Start(ctx context.Context, specs []Spec) (*Plan, error) {
	timeout := c.ReadyTimeout
	if timeout == 0 {
		timeout = DefaultReadyTimeout
	}

	plan := &Plan{debugf: c.debugf}

	for _, spec := range specs {
		err := ctx.Err()
		if err != nil {
			plan.Stop()

			return nil, err
		}

		err = c.startOne(ctx, plan, spec, timeout)
		if err != nil {
			plan.Stop()

			return nil, err
		}
	}

	return plan, nil
}

func (c Config) startOne(ctx context.Context, plan *Plan, spec Spec, timeout time.Duration) error {
	rules, err := Rules(spec.Policy)
	if err != nil {
		return err
	}

	socketPath := filepath.Join(c.SocketDir, spec.Bus.String()+"-bus-proxy")

	syncR, syncW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("%w: sync pipe: %v", ErrProxySetup, err)
	}

	defer func() { _ = syncR.Close() }()

	args := make([]string, 0, len(rules)+5)
	args = append(args, spec.Address, socketPath, "--filter")
	args = append(args, rules...)
	// The write end is the child's first extra file.
	args = append(args, "--fd", strconv.Itoa(3))

	cmd := exec.Command(c.ProxyPath, args...)
	cmd.ExtraFiles = []*os.File{syncW}
	cmd.Stdout = &tagWriter{tag: spec.Bus.String() + "-proxy", debugf: c.debugf}
	cmd.Stderr = &tagWriter{tag: spec.Bus.String() + "-proxy", debugf: c.debugf}

	c.debugf("starting %s proxy: %s %v", spec.Bus, c.ProxyPath, args)

	err = cmd.Start()

	// The parent's copy of the write end must close either way so EOF is
	// observable.
	_ = syncW.Close()

	if err != nil {
		return fmt.Errorf("%w: spawning %s proxy: %v", ErrProxySetup, spec.Bus, err)
	}

	plan.procs = append(plan.procs, proxy{bus: spec.Bus, cmd: cmd})

	err = waitReady(ctx, syncR, timeout)
	if err != nil {
		return fmt.Errorf("%w: %s proxy: %v", ErrProxySetup, spec.Bus, err)
	}

	sandboxPath, envVar := spec.Bus.sandboxSocket()
	plan.sockets = append(plan.sockets, Socket{
		Bus:         spec.Bus,
		HostPath:    socketPath,
		SandboxPath: sandboxPath,
		EnvVar:      envVar,
		EnvValue:    "unix:path=" + sandboxPath,
	})

	return nil
}

// waitReady blocks for the one-byte readiness signal.
func waitReady(ctx context.Context, syncR *os.File, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	err := syncR.SetReadDeadline(deadline)
	if err != nil {
		return fmt.Errorf("setting readiness deadline: %w", err)
	}

	buf := make([]byte, 1)

	n, err := syncR.Read(buf)
	if err != nil {
		if os.IsTimeout(err) {
			return errors.New("readiness timeout")
		}

		return fmt.Errorf("reading readiness byte: %w", err)
	}

	if n != 1 {
		return errors.New("empty readiness read")
	}

	return ctx.Err()
}

// Sockets returns the proxied sockets in spec order.
func (p *Plan) Sockets() []Socket {
	return p.sockets
}

// PIDs returns the proxy process ids, for supervision and diagnostics.
func (p *Plan) PIDs() []int {
	pids := make([]int, 0, len(p.procs))

	for _, pr := range p.procs {
		if pr.cmd.Process != nil {
			pids = append(pids, pr.cmd.Process.Pid)
		}
	}

	return pids
}

// Stop terminates every proxy: SIGTERM, a bounded grace period, then
// SIGKILL. Safe to call multiple times.
func (p *Plan) Stop() {
	for _, pr := range p.procs {
		if pr.cmd.Process == nil {
			continue
		}

		_ = pr.cmd.Process.Signal(syscall.SIGTERM)
	}

	// One absolute deadline for the whole group: every proxy gets whatever
	// remains of the grace period, independent of how the others exit.
	killAt := time.Now().Add(termGrace)

	for _, pr := range p.procs {
		if pr.cmd.Process == nil {
			continue
		}

		done := make(chan struct{})

		go func(cmd *exec.Cmd) {
			_ = cmd.Wait()
			close(done)
		}(pr.cmd)

		grace := time.NewTimer(time.Until(killAt))

		select {
		case <-done:
			grace.Stop()
		case <-grace.C:
			if p.debugf != nil {
				p.debugf("dbusproxy: %s proxy survived SIGTERM, killing", pr.bus)
			}

			_ = pr.cmd.Process.Kill()
			<-done
		}
	}

	p.procs = nil
}

// tagWriter forwards proxy output to the debug callback, tagged per bus.
type tagWriter struct {
	tag    string
	debugf func(format string, args ...any)
}

func (w *tagWriter) Write(p []byte) (int, error) {
	if w.debugf != nil {
		w.debugf("%s: %s", w.tag, p)
	}

	return len(p), nil
}
