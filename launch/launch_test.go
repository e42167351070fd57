//go:build linux

package launch_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/flatpak/launcher/exports"
	"github.com/flatpak/launcher/instance"
	"github.com/flatpak/launcher/launch"
	"github.com/flatpak/launcher/permissions"
)

// fakeStore serves deploys from memory and counts lock activity.
type fakeStore struct {
	apps     map[string]*launch.Deploy
	runtimes map[string]*launch.Deploy

	locks   int
	unlocks int
}

func (s *fakeStore) ResolveApp(ref launch.Ref) (*launch.Deploy, error) {
	d, ok := s.apps[ref.Name]
	if !ok {
		return nil, launch.ErrNotFound
	}

	return d, nil
}

func (s *fakeStore) ResolveRuntime(ref launch.Ref) (*launch.Deploy, error) {
	d, ok := s.runtimes[ref.Name]
	if !ok {
		return nil, launch.ErrNotFound
	}

	return d, nil
}

func (s *fakeStore) LockDeploy(*launch.Deploy) (func(), error) {
	s.locks++

	return func() { s.unlocks++ }, nil
}

type testEnv struct {
	store      *fakeStore
	launcher   *launch.Launcher
	runtimeDir string
	hostRoot   string
}

func newTestEnv(t *testing.T, appCtx, runtimeCtx *permissions.Context, opts func(*launch.Options)) *testEnv {
	t.Helper()

	if appCtx == nil {
		appCtx = permissions.New()
	}

	if runtimeCtx == nil {
		runtimeCtx = permissions.New()
	}

	hostRoot := t.TempDir()

	err := os.MkdirAll(filepath.Join(hostRoot, "etc"), 0o755)
	if err != nil {
		t.Fatalf("mkdir etc: %v", err)
	}

	err = os.WriteFile(filepath.Join(hostRoot, "etc/os-release"), []byte("ID=test\n"), 0o644)
	if err != nil {
		t.Fatalf("write os-release: %v", err)
	}

	runtimeRef := launch.Ref{Kind: launch.RefRuntime, Name: "org.example.Platform", Arch: "x86_64", Branch: "stable"}

	store := &fakeStore{
		apps: map[string]*launch.Deploy{
			"org.example.Hello": {
				Ref:     launch.Ref{Kind: launch.RefApp, Name: "org.example.Hello", Arch: "x86_64", Branch: "stable"},
				Dir:     "/var/lib/flatpak/app/org.example.Hello/active",
				Commit:  "deadbeef",
				Context: appCtx,
				Runtime: runtimeRef,
			},
		},
		runtimes: map[string]*launch.Deploy{
			"org.example.Platform": {
				Ref:     runtimeRef,
				Dir:     "/var/lib/flatpak/runtime/org.example.Platform/active",
				Context: runtimeCtx,
			},
		},
	}

	runtimeDir := t.TempDir()

	options := launch.Options{
		Store:          store,
		Host:           exports.Host{Root: hostRoot, Home: "/home/alice", XDGDirs: map[string]string{}},
		SupervisorPath: "/bin/true",
		RuntimeBaseDir: runtimeDir,
		Debugf:         t.Logf,
	}

	if opts != nil {
		opts(&options)
	}

	launcher, err := launch.NewLauncher(options)
	if err != nil {
		t.Fatalf("NewLauncher: %v", err)
	}

	return &testEnv{store: store, launcher: launcher, runtimeDir: runtimeDir, hostRoot: hostRoot}
}

func mustPlan(t *testing.T, env *testEnv, spec launch.Spec) *launch.Plan {
	t.Helper()

	plan, err := env.launcher.Plan(context.Background(), spec)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	t.Cleanup(plan.Close)

	return plan
}

func helloSpec() launch.Spec {
	return launch.Spec{
		App:     launch.Ref{Kind: launch.RefApp, Name: "org.example.Hello", Arch: "x86_64", Branch: "stable"},
		Command: "/app/bin/hello",
	}
}

func mustContainSubsequence(t *testing.T, args, sub []string) {
	t.Helper()

	for i := 0; i+len(sub) <= len(args); i++ {
		if slices.Equal(args[i:i+len(sub)], sub) {
			return
		}
	}

	t.Fatalf("subsequence %v not found in argv:\n%v", sub, args)
}

func Test_Plan_BuildsNamespaceFlagsAndTreeBinds(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil, nil)

	plan := mustPlan(t, env, helloSpec())

	if plan.Argv[0] != "/bin/true" {
		t.Fatalf("argv[0] = %q", plan.Argv[0])
	}

	mustContainSubsequence(t, plan.Argv, []string{"--unshare-user", "--unshare-pid", "--die-with-parent"})

	// Nothing shared: both namespaces are unshared.
	mustContainSubsequence(t, plan.Argv, []string{"--unshare-net"})
	mustContainSubsequence(t, plan.Argv, []string{"--unshare-ipc"})

	mustContainSubsequence(t, plan.Argv, []string{"--ro-bind", "/var/lib/flatpak/runtime/org.example.Platform/active/files", "/usr"})
	mustContainSubsequence(t, plan.Argv, []string{"--ro-bind", "/var/lib/flatpak/app/org.example.Hello/active/files", "/app"})

	// The command terminates the vector after the sentinel.
	sep := slices.Index(plan.Argv, "--")
	if sep < 0 || plan.Argv[len(plan.Argv)-1] != "/app/bin/hello" {
		t.Fatalf("command placement wrong: %v", plan.Argv)
	}

	if env.store.locks != 1 {
		t.Fatalf("deploy locks = %d, want 1", env.store.locks)
	}
}

func Test_Plan_SharedNetwork_KeepsHostNet(t *testing.T) {
	t.Parallel()

	runtimeCtx := permissions.New()
	runtimeCtx.Shares = permissions.ShareNetwork
	runtimeCtx.SharesValid = permissions.ShareNetwork

	env := newTestEnv(t, nil, runtimeCtx, nil)

	plan := mustPlan(t, env, helloSpec())

	if slices.Contains(plan.Argv, "--unshare-net") {
		t.Fatalf("network shared but --unshare-net emitted:\n%v", plan.Argv)
	}

	if !slices.Contains(plan.Argv, "--unshare-ipc") {
		t.Fatal("ipc not shared but --unshare-ipc missing")
	}
}

func Test_Plan_BundlesEnvironmentArgs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil, nil)

	plan := mustPlan(t, env, helloSpec())

	if !slices.Contains(plan.Argv, "--args") {
		t.Fatalf("environment was not bundled:\n%v", plan.Argv)
	}

	if slices.Contains(plan.Argv, "--setenv") {
		t.Fatalf("raw --setenv leaked out of the bundle:\n%v", plan.Argv)
	}

	// The concrete env still rides the plan for the supervisor process.
	if plan.Env["FLATPAK_ID"] != "org.example.Hello" {
		t.Fatalf("plan env FLATPAK_ID = %q", plan.Env["FLATPAK_ID"])
	}

	if plan.Env["FLATPAK_SANDBOX_DIR"] != "/run/flatpak/"+plan.InstanceID {
		t.Fatalf("plan env FLATPAK_SANDBOX_DIR = %q", plan.Env["FLATPAK_SANDBOX_DIR"])
	}
}

func Test_Plan_SealsAppInfo(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil, nil)

	plan := mustPlan(t, env, helloSpec())

	idx := slices.Index(plan.Argv, "--ro-bind-data")
	if idx < 0 || plan.Argv[idx+2] != "/.flatpak-info" {
		t.Fatalf("no app-info mount in argv:\n%v", plan.Argv)
	}

	data, err := os.ReadFile(filepath.Join(env.runtimeDir, plan.InstanceID, instance.InfoFile))
	if err != nil {
		t.Fatalf("reading instance info: %v", err)
	}

	text := string(data)

	for _, want := range []string{"[Application]", "org.example.Hello", "[Instance]", "deadbeef"} {
		if !strings.Contains(text, want) {
			t.Fatalf("instance info missing %q:\n%s", want, text)
		}
	}
}

func Test_Plan_MissingApp_ReturnsNotFound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil, nil)

	spec := helloSpec()
	spec.App.Name = "org.example.Missing"

	_, err := env.launcher.Plan(context.Background(), spec)
	if !errors.Is(err, launch.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func Test_Plan_Cancelled_ReleasesLock(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.launcher.Plan(ctx, helloSpec())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	if env.store.unlocks != env.store.locks {
		t.Fatalf("locks=%d unlocks=%d after cancellation", env.store.locks, env.store.unlocks)
	}
}

func Test_Plan_Close_RemovesInstanceDir(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil, nil)

	plan, err := env.launcher.Plan(context.Background(), helloSpec())
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	stateDir := filepath.Join(env.runtimeDir, plan.InstanceID)

	if _, statErr := os.Stat(stateDir); statErr != nil {
		t.Fatalf("state dir missing before close: %v", statErr)
	}

	plan.Close()

	if _, statErr := os.Stat(stateDir); !os.IsNotExist(statErr) {
		t.Fatalf("state dir survived close: %v", statErr)
	}

	if env.store.unlocks != 1 {
		t.Fatalf("deploy lock not released: unlocks=%d", env.store.unlocks)
	}
}

func Test_Plan_BindsOnlyProxySocket_When_ProxyEnabled(t *testing.T) {
	t.Parallel()

	appCtx := permissions.New()
	appCtx.SessionBusPolicy["org.example.Svc"] = permissions.BusTalk

	proxyScript := filepath.Join(t.TempDir(), "fake-proxy")

	err := os.WriteFile(proxyScript, []byte("#!/bin/sh\nprintf x >&3\nexec sleep 60\n"), 0o755)
	if err != nil {
		t.Fatalf("write fake proxy: %v", err)
	}

	env := newTestEnv(t, appCtx, nil, func(o *launch.Options) {
		o.ProxyPath = proxyScript
		o.SessionBusAddress = "unix:path=/run/user/1000/bus"
	})

	plan := mustPlan(t, env, helloSpec())

	var proxyBind string

	for i, arg := range plan.Argv {
		if arg == "--ro-bind" && i+2 < len(plan.Argv) && plan.Argv[i+2] == "/run/flatpak/bus" {
			proxyBind = plan.Argv[i+1]
		}

		// The direct session socket must never be exposed as a fallback.
		if arg == "/run/user/1000/bus" {
			t.Fatalf("direct session socket leaked into argv:\n%v", plan.Argv)
		}
	}

	if proxyBind == "" {
		t.Fatalf("no proxied session socket bind in argv:\n%v", plan.Argv)
	}

	if plan.Env["DBUS_SESSION_BUS_ADDRESS"] != "unix:path=/run/flatpak/bus" {
		t.Fatalf("session bus address = %q", plan.Env["DBUS_SESSION_BUS_ADDRESS"])
	}
}

func Test_Launch_RunsSupervisorAndTearsDown(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil, nil)

	inst, err := env.launcher.Launch(context.Background(), helloSpec())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	code, err := inst.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}

	stateDir := filepath.Join(env.runtimeDir, inst.ID)
	if _, statErr := os.Stat(stateDir); !os.IsNotExist(statErr) {
		t.Fatalf("state dir survived Wait: %v", statErr)
	}

	if env.store.unlocks != 1 {
		t.Fatalf("deploy lock not released after Wait: unlocks=%d", env.store.unlocks)
	}
}

func Test_Launch_MissingSupervisor_ReturnsSupervisorError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil, func(o *launch.Options) {
		o.SupervisorPath = "/no/such/supervisor"
	})

	_, err := env.launcher.Launch(context.Background(), helloSpec())
	if !errors.Is(err, launch.ErrSupervisor) {
		t.Fatalf("err = %v, want ErrSupervisor", err)
	}
}
