//go:build linux

// flatpak-launch runs a deployed application inside its sandbox: it merges
// the permission documents, projects the filesystem, starts the bus proxies,
// and executes the container supervisor.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/flatpak/launcher/exports"
	"github.com/flatpak/launcher/launch"
	"github.com/flatpak/launcher/permissions"
)

const executableName = "flatpak-launch"

// exitCodeSIGINT is the exit code when interrupted (128 + 2).
const exitCodeSIGINT = 130

func main() {
	env := make(map[string]string, len(os.Environ()))

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}

		env[key] = value
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	os.Exit(Run(os.Stdout, os.Stderr, os.Args, env, sigCh))
}

// Run is the isolated entry point: no globals beyond what the caller hands
// in, returns the exit code.
func Run(stdout, stderr io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	flags := flag.NewFlagSet(executableName, flag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.Usage = func() {}
	flags.SetOutput(&strings.Builder{})

	flagHelp := flags.BoolP("help", "h", false, "Show help")
	flagConfig := flags.StringP("config", "c", "", "Use specified config `file`")
	flagDebug := flags.Bool("debug", false, "Print launch details to stderr")
	flagDryRun := flags.Bool("dry-run", false, "Print the supervisor command without executing")

	flagRuntime := flags.String("runtime", "", "Override the runtime `ref`")
	flagCwd := flags.String("cwd", "", "Working directory inside the sandbox")
	flagCommand := flags.String("command", "", "Command to run instead of /app/bin/<app-id>")

	flagDevel := flags.Bool("devel", false, "Enable development permissions")
	flagSandbox := flags.Bool("sandbox", false, "Drop all metadata permissions")
	flagBackground := flags.Bool("background", false, "Detach from the controlling terminal")
	flagNoSessionHelper := flags.Bool("no-session-helper", false, "Skip the session helper bus grant")
	flagNoNameResolution := flags.Bool("no-talk-name-resolution", false, "Remove the name-resolution bus grant")

	flagShare := flags.StringArray("share", nil, "Share a resource (network, ipc)")
	flagUnshare := flags.StringArray("unshare", nil, "Unshare a resource")
	flagSocket := flags.StringArray("socket", nil, "Expose a socket")
	flagNoSocket := flags.StringArray("nosocket", nil, "Deny a socket")
	flagDevice := flags.StringArray("device", nil, "Expose a device class")
	flagFilesystem := flags.StringArray("filesystem", nil, "Grant a filesystem token")
	flagEnv := flags.StringArray("env", nil, "Set an environment variable (NAME=VALUE)")
	flagUnsetEnv := flags.StringArray("unset-env", nil, "Unset an environment variable")
	flagTalkName := flags.StringArray("talk-name", nil, "Allow talking to a session bus name")
	flagOwnName := flags.StringArray("own-name", nil, "Allow owning a session bus name")

	err := flags.Parse(args[1:])
	if err != nil {
		fprintError(stderr, err)
		printUsage(stderr)

		return 1
	}

	if *flagHelp {
		printUsage(stdout)

		return 0
	}

	rest := flags.Args()
	if len(rest) == 0 {
		fprintError(stderr, errors.New("no application ref given"))
		printUsage(stderr)

		return 1
	}

	appRef, err := parseAppRef(rest[0])
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	cfg, err := LoadConfig(*flagConfig, env)
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	debug := NewDebugLogger(nil)
	if *flagDebug {
		debug = NewDebugLogger(stderr)
	}

	extra, err := contextFromFlags(flagValues{
		share:      *flagShare,
		unshare:    *flagUnshare,
		socket:     *flagSocket,
		nosocket:   *flagNoSocket,
		device:     *flagDevice,
		filesystem: *flagFilesystem,
		env:        *flagEnv,
		unsetEnv:   *flagUnsetEnv,
		talkName:   *flagTalkName,
		ownName:    *flagOwnName,
	})
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	host, err := exports.DefaultHost()
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	host.Debugf = debug.Logf

	runtimeBase := env["XDG_RUNTIME_DIR"]
	if runtimeBase == "" {
		runtimeBase = os.TempDir()
	}

	launcher, err := launch.NewLauncher(launch.Options{
		Store:             launch.NewDirStore(cfg.StoreRoot),
		Host:              host,
		SupervisorPath:    cfg.Supervisor,
		ProxyPath:         cfg.DbusProxy,
		ProxyReadyTimeout: cfg.ProxyTimeout(),
		RuntimeBaseDir:    filepath.Join(runtimeBase, ".flatpak"),
		SessionBusAddress: env["DBUS_SESSION_BUS_ADDRESS"],
		SystemBusAddress:  env["DBUS_SYSTEM_BUS_ADDRESS"],
		Debugf:            debug.Logf,
	})
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	var launchFlags launch.Flags

	if *flagDevel {
		launchFlags |= launch.FlagDevel
	}

	if *flagSandbox {
		launchFlags |= launch.FlagSandbox
	}

	if *flagBackground {
		launchFlags |= launch.FlagBackground
	}

	if *flagNoSessionHelper {
		launchFlags |= launch.FlagNoSessionHelper
	}

	if *flagNoNameResolution {
		launchFlags |= launch.FlagNoTalkNameResolution
	}

	spec := launch.Spec{
		App:     appRef,
		Extra:   extra,
		Flags:   launchFlags,
		Cwd:     *flagCwd,
		Command: *flagCommand,
		Args:    rest[1:],
	}

	if *flagRuntime != "" {
		runtimeRef, parseErr := launch.ParseRef("runtime/" + strings.TrimPrefix(*flagRuntime, "runtime/"))
		if parseErr != nil {
			fprintError(stderr, parseErr)

			return 1
		}

		spec.Runtime = &runtimeRef
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			<-sigCh
			cancel()
		}()
	}

	if *flagDryRun {
		plan, planErr := launcher.Plan(ctx, spec)
		if planErr != nil {
			fprintError(stderr, planErr)

			return 1
		}

		defer plan.Close()

		fprintf(stdout, "%s\n", renderCommandLine(plan.Argv))

		return 0
	}

	inst, err := launcher.Launch(ctx, spec)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return exitCodeSIGINT
		}

		fprintError(stderr, err)

		return 1
	}

	debug.Logf("instance %s started (supervisor pid %d)", inst.ID, inst.SupervisorPID())

	code, err := inst.Wait()
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	return code
}

// parseAppRef accepts either a full ref or a bare application id, defaulting
// arch and branch.
func parseAppRef(s string) (launch.Ref, error) {
	if strings.Contains(s, "/") {
		return launch.ParseRef(s)
	}

	return launch.Ref{Kind: launch.RefApp, Name: s, Arch: defaultArch(), Branch: "stable"}, nil
}

// flagValues collects the permission-bearing CLI flags.
type flagValues struct {
	share      []string
	unshare    []string
	socket     []string
	nosocket   []string
	device     []string
	filesystem []string
	env        []string
	unsetEnv   []string
	talkName   []string
	ownName    []string
}

// contextFromFlags renders the flag values as a permission document and
// parses it through the regular metadata path, so flag grammar and file
// grammar cannot drift apart.
func contextFromFlags(v flagValues) (*permissions.Context, error) {
	var doc strings.Builder

	doc.WriteString("[Context]\n")

	writeList := func(key string, positive, negative []string) {
		if len(positive) == 0 && len(negative) == 0 {
			return
		}

		items := make([]string, 0, len(positive)+len(negative))
		items = append(items, positive...)

		for _, item := range negative {
			items = append(items, "!"+item)
		}

		doc.WriteString(key + "=" + strings.Join(items, ";") + ";\n")
	}

	writeList("shared", v.share, v.unshare)
	writeList("sockets", v.socket, v.nosocket)
	writeList("devices", v.device, nil)
	writeList("filesystems", v.filesystem, nil)
	writeList("unset-environment", v.unsetEnv, nil)

	if len(v.talkName) > 0 || len(v.ownName) > 0 {
		doc.WriteString("\n[Session Bus Policy]\n")

		for _, name := range v.talkName {
			doc.WriteString(name + "=talk\n")
		}

		for _, name := range v.ownName {
			doc.WriteString(name + "=own\n")
		}
	}

	if len(v.env) > 0 {
		doc.WriteString("\n[Environment]\n")

		for _, kv := range v.env {
			name, value, ok := strings.Cut(kv, "=")
			if !ok || name == "" {
				return nil, fmt.Errorf("invalid --env %q: want NAME=VALUE", kv)
			}

			doc.WriteString(name + "=" + value + "\n")
		}
	}

	return permissions.Load([]byte(doc.String()))
}

func printUsage(w io.Writer) {
	fprintf(w, `Usage: %s [options] <app-ref> [args...]

Runs a deployed application inside its sandbox. <app-ref> is either an
application id (org.example.Hello) or a full ref (app/name/arch/branch).

Common options:
  --devel                  enable development permissions
  --sandbox                drop all metadata permissions
  --command=PATH           run PATH instead of /app/bin/<app-id>
  --filesystem=TOKEN       grant a filesystem token (host, ~/Music:ro, ...)
  --share=WHAT             share network or ipc
  --socket=NAME            expose a socket (x11, wayland, ...)
  --talk-name=NAME         allow talking to a session bus name
  --dry-run                print the supervisor command without executing
  --debug                  print launch details to stderr
`, executableName)
}

func fprintError(w io.Writer, err error) {
	fprintf(w, "%s: %v\n", executableName, err)
}

func fprintf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
