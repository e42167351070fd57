package permissions_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/flatpak/launcher/permissions"
)

const sampleMetadata = `[Context]
shared=network;ipc;
sockets=x11;wayland;pulseaudio;session-bus;system-bus;fallback-x11;ssh-auth;pcsc;cups;
devices=dri;kvm;
features=devel;multiarch;
filesystems=host;/home;!/opt;host-etc;xdg-download/Stuff;~/Music;/srv/obs/debian\:sid:create;
persistent=.openarena;
unset-environment=LD_AUDIT;

[Session Bus Policy]
org.example.SessionService=own
org.example.Other=talk

[System Bus Policy]
net.example.SystemService=talk

[Environment]
HYPOTHETICAL_PATH=/foo:/bar
LD_PRELOAD=

[Policy Colours]
primary=red;green;
`

func Test_Load_ParsesAllGroups(t *testing.T) {
	t.Parallel()

	c, err := permissions.Load([]byte(sampleMetadata))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if c.Shares != permissions.ShareNetwork|permissions.ShareIPC {
		t.Fatalf("shares = %v", c.Shares)
	}

	if c.SharesValid != c.Shares {
		t.Fatalf("shares valid = %v", c.SharesValid)
	}

	wantSockets := permissions.SocketX11 | permissions.SocketWayland | permissions.SocketPulseAudio |
		permissions.SocketSessionBus | permissions.SocketSystemBus | permissions.SocketFallbackX11 |
		permissions.SocketSSHAuth | permissions.SocketPCSC | permissions.SocketCups
	if c.Sockets != wantSockets {
		t.Fatalf("sockets = %v", c.Sockets)
	}

	if c.Devices != permissions.DeviceDRI|permissions.DeviceKVM {
		t.Fatalf("devices = %v", c.Devices)
	}

	if c.Features != permissions.FeatureDevel|permissions.FeatureMultiarch {
		t.Fatalf("features = %v", c.Features)
	}

	wantFS := []permissions.FilesystemEntry{
		{Token: "host", Mode: permissions.ModeReadWrite},
		{Token: "/home", Mode: permissions.ModeReadWrite},
		{Token: "/opt", Mode: permissions.ModeNone},
		{Token: "host-etc", Mode: permissions.ModeReadWrite},
		{Token: "xdg-download/Stuff", Mode: permissions.ModeReadWrite},
		{Token: "home/Music", Mode: permissions.ModeReadWrite},
		{Token: "/srv/obs/debian:sid", Mode: permissions.ModeCreate},
	}
	if diff := cmp.Diff(wantFS, c.Filesystems); diff != "" {
		t.Fatalf("filesystems mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{".openarena"}, c.Persistent); diff != "" {
		t.Fatalf("persistent mismatch (-want +got):\n%s", diff)
	}

	wantEnv := map[string]permissions.EnvValue{
		"LD_AUDIT":          {Unset: true},
		"LD_PRELOAD":        {Unset: true}, // empty value is an explicit unset
		"HYPOTHETICAL_PATH": {Value: "/foo:/bar"},
	}
	if diff := cmp.Diff(wantEnv, c.Env); diff != "" {
		t.Fatalf("env mismatch (-want +got):\n%s", diff)
	}

	wantSession := map[string]permissions.BusPolicy{
		"org.example.SessionService": permissions.BusOwn,
		"org.example.Other":          permissions.BusTalk,
	}
	if diff := cmp.Diff(wantSession, c.SessionBusPolicy); diff != "" {
		t.Fatalf("session policy mismatch (-want +got):\n%s", diff)
	}

	wantSystem := map[string]permissions.BusPolicy{
		"net.example.SystemService": permissions.BusTalk,
	}
	if diff := cmp.Diff(wantSystem, c.SystemBusPolicy); diff != "" {
		t.Fatalf("system policy mismatch (-want +got):\n%s", diff)
	}

	wantPolicy := map[string][]string{"Colours.primary": {"red", "green"}}
	if diff := cmp.Diff(wantPolicy, c.GenericPolicy); diff != "" {
		t.Fatalf("generic policy mismatch (-want +got):\n%s", diff)
	}
}

func Test_Load_RejectsUnknownPermission(t *testing.T) {
	t.Parallel()

	_, err := permissions.Load([]byte("[Context]\nsockets=x11;teleport;\n"))
	if err == nil {
		t.Fatal("unknown socket accepted")
	}
}

func Test_Load_NegatedBitsetWord_SetsValidOnly(t *testing.T) {
	t.Parallel()

	c, err := permissions.Load([]byte("[Context]\nshared=!network;\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if c.Shares&permissions.ShareNetwork != 0 {
		t.Fatal("negated share set the value bit")
	}

	if c.SharesValid&permissions.ShareNetwork == 0 {
		t.Fatal("negated share did not set the valid bit")
	}
}

func Test_Load_RejectsSetAndUnsetConflict(t *testing.T) {
	t.Parallel()

	doc := "[Context]\nunset-environment=LD_PRELOAD;\n\n[Environment]\nLD_PRELOAD=/lib/hook.so\n"

	_, err := permissions.Load([]byte(doc))
	if !errors.Is(err, permissions.ErrDuplicateKey) {
		t.Fatalf("err = %v, want ErrDuplicateKey", err)
	}
}

func Test_LoadLenient_CollectsWarnings(t *testing.T) {
	t.Parallel()

	doc := "[Context]\nsockets=x11;quantum-link;\nfilesystems=host;bogus-token;\n"

	c, warnings, err := permissions.LoadLenient([]byte(doc))
	if err != nil {
		t.Fatalf("LoadLenient: %v", err)
	}

	if len(warnings) != 2 {
		t.Fatalf("warnings = %q, want 2 entries", warnings)
	}

	if c.Sockets != permissions.SocketX11 {
		t.Fatalf("sockets = %v, want x11 only", c.Sockets)
	}

	if _, ok := c.FilesystemMode("host"); !ok {
		t.Fatal("host grant lost")
	}
}

func Test_SaveLoad_RoundTrips(t *testing.T) {
	t.Parallel()

	orig, err := permissions.Load([]byte(sampleMetadata))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	saved, err := orig.Save(false)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := permissions.Load(saved)
	if err != nil {
		t.Fatalf("reload: %v\ndocument:\n%s", err, saved)
	}

	if diff := cmp.Diff(orig, reloaded); diff != "" {
		t.Fatalf("round trip mismatch (-orig +reloaded):\n%s", diff)
	}
}

func Test_Save_Flatten_DropsNegations(t *testing.T) {
	t.Parallel()

	c := permissions.New()
	c.SharesValid = permissions.ShareNetwork | permissions.ShareIPC
	c.Shares = permissions.ShareNetwork
	c.SetFilesystem("host", permissions.ModeReadWrite)
	c.SetFilesystem("/opt", permissions.ModeNone)

	flat, err := c.Save(true)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	text := string(flat)
	if strings.Contains(text, "!") {
		t.Fatalf("flattened document still contains negations:\n%s", text)
	}

	if !strings.Contains(text, "network") {
		t.Fatalf("flattened document lost the network share:\n%s", text)
	}

	if strings.Contains(text, "/opt") {
		t.Fatalf("flattened document still mentions the denied path:\n%s", text)
	}
}
