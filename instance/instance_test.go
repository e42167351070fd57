//go:build linux

package instance_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/flatpak/launcher/instance"
	"github.com/flatpak/launcher/permissions"
)

func Test_Allocate_PicksSmallestFreeID(t *testing.T) {
	t.Parallel()

	base := t.TempDir()

	for _, existing := range []string{"1", "2", "5"} {
		if err := os.Mkdir(filepath.Join(base, existing), 0o700); err != nil {
			t.Fatalf("mkdir %s: %v", existing, err)
		}
	}

	state, err := instance.Allocate(base)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	defer func() { _ = state.Release() }()

	if state.ID != "3" {
		t.Fatalf("id = %s, want 3", state.ID)
	}

	if state.Dir != filepath.Join(base, "3") {
		t.Fatalf("dir = %s", state.Dir)
	}
}

func Test_Allocate_IgnoresNonNumericEntries(t *testing.T) {
	t.Parallel()

	base := t.TempDir()

	for _, existing := range []string{"junk", "-4", "0"} {
		if err := os.Mkdir(filepath.Join(base, existing), 0o700); err != nil {
			t.Fatalf("mkdir %s: %v", existing, err)
		}
	}

	state, err := instance.Allocate(base)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	defer func() { _ = state.Release() }()

	if state.ID != "1" {
		t.Fatalf("id = %s, want 1", state.ID)
	}
}

func Test_Allocate_ConcurrentLaunches_GetDistinctIDs(t *testing.T) {
	t.Parallel()

	base := t.TempDir()

	const n = 16

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]bool, n)
	)

	errCh := make(chan error, n)

	for range n {
		wg.Add(1)

		go func() {
			defer wg.Done()

			state, err := instance.Allocate(base)
			if err != nil {
				errCh <- err

				return
			}

			mu.Lock()
			defer mu.Unlock()

			if ids[state.ID] {
				t.Errorf("id %s allocated twice", state.ID)
			}

			ids[state.ID] = true
		}()
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("Allocate: %v", err)
	}

	if len(ids) != n {
		t.Fatalf("got %d distinct ids, want %d", len(ids), n)
	}
}

func Test_Release_RemovesStateDir(t *testing.T) {
	t.Parallel()

	base := t.TempDir()

	state, err := instance.Allocate(base)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	dir := state.Dir

	err = state.WriteInfo([]byte("[Application]\nname=org.example.App\n"))
	if err != nil {
		t.Fatalf("WriteInfo: %v", err)
	}

	err = state.WritePID(4242)
	if err != nil {
		t.Fatalf("WritePID: %v", err)
	}

	err = state.Release()
	if err != nil {
		t.Fatalf("Release: %v", err)
	}

	if _, statErr := os.Stat(dir); !os.IsNotExist(statErr) {
		t.Fatalf("state dir still exists: %v", statErr)
	}

	// Idempotent.
	if err = state.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func Test_AppInfo_Render_ContainsAllGroups(t *testing.T) {
	t.Parallel()

	ctx := permissions.New()
	ctx.Shares = permissions.ShareNetwork
	ctx.SharesValid = permissions.ShareNetwork
	ctx.SetFilesystem("xdg-download/Stuff", permissions.ModeReadOnly)
	ctx.SessionBusPolicy["org.example.Svc"] = permissions.BusTalk

	info := instance.AppInfo{
		AppID:           "org.example.Hello",
		Runtime:         "runtime/org.example.Platform/x86_64/stable",
		Arch:            "x86_64",
		Branch:          "stable",
		Commit:          "deadbeef",
		Devel:           true,
		InstanceID:      "7",
		OriginalAppPath: "/var/lib/flatpak/app/org.example.Hello",
		AppPath:         "/var/lib/flatpak/app/org.example.Hello/active/files",
		RuntimePath:     "/var/lib/flatpak/runtime/org.example.Platform/active/files",
		SessionBusProxy: true,
		Context:         ctx,
	}

	data, err := info.Render()
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	text := string(data)

	for _, want := range []string{
		"[Application]",
		"name",
		"org.example.Hello",
		"devel",
		"[Instance]",
		"instance-id",
		"session-bus-proxy",
		"[Context]",
		"network",
		"xdg-download/Stuff:ro",
		"[Session Bus Policy]",
		"org.example.Svc",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("rendered document missing %q:\n%s", want, text)
		}
	}

	// Flattened context: no negation syntax survives.
	if strings.Contains(text, "!") {
		t.Fatalf("rendered document contains negations:\n%s", text)
	}
}
