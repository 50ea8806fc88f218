package updater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/classinsights/agent/internal/audit"
)

type fakeSource struct {
	version     string
	versionErr  error
	installer   []byte
	downloadErr error
	downloads   int
}

func (f *fakeSource) GetClientVersion(ctx context.Context) (string, error) {
	return f.version, f.versionErr
}

func (f *fakeSource) DownloadClientInstaller(ctx context.Context, w io.Writer) (int64, error) {
	f.downloads++
	if f.downloadErr != nil {
		return 0, f.downloadErr
	}
	n, err := w.Write(f.installer)
	return int64(n), err
}

type recordingJournal struct {
	events []string
	last   map[string]any
}

func (j *recordingJournal) Record(eventType, subject string, details map[string]any) {
	j.events = append(j.events, eventType+":"+subject)
	j.last = details
}

func TestNeedsUpdate(t *testing.T) {
	tests := []struct {
		current, latest string
		want            bool
	}{
		{"2.4.0", "2.4.0", false},
		{"2.4.0", " v2.4.0\n", false},
		{"2.4.0", "2.5.0", true},
		{"2.4.0", "2.3.9", true},
		{"2.4.0", "", false},
		{"dev", "2.4.0", true},
	}
	for _, tt := range tests {
		if got := NeedsUpdate(tt.current, tt.latest); got != tt.want {
			t.Errorf("NeedsUpdate(%q, %q) = %v, want %v", tt.current, tt.latest, got, tt.want)
		}
	}
}

func TestInstallerCommand(t *testing.T) {
	name, args := InstallerCommand("windows", `C:\Temp\ci.msi`)
	if name != "msiexec" || !reflect.DeepEqual(args, []string{"/i", `C:\Temp\ci.msi`, "/qn"}) {
		t.Fatalf("windows installer = %s %v", name, args)
	}
	name, args = InstallerCommand("linux", "/tmp/ci-agent")
	if name != "/tmp/ci-agent" || len(args) != 0 {
		t.Fatalf("linux installer = %s %v", name, args)
	}
}

func TestUpdateUpToDateDoesNothing(t *testing.T) {
	src := &fakeSource{version: "2.4.0"}
	launched := false
	u := New(Config{
		Source:         src,
		CurrentVersion: "2.4.0",
		Dir:            t.TempDir(),
		Launcher:       func(string, string) error { launched = true; return nil },
	})

	res, err := u.Update(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Installed || launched || src.downloads != 0 {
		t.Fatalf("up-to-date agent should not download or install: %+v", res)
	}
}

func TestUpdateDownloadsAndLaunches(t *testing.T) {
	payload := []byte("MSI installer bytes")
	src := &fakeSource{version: "2.5.0", installer: payload}
	journal := &recordingJournal{}
	dir := t.TempDir()

	var gotOS, gotPath string
	var gotContent []byte
	u := New(Config{
		Source:         src,
		CurrentVersion: "2.4.0",
		Dir:            dir,
		Journal:        journal,
		GOOS:           "windows",
		Launcher: func(goos, path string) error {
			gotOS, gotPath = goos, path
			var err error
			gotContent, err = os.ReadFile(path)
			return err
		},
	})

	res, err := u.Update(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Installed || res.Latest != "2.5.0" {
		t.Fatalf("unexpected result %+v", res)
	}
	if gotOS != "windows" || filepath.Dir(gotPath) != dir || !strings.HasSuffix(gotPath, ".msi") {
		t.Fatalf("launched %s on %s", gotPath, gotOS)
	}
	if string(gotContent) != string(payload) {
		t.Fatalf("installer content = %q", gotContent)
	}

	sum := sha256.Sum256(payload)
	if res.Checksum != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum = %s", res.Checksum)
	}
	if len(journal.events) != 1 || journal.events[0] != audit.EventUpdateInstall+":2.5.0" {
		t.Fatalf("journal events = %v", journal.events)
	}
	if journal.last["from"] != "2.4.0" {
		t.Fatalf("journal details = %v", journal.last)
	}
}

func TestUpdateRemovesInstallerOnLaunchFailure(t *testing.T) {
	src := &fakeSource{version: "2.5.0", installer: []byte("x")}
	dir := t.TempDir()
	u := New(Config{
		Source:         src,
		CurrentVersion: "2.4.0",
		Dir:            dir,
		Launcher:       func(string, string) error { return errors.New("exec format error") },
	})

	res, err := u.Update(context.Background())
	if err == nil {
		t.Fatal("expected launch error")
	}
	if _, statErr := os.Stat(res.Path); !os.IsNotExist(statErr) {
		t.Fatalf("installer should be removed, stat err = %v", statErr)
	}
}

func TestUpdateDownloadFailureLeavesNoFile(t *testing.T) {
	src := &fakeSource{version: "2.5.0", downloadErr: errors.New("connection reset")}
	dir := t.TempDir()
	u := New(Config{Source: src, CurrentVersion: "2.4.0", Dir: dir, Launcher: func(string, string) error {
		t.Fatal("launcher must not run")
		return nil
	}})

	if _, err := u.Update(context.Background()); err == nil {
		t.Fatal("expected download error")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("download dir should be empty, has %d entries", len(entries))
	}
}

func TestUpdateRejectsEmptyInstaller(t *testing.T) {
	src := &fakeSource{version: "2.5.0"}
	u := New(Config{Source: src, CurrentVersion: "2.4.0", Dir: t.TempDir(), Launcher: func(string, string) error { return nil }})

	if _, err := u.Update(context.Background()); err == nil {
		t.Fatal("expected error for empty installer")
	}
}

func TestCheckPropagatesErrors(t *testing.T) {
	u := New(Config{Source: &fakeSource{versionErr: errors.New("503")}})
	if _, _, err := u.Check(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestFileChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("hello"), 0600); err != nil {
		t.Fatal(err)
	}
	got, err := fileChecksum(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Fatalf("checksum = %s", got)
	}
}
