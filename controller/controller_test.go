package controller

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/clearlinux/autoupdate/updateerr"
)

func mustMkdirAll(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0755); err != nil {
		t.Fatal(err)
	}
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	mustMkdirAll(t, filepath.Dir(path))
	if err := ioutil.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func pollUntilTerminal(t *testing.T, c *Controller, timeout time.Duration) Snapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s := c.Snapshot()
		if s.State.IsTerminal() {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for terminal state, last seen %v", c.Snapshot())
	return Snapshot{}
}

func pollUntilState(t *testing.T, c *Controller, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.Snapshot().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, last seen %v", want, c.Snapshot())
}

func manifestServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
}

func TestControllerRefusesSourceCheckout(t *testing.T) {
	base := t.TempDir()
	mustWriteFile(t, filepath.Join(base, "run.sh"), "#!/bin/sh\n")

	_, err := New("https://example.invalid/updates.json", base, false)
	if err == nil {
		t.Fatal("expected construction to fail")
	}
	ue, ok := err.(*updateerr.UpdateError)
	if !ok || ue.Kind() != updateerr.RefusedSourceCheckout {
		t.Fatalf("expected RefusedSourceCheckout, got %v", err)
	}
}

func TestControllerNoOpWhenVersionsMatch(t *testing.T) {
	base := t.TempDir()
	mustWriteFile(t, filepath.Join(base, "a.txt"), "unchanged")
	mustWriteFile(t, filepath.Join(base, "update", "current.json"),
		`{"core":{"version":"1","files":["a.txt"],"directories":[],"xbit":[]}}`)

	srv := manifestServer(t, `{"core":{"version":"1","files":["a.txt"],"directories":[],"xbit":[],"digest":"x","url":"core.update"}}`)
	defer srv.Close()

	c, err := New(srv.URL+"/updates.json", base, false)
	if err != nil {
		t.Fatal(err)
	}

	c.Run()

	snap := c.Snapshot()
	if snap.State != StateUpdateNotAvailable {
		t.Fatalf("expected UPDATE_NOT_AVAILABLE, got %v (%s)", snap.State, snap.Message)
	}

	got, err := ioutil.ReadFile(filepath.Join(base, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "unchanged" {
		t.Fatalf("no-op must not touch files, got %q", got)
	}
}

func TestControllerCancelDuringUpdateAvailableLeavesInstallationUntouched(t *testing.T) {
	base := t.TempDir()
	mustWriteFile(t, filepath.Join(base, "a.txt"), "original")
	mustWriteFile(t, filepath.Join(base, "update", "current.json"),
		`{"core":{"version":"1","files":["a.txt"],"directories":[],"xbit":[]}}`)

	srv := manifestServer(t, `{"core":{"version":"2","files":["a.txt"],"directories":[],"xbit":[],"digest":"x","url":"core.update"}}`)
	defer srv.Close()

	c, err := New(srv.URL+"/updates.json", base, false)
	if err != nil {
		t.Fatal(err)
	}

	go c.Run()
	pollUntilState(t, c, StateUpdateAvailable, 2*time.Second)
	c.Cancel()

	snap := pollUntilTerminal(t, c, 2*time.Second)
	if snap.State != StateCancelled {
		t.Fatalf("expected CANCELLED, got %v (%s)", snap.State, snap.Message)
	}

	got, err := ioutil.ReadFile(filepath.Join(base, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "original" {
		t.Fatalf("cancel before PREPARING must not touch installed files, got %q", got)
	}
	if _, err := os.Stat(filepath.Join(base, "a.txt.new")); !os.IsNotExist(err) {
		t.Fatal("expected no .new sidecar after cancelling before unpacking")
	}
}

// writeTargetArchive builds a tar archive shaped the way the server's
// canonicalized target archive would be: the module's new installed
// snapshot at update/current.json, plus its files.
func writeTargetArchive(t *testing.T, path string, files map[string]string) {
	t.Helper()
	out, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = out.Close() }()

	tw := tar.NewWriter(out)
	defer func() { _ = tw.Close() }()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	for _, name := range names {
		content := files[name]
		hdr := &tar.Header{Name: name, Mode: 0666, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
}

func fileDigest(t *testing.T, path string) string {
	t.Helper()
	data, err := ioutil.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeCopyingFakeTool writes a shell script standing in for the delta
// tool: it copies the file named by the FAKE_ZSYNC_SRC environment
// variable onto the path given to -o, ignoring everything else.
func writeCopyingFakeTool(t *testing.T, dir string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tool script is POSIX shell only")
	}
	script := `#!/bin/sh
out=""
while [ "$#" -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift 2 ;;
    -k) shift 2 ;;
    -i) shift 2 ;;
    *) shift ;;
  esac
done
cp "$FAKE_ZSYNC_SRC" "$out"
`
	path := filepath.Join(dir, "fake-zsync.sh")
	if err := ioutil.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestControllerHappyPathUpdatesFileAndPrunesObsolete(t *testing.T) {
	base := t.TempDir()
	mustWriteFile(t, filepath.Join(base, "a.txt"), "old content")
	mustWriteFile(t, filepath.Join(base, "dir", "old.txt"), "leftover")
	mustWriteFile(t, filepath.Join(base, "update", "current.json"),
		`{"core":{"version":"1","files":["a.txt","dir/old.txt"],"directories":["dir"],"xbit":[]}}`)

	targetArchive := filepath.Join(base, "target-fixture.tar")
	writeTargetArchive(t, targetArchive, map[string]string{
		"update":             "",
		"update/current.json": `{"core":{"version":"2","files":["a.txt"],"directories":[],"xbit":[]}}`,
		"a.txt":              "new content",
	})
	digest := fileDigest(t, targetArchive)

	if err := os.Setenv("FAKE_ZSYNC_SRC", targetArchive); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Unsetenv("FAKE_ZSYNC_SRC") }()

	manifestBody := `{"core":{"version":"2","files":["a.txt"],"directories":[],"xbit":[],"digest":"` + digest + `","url":"core.update"}}`
	srv := manifestServer(t, manifestBody)
	defer srv.Close()

	c, err := New(srv.URL+"/updates.json", base, false)
	if err != nil {
		t.Fatal(err)
	}
	c.SetDeltaToolPath(writeCopyingFakeTool(t, base))

	go c.Run()
	pollUntilState(t, c, StateUpdateAvailable, 2*time.Second)
	c.Proceed()

	snap := pollUntilTerminal(t, c, 5*time.Second)
	if snap.State != StateDone {
		t.Fatalf("expected DONE, got %v (%s)", snap.State, snap.Message)
	}

	got, err := ioutil.ReadFile(filepath.Join(base, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "new content" {
		t.Fatalf("expected swapped content, got %q", got)
	}

	if _, err := os.Stat(filepath.Join(base, "dir", "old.txt")); !os.IsNotExist(err) {
		t.Fatal("expected obsolete file to be pruned")
	}
	if _, err := os.Stat(filepath.Join(base, "dir")); !os.IsNotExist(err) {
		t.Fatal("expected now-empty obsolete directory to be pruned")
	}

	snapshotData, err := ioutil.ReadFile(filepath.Join(base, "update", "current.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(snapshotData), `"version":"2"`) {
		t.Fatalf("expected saved snapshot to carry version 2: %s", snapshotData)
	}
}

func TestControllerDigestMismatchLeavesInstalledFileUntouched(t *testing.T) {
	base := t.TempDir()
	mustWriteFile(t, filepath.Join(base, "a.txt"), "old content")
	mustWriteFile(t, filepath.Join(base, "update", "current.json"),
		`{"core":{"version":"1","files":["a.txt"],"directories":[],"xbit":[]}}`)

	bogusArchive := filepath.Join(base, "bogus.tar")
	mustWriteFile(t, bogusArchive, "not what was expected")
	if err := os.Setenv("FAKE_ZSYNC_SRC", bogusArchive); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Unsetenv("FAKE_ZSYNC_SRC") }()

	manifestBody := `{"core":{"version":"2","files":["a.txt"],"directories":[],"xbit":[],"digest":"0000000000000000000000000000000000000000000000000000000000000000","url":"core.update"}}`
	srv := manifestServer(t, manifestBody)
	defer srv.Close()

	c, err := New(srv.URL+"/updates.json", base, false)
	if err != nil {
		t.Fatal(err)
	}
	c.SetDeltaToolPath(writeCopyingFakeTool(t, base))

	go c.Run()
	pollUntilState(t, c, StateUpdateAvailable, 2*time.Second)
	c.Proceed()

	snap := pollUntilTerminal(t, c, 5*time.Second)
	if snap.State != StateError {
		t.Fatalf("expected ERROR, got %v", snap.State)
	}

	got, err := ioutil.ReadFile(filepath.Join(base, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "old content" {
		t.Fatalf("digest mismatch must not touch installed files, got %q", got)
	}
}

func TestControllerForceUpdatesIdenticalVersions(t *testing.T) {
	base := t.TempDir()
	mustWriteFile(t, filepath.Join(base, "update", "current.json"),
		`{"core":{"version":"1","files":[],"directories":[],"xbit":[]}}`)

	srv := manifestServer(t, `{"core":{"version":"1","files":[],"directories":[],"xbit":[],"digest":"x","url":"core.update"}}`)
	defer srv.Close()

	c, err := New(srv.URL+"/updates.json", base, true)
	if err != nil {
		t.Fatal(err)
	}

	go c.Run()
	// With force=true and matching versions, the module is still stale, so
	// the controller must reach UPDATE_AVAILABLE rather than NOT_AVAILABLE.
	pollUntilState(t, c, StateUpdateAvailable, 2*time.Second)
	c.Cancel()
	pollUntilTerminal(t, c, 2*time.Second)
}

