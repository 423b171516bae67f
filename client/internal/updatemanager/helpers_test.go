package updatemanager

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/srika/srika/client/internal/updatemanager/downloader"
	"github.com/srika/srika/client/internal/updatemanager/installer"
	"github.com/srika/srika/client/internal/updatemanager/layout"
	"github.com/srika/srika/client/internal/updatemanager/lock"
)

type releaseFeed struct {
	*httptest.Server

	mu           sync.Mutex
	tag          string
	checksum     string
	archive      []byte
	stall        bool
	metadataHits atomic.Int32
	archiveHits  atomic.Int32
}

func newReleaseFeed(t *testing.T, tag string, archive []byte) *releaseFeed {
	t.Helper()
	sum := sha256.Sum256(archive)
	f := &releaseFeed{tag: tag, archive: archive, checksum: hex.EncodeToString(sum[:])}

	f.Server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		tag, checksum, archive, stall := f.tag, f.checksum, f.archive, f.stall
		f.mu.Unlock()

		switch r.URL.Path {
		case "/repos/FrigonF/SRIKA/releases/latest", "/repos/FrigonF/SRIKA/releases/tags/" + tag:
			f.metadataHits.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"tag_name": tag,
				"body":     "Release notes\n\nSHA256: " + checksum + "\n",
				"assets": []map[string]interface{}{
					{"name": "SRIKA-" + tag + ".zip", "browser_download_url": f.URL + "/download/app.zip", "state": "uploaded"},
				},
			})
		case "/download/app.zip":
			f.archiveHits.Add(1)
			if stall {
				w.Header().Set("Content-Length", "4096")
				w.WriteHeader(http.StatusOK)
				w.(http.Flusher).Flush()
				select {
				case <-r.Context().Done():
				case <-time.After(5 * time.Second):
				}
				return
			}
			_, _ = w.Write(archive)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *releaseFeed) setChecksum(sum string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checksum = sum
}

func (f *releaseFeed) setStall(stall bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stall = stall
}

func (f *releaseFeed) downloader(opts ...downloader.Option) *downloader.Downloader {
	base := []downloader.Option{
		downloader.WithAllowedHosts("127.0.0.1"),
		downloader.WithTLSConfig(f.Client().Transport.(*http.Transport).TLSClientConfig),
	}
	return downloader.New(append(base, opts...)...)
}

func (f *releaseFeed) config() Config {
	cfg := DefaultConfig()
	cfg.APIBaseURL = f.URL
	cfg.AllowedHosts = []string{"127.0.0.1"}
	cfg.WaitAttempts = 2
	cfg.WaitInterval = Duration{time.Millisecond}
	return cfg
}

func appArchive(t *testing.T, v string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range map[string]string{
		"app.exe":            v,
		"resources/app.asar": "resources " + v,
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func installedLayout(t *testing.T, v string) layout.Layout {
	t.Helper()
	l, err := layout.New(t.TempDir(), "app.exe")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(l.CurrentDir(), 0o755))
	require.NoError(t, os.WriteFile(l.EntryPointIn(l.CurrentDir()), []byte(v), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(l.CurrentDir(), "version.txt"), []byte(v), 0o644))
	return l
}

// treeState lists every path under root with file contents, for before/after comparisons
func treeState(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		if info.IsDir() {
			out = append(out, rel+"/")
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out = append(out, rel+"="+string(data))
		return nil
	})
	require.NoError(t, err)
	sort.Strings(out)
	return out
}

type fakeLauncher struct {
	mu       sync.Mutex
	requests []installer.LaunchRequest
	pid      int
	err      error
}

func (f *fakeLauncher) Launch(_ context.Context, req installer.LaunchRequest) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return 0, f.err
	}
	return f.pid, nil
}

func (f *fakeLauncher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// ownPIDAlive treats only this test process as running
func ownPIDAlive() lock.Option {
	return lock.WithAliveFunc(func(_ context.Context, pid int) bool { return pid == os.Getpid() })
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) listen(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
