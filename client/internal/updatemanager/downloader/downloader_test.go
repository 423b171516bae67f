package downloader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uerrors "github.com/srika/srika/client/errors"
)

var fullRange = ProgressRange{From: 0, To: 100}

func newTestDownloader(srv *httptest.Server, opts ...Option) *Downloader {
	base := []Option{
		WithAllowedHosts("127.0.0.1"),
		WithTLSConfig(srv.Client().Transport.(*http.Transport).TLSClientConfig),
	}
	return New(append(base, opts...)...)
}

func TestValidateURL(t *testing.T) {
	d := New()

	tests := []struct {
		url     string
		allowed bool
	}{
		{"https://github.com/srika/srika/releases/download/v1.0.1/app.zip", true},
		{"https://objects.githubusercontent.com/release/app.zip", true},
		{"https://GitHub.com/app.zip", true},
		{"http://github.com/app.zip", false},
		{"https://github.com.evil.com/app.zip", false},
		{"https://evilgithub.com/app.zip", false},
		{"ftp://github.com/app.zip", false},
		{"://bad", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := d.ValidateURL(tt.url)
			if tt.allowed {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrUnauthorizedURL)
			assert.Equal(t, uerrors.FatalAttempt, uerrors.SeverityOf(err))
		})
	}
}

func TestDownload_Success(t *testing.T) {
	payload := bytes.Repeat([]byte("srika"), 20000)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "versions", "1.0.1.zip")
	var progress []int
	res, err := newTestDownloader(srv).Download(context.Background(), srv.URL+"/app.zip", dst, ProgressRange{From: 2, To: 85}, func(p int) {
		progress = append(progress, p)
	})
	require.NoError(t, err)

	sum := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.SHA256)
	assert.Equal(t, int64(len(payload)), res.Size)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	require.NotEmpty(t, progress)
	assert.Equal(t, 85, progress[len(progress)-1])
	for i := 1; i < len(progress); i++ {
		assert.Greater(t, progress[i], progress[i-1], "progress must be strictly increasing")
	}
	assert.GreaterOrEqual(t, progress[0], 2)
}

func TestDownload_Stalled(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1024")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "1.0.1.zip")
	start := time.Now()
	_, err := newTestDownloader(srv, WithInactivityTimeout(200*time.Millisecond)).
		Download(context.Background(), srv.URL, dst, fullRange, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStalled)
	assert.True(t, uerrors.IsRetryable(err))
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.NoFileExists(t, dst)
}

func TestDownload_SlowButSteadyIsNotStalled(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
		for i := 0; i < 10; i++ {
			_, _ = w.Write([]byte("x"))
			w.(http.Flusher).Flush()
			time.Sleep(50 * time.Millisecond)
		}
	}))
	defer srv.Close()

	res, err := newTestDownloader(srv, WithInactivityTimeout(300*time.Millisecond)).
		Download(context.Background(), srv.URL, filepath.Join(t.TempDir(), "a.zip"), fullRange, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Size)
}

func TestDownload_Empty(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "a.zip")
	_, err := newTestDownloader(srv).Download(context.Background(), srv.URL, dst, fullRange, nil)
	assert.ErrorIs(t, err, ErrEmptyDownload)
	assert.NoFileExists(t, dst)
}

func TestDownload_BadStatus(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "a.zip")
	_, err := newTestDownloader(srv).Download(context.Background(), srv.URL, dst, fullRange, nil)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.True(t, uerrors.IsRetryable(err))
	assert.NoFileExists(t, dst)
}

func TestDownload_UnauthorizedBeforeNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	d := New(WithTLSConfig(srv.Client().Transport.(*http.Transport).TLSClientConfig))
	_, err := d.Download(context.Background(), srv.URL, filepath.Join(t.TempDir(), "a.zip"), fullRange, nil)
	assert.ErrorIs(t, err, ErrUnauthorizedURL)
	assert.Equal(t, int32(0), hits.Load())
}

func TestDownload_RedirectRevalidated(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/plain":
			http.Redirect(w, r, "http://127.0.0.1/app.zip", http.StatusFound)
		case "/foreign":
			http.Redirect(w, r, "https://attacker.example/app.zip", http.StatusFound)
		case "/hop":
			http.Redirect(w, r, "/final", http.StatusFound)
		case "/final":
			_, _ = w.Write([]byte("ok"))
		default:
			http.Redirect(w, r, r.URL.Path, http.StatusFound)
		}
	}))
	defer srv.Close()

	d := newTestDownloader(srv)
	dir := t.TempDir()

	_, err := d.Download(context.Background(), srv.URL+"/plain", filepath.Join(dir, "a.zip"), fullRange, nil)
	assert.ErrorIs(t, err, ErrUnauthorizedURL)
	assert.Equal(t, uerrors.FatalAttempt, uerrors.SeverityOf(err))

	_, err = d.Download(context.Background(), srv.URL+"/foreign", filepath.Join(dir, "a.zip"), fullRange, nil)
	assert.ErrorIs(t, err, ErrUnauthorizedURL)

	_, err = d.Download(context.Background(), srv.URL+"/loop", filepath.Join(dir, "a.zip"), fullRange, nil)
	assert.ErrorIs(t, err, ErrTooManyRedirects)
	assert.True(t, uerrors.IsRetryable(err))

	res, err := d.Download(context.Background(), srv.URL+"/hop", filepath.Join(dir, "a.zip"), fullRange, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Size)
}

func TestDownloadToMemory_Limit(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("a"), 64))
	}))
	defer srv.Close()

	d := newTestDownloader(srv)

	data, err := d.DownloadToMemory(context.Background(), srv.URL, 64)
	require.NoError(t, err)
	assert.Len(t, data, 64)

	_, err = d.DownloadToMemory(context.Background(), srv.URL, 63)
	assert.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestProgressReporter_UnknownLength(t *testing.T) {
	var got []int
	p := newProgressReporter(ProgressRange{From: 2, To: 85}, -1, func(v int) { got = append(got, v) })
	p.update(100)
	p.finish()
	assert.Equal(t, []int{85}, got)
}
