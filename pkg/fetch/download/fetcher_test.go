package download

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingSleeper struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *recordingSleeper) Sleep(d time.Duration) {
	s.mu.Lock()
	s.slept = append(s.slept, d)
	s.mu.Unlock()
}

func (s *recordingSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.slept...)
}

func newTestFetcher(t *testing.T, client *http.Client, sleeper Sleeper) *Fetcher {
	t.Helper()

	cfg := Config{
		UserAgent:      "test-agent/1.0",
		MaxAttempts:    3,
		BaseRetryDelay: time.Second,
		Timeout:        10 * time.Second,
		XattrTags:      true,
	}
	opts := []Option{WithClient(client)}
	if sleeper != nil {
		opts = append(opts, WithSleeper(sleeper))
	}
	return New(cfg, opts...)
}

func TestFetchWritesFileAndMetadata(t *testing.T) {
	payload := bytes.Repeat([]byte("reddit media "), 400)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("ETag", "\"tag-1\"")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	outDir := t.TempDir()
	f := newTestFetcher(t, srv.Client(), &recordingSleeper{})
	res, err := f.Fetch(context.Background(), Request{URL: srv.URL + "/pics/photo.jpg", OutDir: outDir})
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}

	wantPath := filepath.Join(outDir, "photo.jpg")
	if res.Path != wantPath {
		t.Fatalf("Path = %q, want %q", res.Path, wantPath)
	}
	data, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatal("downloaded content differs from payload")
	}
	if res.Bytes != int64(len(payload)) {
		t.Fatalf("Bytes = %d, want %d", res.Bytes, len(payload))
	}
	sum := md5.Sum(payload)
	if res.MD5 != hex.EncodeToString(sum[:]) {
		t.Fatalf("MD5 = %s, want payload hash", res.MD5)
	}
	if res.ETag != "\"tag-1\"" {
		t.Fatalf("ETag = %q, want tag-1", res.ETag)
	}
	if res.ContentType != "image/jpeg" {
		t.Fatalf("ContentType = %q, want image/jpeg", res.ContentType)
	}

	leftovers, err := filepath.Glob(filepath.Join(outDir, "*.part-*"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(leftovers) != 0 {
		t.Fatalf("staging files left behind: %v", leftovers)
	}
}

func TestFetchStampsProvenance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.Client(), &recordingSleeper{})
	url := srv.URL + "/tagged.bin"
	res, err := f.Fetch(context.Background(), Request{URL: url, OutDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}

	got, err := OriginURL(res.Path)
	if err != nil {
		t.Skipf("user xattrs not supported here: %v", err)
	}
	if got != url {
		t.Fatalf("OriginURL = %q, want %q", got, url)
	}
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	payload := []byte("eventually fine")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	sleeper := &recordingSleeper{}
	outDir := t.TempDir()
	f := newTestFetcher(t, srv.Client(), sleeper)
	res, err := f.Fetch(context.Background(), Request{URL: srv.URL + "/flaky.gif", OutDir: outDir})
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}

	slept := sleeper.recorded()
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(slept) != len(want) || slept[0] != want[0] || slept[1] != want[1] {
		t.Fatalf("backoff sleeps = %v, want %v", slept, want)
	}

	// The failed attempts wrote a sidecar; success must clear it.
	if _, err := os.Stat(SidecarPath(filepath.Join(outDir, "flaky.gif"))); !os.IsNotExist(err) {
		t.Fatalf("expected sidecar to be removed, stat err = %v", err)
	}
	if res.Bytes != int64(len(payload)) {
		t.Fatalf("Bytes = %d, want %d", res.Bytes, len(payload))
	}
}

func TestFetchFailsAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	outDir := t.TempDir()
	url := srv.URL + "/always-broken.mp4"
	f := newTestFetcher(t, srv.Client(), &recordingSleeper{})
	_, err := f.Fetch(context.Background(), Request{URL: url, OutDir: outDir})

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.Code != http.StatusServiceUnavailable {
		t.Fatalf("Code = %d, want 503", statusErr.Code)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}

	data, readErr := os.ReadFile(SidecarPath(filepath.Join(outDir, "always-broken.mp4")))
	if readErr != nil {
		t.Fatalf("read sidecar: %v", readErr)
	}
	content := string(data)
	if !strings.HasPrefix(content, url+"\n") {
		t.Fatalf("sidecar must start with URL, got %q", content)
	}
	if !strings.Contains(content, "HTTP 503") || !strings.Contains(content, "busy") {
		t.Fatalf("sidecar missing failure details: %q", content)
	}
}

func TestFetchRejectsHTMLPayload(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>login required</body></html>"))
	}))
	defer srv.Close()

	outDir := t.TempDir()
	f := newTestFetcher(t, srv.Client(), &recordingSleeper{})
	_, err := f.Fetch(context.Background(), Request{URL: srv.URL + "/video.mp4", OutDir: outDir})

	var htmlErr *HTMLError
	if !errors.As(err, &htmlErr) {
		t.Fatalf("expected HTMLError, got %v", err)
	}
	// Interstitial pages are transient, so HTML replies burn the retry
	// budget instead of failing immediately.
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}

	// The HTML payload must never land on disk as media.
	if _, err := os.Stat(filepath.Join(outDir, "video.mp4")); !os.IsNotExist(err) {
		t.Fatalf("HTML payload written as media, stat err = %v", err)
	}
	data, readErr := os.ReadFile(SidecarPath(filepath.Join(outDir, "video.mp4")))
	if readErr != nil {
		t.Fatalf("read sidecar: %v", readErr)
	}
	if !strings.Contains(string(data), "HTML response detected") {
		t.Fatalf("sidecar missing HTML diagnosis: %q", string(data))
	}
}

func TestFetchContentDispositionRename(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="server name.png"`)
		_, _ = w.Write([]byte("png bytes"))
	}))
	defer srv.Close()

	outDir := t.TempDir()
	f := newTestFetcher(t, srv.Client(), &recordingSleeper{})
	res, err := f.Fetch(context.Background(), Request{URL: srv.URL + "/raw", OutDir: outDir})
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if want := filepath.Join(outDir, "server_name.png"); res.Path != want {
		t.Fatalf("Path = %q, want %q", res.Path, want)
	}
}

func TestFetchTargetPathIgnoresContentDisposition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="other.png"`)
		_, _ = w.Write([]byte("pinned"))
	}))
	defer srv.Close()

	target := filepath.Join(t.TempDir(), "nested", "exact.png")
	f := newTestFetcher(t, srv.Client(), &recordingSleeper{})
	res, err := f.Fetch(context.Background(), Request{URL: srv.URL + "/any.png", TargetPath: target})
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if res.Path != target {
		t.Fatalf("Path = %q, want pinned target %q", res.Path, target)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("pinned file missing: %v", err)
	}
}

func TestFetchCollisionAddsSuffix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("new content"))
	}))
	defer srv.Close()

	outDir := t.TempDir()
	existing := filepath.Join(outDir, "photo.jpg")
	if err := os.WriteFile(existing, []byte("old content"), 0o644); err != nil {
		t.Fatalf("write existing file: %v", err)
	}

	f := newTestFetcher(t, srv.Client(), &recordingSleeper{})
	res, err := f.Fetch(context.Background(), Request{URL: srv.URL + "/photo.jpg", OutDir: outDir})
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if want := filepath.Join(outDir, "photo_1.jpg"); res.Path != want {
		t.Fatalf("Path = %q, want %q", res.Path, want)
	}
	old, err := os.ReadFile(existing)
	if err != nil || string(old) != "old content" {
		t.Fatalf("existing file was clobbered: %q, %v", old, err)
	}
}

func TestFetchSuggestedNameKeepsURLExtension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("titled"))
	}))
	defer srv.Close()

	outDir := t.TempDir()
	f := newTestFetcher(t, srv.Client(), &recordingSleeper{})
	res, err := f.Fetch(context.Background(), Request{
		URL:           srv.URL + "/x/y/z.png",
		OutDir:        outDir,
		SuggestedName: "My Cool Post!",
	})
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if want := filepath.Join(outDir, "My_Cool_Post_.png"); res.Path != want {
		t.Fatalf("Path = %q, want %q", res.Path, want)
	}
}

func TestFetchRepairsEscapedAmpersands(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.Client(), &recordingSleeper{})
	_, err := f.Fetch(context.Background(), Request{
		URL:    srv.URL + "/file.jpg?a=1&amp;b=2",
		OutDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if gotQuery != "a=1&b=2" {
		t.Fatalf("query = %q, want repaired a=1&b=2", gotQuery)
	}
}

func TestFetchUserAgentHandling(t *testing.T) {
	var gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.Client(), &recordingSleeper{})

	if _, err := f.Fetch(context.Background(), Request{URL: srv.URL + "/a.jpg", OutDir: t.TempDir()}); err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if gotAgent != "test-agent/1.0" {
		t.Fatalf("default User-Agent = %q, want test-agent/1.0", gotAgent)
	}

	header := http.Header{}
	header.Set("User-Agent", "caller-agent/2.0")
	if _, err := f.Fetch(context.Background(), Request{URL: srv.URL + "/b.jpg", OutDir: t.TempDir(), Header: header}); err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if gotAgent != "caller-agent/2.0" {
		t.Fatalf("caller User-Agent = %q, want caller-agent/2.0", gotAgent)
	}
}

func TestRedgifsFallbackURL(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "full size video",
			in:   "https://media.redgifs.com/WatchThis.mp4",
			want: "https://media.redgifs.com/WatchThis-mobile.mp4",
		},
		{
			name: "already mobile",
			in:   "https://media.redgifs.com/WatchThis-mobile.mp4",
			want: "",
		},
		{name: "other host", in: "https://i.redd.it/abc.mp4", want: ""},
		{name: "not a video", in: "https://media.redgifs.com/poster.jpg", want: ""},
		{
			name: "query dropped",
			in:   "https://media.redgifs.com/Clip.mp4?token=x",
			want: "https://media.redgifs.com/Clip-mobile.mp4",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := redgifsFallback(tc.in); got != tc.want {
				t.Fatalf("redgifsFallback(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestFetchHonorsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow", http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newTestFetcher(t, srv.Client(), &recordingSleeper{})
	_, err := f.Fetch(ctx, Request{URL: srv.URL + "/c.jpg", OutDir: t.TempDir()})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
