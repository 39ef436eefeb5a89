package fetch_test

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/qasimbilalstack/reddit-dl/core/cfg"
	"github.com/qasimbilalstack/reddit-dl/log"
	"github.com/qasimbilalstack/reddit-dl/pkg/fetch"
	"github.com/qasimbilalstack/reddit-dl/pkg/fetch/download"
	"github.com/qasimbilalstack/reddit-dl/pkg/fetch/engine"
	"github.com/qasimbilalstack/reddit-dl/pkg/fetch/failsafe"
	"github.com/qasimbilalstack/reddit-dl/pkg/fetch/index"
	bboltindex "github.com/qasimbilalstack/reddit-dl/pkg/fetch/index/bbolt"
	"github.com/qasimbilalstack/reddit-dl/pkg/fetch/normalize"
	"github.com/qasimbilalstack/reddit-dl/pkg/fetch/ratelimit"
)

func TestMain(m *testing.M) {
	cfg.InitLoggers(&cfg.FlagStorage{Config: fetch.Config{LogLevel: "warn", LogFormat: "console"}})

	log.DumpLoggers("TestMain")

	os.Exit(m.Run())
}

type noDelay struct{}

func (noDelay) Sleep(time.Duration) {}

type recordingSleeper struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (r *recordingSleeper) Sleep(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slept = append(r.slept, d)
}

func (r *recordingSleeper) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.slept...)
}

// buildStack wires the production stack against a test server: bbolt index
// inside the output directory, guarded wrapper, shared limiter, real fetcher.
func buildStack(t *testing.T, srv *httptest.Server, ecfg engine.Config, fcfg download.Config, sleeper download.Sleeper, eopts ...engine.Option) (*engine.Engine, index.Index) {
	t.Helper()

	if ecfg.OutDir == "" {
		t.Fatalf("buildStack: OutDir is required")
	}
	if sleeper == nil {
		sleeper = noDelay{}
	}
	if fcfg.UserAgent == "" {
		fcfg.UserAgent = "integration/1.0"
	}
	if fcfg.Timeout == 0 {
		fcfg.Timeout = 5 * time.Second
	}

	inner, err := bboltindex.Open(filepath.Join(ecfg.OutDir, ".md5_index.db"), bboltindex.Options{})
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	idx, err := failsafe.NewGuardedIndex(inner)
	if err != nil {
		t.Fatalf("guard index: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })

	fetcher := download.New(fcfg, download.WithClient(srv.Client()), download.WithSleeper(sleeper))
	eng, err := engine.New(ecfg, idx, ratelimit.New(100), fetcher, eopts...)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	return eng, idx
}

func md5hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestFreshDownloadRecordsAllIdentifiers(t *testing.T) {
	payload := []byte("scenario-a-payload")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"tag-a"`)
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	outDir := t.TempDir()
	eng, idx := buildStack(t, srv, engine.Config{OutDir: outDir, Workers: 1, Probe: true}, download.Config{}, nil)

	ctx := context.Background()
	rawurl := srv.URL + "/a.jpg?utm_source=share"
	res := eng.Process(ctx, engine.Task{URL: rawurl})
	if res.Outcome != engine.OutcomeDownloaded {
		t.Fatalf("outcome = %s, want downloaded", res.Outcome)
	}

	got, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload mismatch: %q", got)
	}

	wantHash := md5hex(payload)
	hash, err := idx.HashForURL(ctx, normalize.Canonical(rawurl))
	if err != nil || hash != wantHash {
		t.Fatalf("HashForURL = %q, %v; want %q", hash, err, wantHash)
	}
	hash, err = idx.HashForETag(ctx, `"tag-a"`)
	if err != nil || hash != wantHash {
		t.Fatalf("HashForETag = %q, %v; want %q", hash, err, wantHash)
	}
	live, err := idx.LivePath(ctx, wantHash)
	if err != nil || live != res.Path {
		t.Fatalf("LivePath = %q, %v; want %q", live, err, res.Path)
	}
}

func TestRotatedSignatureSkipsTransfer(t *testing.T) {
	payload := []byte("scenario-b-payload")
	var mu sync.Mutex
	gets := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		if r.Method == http.MethodHead {
			return
		}
		mu.Lock()
		gets++
		mu.Unlock()
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	outDir := t.TempDir()
	eng, _ := buildStack(t, srv, engine.Config{OutDir: outDir, Workers: 1, Probe: true}, download.Config{}, nil)

	ctx := context.Background()
	first := eng.Process(ctx, engine.Task{URL: srv.URL + "/b.jpg?sig=aaa"})
	if first.Outcome != engine.OutcomeDownloaded {
		t.Fatalf("first outcome = %s, want downloaded", first.Outcome)
	}
	second := eng.Process(ctx, engine.Task{URL: srv.URL + "/b.jpg?sig=bbb"})
	if second.Outcome != engine.OutcomeSkipped {
		t.Fatalf("second outcome = %s, want skipped", second.Outcome)
	}
	if second.Path != first.Path {
		t.Fatalf("second path = %q, want %q", second.Path, first.Path)
	}

	mu.Lock()
	defer mu.Unlock()
	if gets != 1 {
		t.Fatalf("payload fetched %d times, want 1", gets)
	}
}

func TestDuplicateContentKeepsOneFile(t *testing.T) {
	payload := []byte("scenario-c-payload")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	// Probe disabled so the second URL reaches the full fetch and the
	// post-download duplicate collapse.
	outDir := t.TempDir()
	eng, idx := buildStack(t, srv, engine.Config{OutDir: outDir, Workers: 1}, download.Config{}, nil)

	ctx := context.Background()
	first := eng.Process(ctx, engine.Task{URL: srv.URL + "/one.jpg"})
	if first.Outcome != engine.OutcomeDownloaded {
		t.Fatalf("first outcome = %s, want downloaded", first.Outcome)
	}
	second := eng.Process(ctx, engine.Task{URL: srv.URL + "/two.jpg"})
	if second.Outcome != engine.OutcomeSkipped {
		t.Fatalf("second outcome = %s, want skipped", second.Outcome)
	}
	if second.Path != first.Path {
		t.Fatalf("second path = %q, want surviving %q", second.Path, first.Path)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		t.Fatalf("read out dir: %v", err)
	}
	files := 0
	for _, e := range entries {
		if e.Type().IsRegular() && filepath.Ext(e.Name()) == ".jpg" {
			files++
		}
	}
	if files != 1 {
		t.Fatalf("%d payload files on disk, want 1", files)
	}

	hash, err := idx.HashForURL(ctx, normalize.Canonical(srv.URL+"/two.jpg"))
	if err != nil || hash != md5hex(payload) {
		t.Fatalf("second URL maps to %q, %v; want %q", hash, err, md5hex(payload))
	}
}

func TestTransientFailuresRetryWithBackoff(t *testing.T) {
	payload := []byte("scenario-d-payload")
	var mu sync.Mutex
	gets := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gets++
		n := gets
		mu.Unlock()
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	sleeper := &recordingSleeper{}
	outDir := t.TempDir()
	eng, _ := buildStack(t, srv,
		engine.Config{OutDir: outDir, Workers: 1},
		download.Config{MaxAttempts: 3, BaseRetryDelay: time.Second},
		sleeper)

	res := eng.Process(context.Background(), engine.Task{URL: srv.URL + "/d.jpg"})
	if res.Outcome != engine.OutcomeDownloaded {
		t.Fatalf("outcome = %s, want downloaded", res.Outcome)
	}

	slept := sleeper.recorded()
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("slept %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("sleep %d = %v, want %v", i, slept[i], want[i])
		}
	}
}

func TestExhaustedBudgetLeavesSidecarUntilRecovery(t *testing.T) {
	payload := []byte("scenario-e-payload")
	var mu sync.Mutex
	healthy := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ok := healthy
		mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	outDir := t.TempDir()
	eng, idx := buildStack(t, srv,
		engine.Config{OutDir: outDir, Workers: 1},
		download.Config{MaxAttempts: 2, BaseRetryDelay: time.Millisecond},
		nil)

	ctx := context.Background()
	rawurl := srv.URL + "/e.jpg"
	res := eng.Process(ctx, engine.Task{URL: rawurl})
	if res.Outcome != engine.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}

	target := filepath.Join(outDir, "e.jpg")
	sidecar := download.SidecarPath(target)
	url, err := download.ReadSidecarURL(sidecar)
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	if url != rawurl {
		t.Fatalf("sidecar url = %q, want %q", url, rawurl)
	}
	if failed, err := idx.IsFailed(ctx, normalize.Canonical(rawurl)); err != nil || !failed {
		t.Fatalf("IsFailed = %v, %v; want true", failed, err)
	}

	mu.Lock()
	healthy = true
	mu.Unlock()

	recovered, err := eng.RetryFailed(ctx, outDir)
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}
	if _, err := os.Stat(sidecar); !os.IsNotExist(err) {
		t.Fatalf("sidecar still present after recovery: %v", err)
	}
	got, err := os.ReadFile(target)
	if err != nil || string(got) != string(payload) {
		t.Fatalf("recovered payload = %q, %v", got, err)
	}
	if failed, err := idx.IsFailed(ctx, normalize.Canonical(rawurl)); err != nil || failed {
		t.Fatalf("IsFailed after recovery = %v, %v; want false", failed, err)
	}
	if snap := eng.Stats().Snapshot(); snap.Recovered != 1 {
		t.Fatalf("stats recovered = %d, want 1", snap.Recovered)
	}
}

func TestCredentialHeadersReachServer(t *testing.T) {
	var mu sync.Mutex
	var auth, agent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth = r.Header.Get("Authorization")
		agent = r.Header.Get("User-Agent")
		mu.Unlock()
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("authorized-payload"))
	}))
	defer srv.Close()

	credsFile := filepath.Join(t.TempDir(), "credentials.ini")
	if err := os.WriteFile(credsFile, []byte("[127.0.0.1]\ntoken = sekrit\n"), 0o600); err != nil {
		t.Fatalf("write credentials: %v", err)
	}
	creds, err := fetch.LoadCredentials(credsFile, "integration/1.0")
	if err != nil {
		t.Fatalf("load credentials: %v", err)
	}

	outDir := t.TempDir()
	eng, _ := buildStack(t, srv,
		engine.Config{OutDir: outDir, Workers: 1},
		download.Config{},
		nil,
		engine.WithHeaders(creds.HeadersFor))

	res := eng.Process(context.Background(), engine.Task{URL: srv.URL + "/private.jpg"})
	if res.Outcome != engine.OutcomeDownloaded {
		t.Fatalf("outcome = %s, want downloaded", res.Outcome)
	}

	mu.Lock()
	defer mu.Unlock()
	if auth != "Bearer sekrit" {
		t.Fatalf("Authorization = %q, want %q", auth, "Bearer sekrit")
	}
	if agent != "integration/1.0" {
		t.Fatalf("User-Agent = %q, want %q", agent, "integration/1.0")
	}
}
