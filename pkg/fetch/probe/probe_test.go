package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

func TestProbeReturnsLengthAndETag(t *testing.T) {
	const size = 4096
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD, got %s", r.Method)
		}
		w.Header().Set("Content-Length", strconv.Itoa(size))
		w.Header().Set("ETag", "\"abc123\"")
	}))
	defer srv.Close()

	p := Prober{Client: srv.Client()}
	res := p.Probe(context.Background(), srv.URL+"/video.mp4", nil)

	if res.Length == nil || *res.Length != size {
		t.Fatalf("Length = %v, want %d", res.Length, size)
	}
	if res.ETag != "\"abc123\"" {
		t.Fatalf("ETag = %q, want quoted abc123", res.ETag)
	}
}

func TestProbeMissingHeadersYieldZeroFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := Prober{Client: srv.Client()}
	res := p.Probe(context.Background(), srv.URL+"/video.mp4", nil)

	if res.ETag != "" {
		t.Fatalf("ETag = %q, want empty", res.ETag)
	}
}

func TestProbeErrorStatusYieldsEmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := Prober{Client: srv.Client()}
	res := p.Probe(context.Background(), srv.URL+"/gone.mp4", nil)

	if res.Length != nil || res.ETag != "" {
		t.Fatalf("expected empty result for 404, got %+v", res)
	}
}

func TestProbeNetworkErrorYieldsEmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := Prober{}
	res := p.Probe(context.Background(), url+"/unreachable.mp4", nil)

	if res.Length != nil || res.ETag != "" {
		t.Fatalf("expected empty result on network error, got %+v", res)
	}
}

func TestProbeFollowsRedirects(t *testing.T) {
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", "\"final\"")
	}))
	defer final.Close()
	redirecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL, http.StatusMovedPermanently)
	}))
	defer redirecting.Close()

	p := Prober{Client: redirecting.Client()}
	res := p.Probe(context.Background(), redirecting.URL+"/moved.mp4", nil)

	if res.ETag != "\"final\"" {
		t.Fatalf("ETag = %q, want the redirect target's tag", res.ETag)
	}
}

func TestProbeForwardsHeaders(t *testing.T) {
	var gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set("User-Agent", "probe-agent/1.0")

	p := Prober{Client: srv.Client()}
	p.Probe(context.Background(), srv.URL+"/h.mp4", header)

	if gotAgent != "probe-agent/1.0" {
		t.Fatalf("User-Agent = %q, want probe-agent/1.0", gotAgent)
	}
}
