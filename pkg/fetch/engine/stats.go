package engine

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Stats aggregates run counters across workers.
type Stats struct {
	attempted  atomic.Int64
	downloaded atomic.Int64
	skipped    atomic.Int64
	failed     atomic.Int64
	recovered  atomic.Int64
	bytes      atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Attempted       int64
	Downloaded      int64
	Skipped         int64
	Failed          int64
	Recovered       int64
	BytesDownloaded int64
}

func (s *Stats) addAttempted() { s.attempted.Add(1) }

func (s *Stats) addDownloaded() int64 { return s.downloaded.Add(1) }

func (s *Stats) addSkipped() { s.skipped.Add(1) }

func (s *Stats) addFailed() { s.failed.Add(1) }

func (s *Stats) addRecovered() { s.recovered.Add(1) }

func (s *Stats) addBytes(n int64) { s.bytes.Add(n) }

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Attempted:       s.attempted.Load(),
		Downloaded:      s.downloaded.Load(),
		Skipped:         s.skipped.Load(),
		Failed:          s.failed.Load(),
		Recovered:       s.recovered.Load(),
		BytesDownloaded: s.bytes.Load(),
	}
}

// Summary renders the end-of-run report.
func (s *Stats) Summary(elapsed time.Duration) string {
	snap := s.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "Attempted:        %s\n", groupThousands(snap.Attempted))
	fmt.Fprintf(&b, "Downloaded:       %s\n", groupThousands(snap.Downloaded))
	fmt.Fprintf(&b, "Skipped (dedup):  %s\n", groupThousands(snap.Skipped))
	fmt.Fprintf(&b, "Failed:           %s\n", groupThousands(snap.Failed))
	fmt.Fprintf(&b, "Recovered:        %s\n", groupThousands(snap.Recovered))
	fmt.Fprintf(&b, "Bytes downloaded: %s\n", groupThousands(snap.BytesDownloaded))
	fmt.Fprintf(&b, "Elapsed:          %.1fs", elapsed.Seconds())
	return b.String()
}

// groupThousands renders n with comma separators.
func groupThousands(n int64) string {
	s := fmt.Sprintf("%d", n)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	var out []byte
	for i, c := range []byte(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}
