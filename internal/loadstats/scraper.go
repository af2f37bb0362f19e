package loadstats

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// snapshot holds the tracked server metrics at a point in time.
type snapshot struct {
	timestamp   time.Time
	connections float64
	rooms       float64
	waiting     float64
	requests    float64
	signals     float64
	waitSum     float64
	waitCount   float64
}

// Scraper periodically fetches the pairing server's Prometheus endpoint and
// records snapshots for the final report.
type Scraper struct {
	metricsURL string
	interval   time.Duration

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
	client *http.Client
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot immediately and then one per interval until ctx is
// done or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce(ctx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				// Final snapshot on a fresh context; ctx is already done.
				s.scrapeOnce(context.Background())
				return
			case <-ticker.C:
				s.scrapeOnce(ctx)
			}
		}
	}()
}

// Stop stops the background scraper and waits for it to finish.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce(ctx context.Context) {
	snap, err := s.fetch(ctx)
	if err != nil {
		// The server may not be ready yet.
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch(ctx context.Context) (snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.metricsURL, nil)
	if err != nil {
		return snapshot{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return snapshot{}, fmt.Errorf("loadstats: scrape %s: %s", s.metricsURL, resp.Status)
	}
	return parseSnapshot(resp.Body, time.Now())
}

// parseSnapshot decodes the text exposition format. Labeled series of the
// same metric are summed.
func parseSnapshot(r io.Reader, at time.Time) (snapshot, error) {
	snap := snapshot{timestamp: at}
	dec := expfmt.NewDecoder(r, expfmt.NewFormat(expfmt.TypeTextPlain))
	for {
		var mf dto.MetricFamily
		if err := dec.Decode(&mf); err != nil {
			if errors.Is(err, io.EOF) {
				return snap, nil
			}
			return snap, fmt.Errorf("loadstats: decode metrics: %w", err)
		}

		switch mf.GetName() {
		case "pairing_connections_total":
			snap.connections = sum(&mf)
		case "pairing_active_rooms":
			snap.rooms = sum(&mf)
		case "pairing_waiting_participants":
			snap.waiting = sum(&mf)
		case "pairing_match_requests_total":
			snap.requests = sum(&mf)
		case "pairing_signals_total":
			snap.signals = sum(&mf)
		case "pairing_match_wait_seconds":
			for _, m := range mf.GetMetric() {
				snap.waitSum += m.GetHistogram().GetSampleSum()
				snap.waitCount += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
}

// sum adds up the values of every series in a counter, gauge or untyped
// family.
func sum(mf *dto.MetricFamily) float64 {
	var total float64
	for _, m := range mf.GetMetric() {
		switch mf.GetType() {
		case dto.MetricType_COUNTER:
			total += m.GetCounter().GetValue()
		case dto.MetricType_GAUGE:
			total += m.GetGauge().GetValue()
		default:
			total += m.GetUntyped().GetValue()
		}
	}
	return total
}

// Report writes initial, final, delta and peak values of every tracked
// metric to w.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Server Metrics (no data collected) ---")
		return
	}

	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Server Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	rows := []struct {
		label   string
		extract func(snapshot) float64
	}{
		{"Connections", func(s snapshot) float64 { return s.connections }},
		{"Active Rooms", func(s snapshot) float64 { return s.rooms }},
		{"Waiting", func(s snapshot) float64 { return s.waiting }},
		{"Match Requests", func(s snapshot) float64 { return s.requests }},
		{"Signals", func(s snapshot) float64 { return s.signals }},
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, r := range rows {
		initial, final := r.extract(first), r.extract(last)
		fmt.Fprintf(w, "  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, initial, final, final-initial, peak(snaps, r.extract))
	}

	fmt.Fprintln(w)
	deltaSum, deltaCount := last.waitSum-first.waitSum, last.waitCount-first.waitCount
	if deltaCount > 0 {
		fmt.Fprintf(w, "  %-16s avg: %.4fs  (%.0f observations)\n", "Match Wait", deltaSum/deltaCount, deltaCount)
	} else {
		fmt.Fprintf(w, "  %-16s avg: N/A  (no observations)\n", "Match Wait")
	}
}

func peak(snaps []snapshot, extract func(snapshot) float64) float64 {
	p := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > p {
			p = v
		}
	}
	return p
}
