package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/pairing/internal/auth"
	"github.com/whisper/pairing/internal/client"
	"github.com/whisper/pairing/internal/loadstats"
	"github.com/whisper/pairing/internal/protocol"
)

// runMatch creates pairs of simulated participants who connect, enter the
// same pool, find each other and relay one offer. It measures matching and
// relay latency under concurrent load.
func runMatch(args []string) {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 500, "Number of participant pairs to match")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for match-found and the relayed offer")
	interests := fs.String("interests", "", "Comma-separated interest tags")
	modality := fs.String("modality", "text", "Pool modality: text or video")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	secret := fs.String("jwt-secret", "", "Issue a token per client with this HMAC secret")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2
	tags := splitTags(*interests)

	fmt.Printf("Match test: %d pairs (%d clients) to %s (ramp=%s, match-timeout=%s, interests=%v, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampUp, *matchTimeout, tags, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	verifier := auth.NewVerifier(*secret)
	log := zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()

	collector := loadstats.NewCollector()
	scraper := loadstats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var mu sync.Mutex
	conns := make([]*client.Conn, 0, totalClients)

	fmt.Println("\n--- Phase 1: Connect all participants ---")

	interval := *rampUp / time.Duration(totalClients)
	if interval <= 0 {
		interval = time.Millisecond
	}
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [connect] connections: %d/%d  errors: %d\n",
					collector.ConnectionCount(), totalClients, collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)
	interrupted := false

	for launched := 0; launched < totalClients && !interrupted; {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			interrupted = true
		case <-rampTicker.C:
			launched++
			wg.Add(1)
			sem <- struct{}{}

			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()

				token := ""
				if verifier.Enabled() {
					var err error
					if token, err = verifier.Issue(uuid.NewString(), time.Hour); err != nil {
						collector.AddError()
						return
					}
				}

				c, err := client.Dial(connCtx, *url, token, log)
				if err != nil {
					collector.AddError()
					return
				}
				if _, err := c.WaitForSession(connCtx); err != nil {
					collector.AddError()
					c.Close()
					return
				}
				collector.AddConnect(c.Metrics().ConnectLatency)

				mu.Lock()
				conns = append(conns, c)
				mu.Unlock()
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()
	close(progressStop)

	fmt.Printf("\nPhase 1 complete: %d/%d connections in %s (%d errors)\n",
		len(conns), totalClients, time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	if interrupted {
		fmt.Println("Interrupted, skipping matching phase.")
		closeAll(conns)
		scraper.Stop()
		collector.Report(os.Stdout)
		return
	}

	fmt.Println("\n--- Phase 2: Match and relay ---")

	var matched, relayed atomic.Int64
	var matchWg sync.WaitGroup
	matchStart := time.Now()

	for _, c := range conns {
		matchWg.Add(1)
		matchDone := make(chan struct{})
		relayDone := make(chan struct{})
		var matchOnce, relayOnce sync.Once

		c.Subscribe(protocol.TypeMatchFound, func(raw json.RawMessage) {
			collector.AddMatch(time.Since(matchStart))
			matched.Add(1)

			var msg protocol.MatchFoundMsg
			if err := json.Unmarshal(raw, &msg); err == nil && msg.Initiator {
				payload, _ := json.Marshal(offerStamp{SentAt: time.Now().UnixNano()})
				if err := c.SendSignal(msg.PeerID, protocol.KindOffer, payload); err != nil {
					collector.AddError()
				}
				// The initiator's part ends once the offer is out.
				relayOnce.Do(func() { close(relayDone) })
			}
			matchOnce.Do(func() { close(matchDone) })
		})

		c.Subscribe(protocol.TypeOfferReceived, func(raw json.RawMessage) {
			var msg protocol.SignalReceivedMsg
			var stamp offerStamp
			if err := json.Unmarshal(raw, &msg); err == nil && json.Unmarshal(msg.Payload, &stamp) == nil && stamp.SentAt > 0 {
				collector.AddRelay(time.Since(time.Unix(0, stamp.SentAt)))
			}
			relayed.Add(1)
			relayOnce.Do(func() { close(relayDone) })
		})

		go func() {
			defer matchWg.Done()
			timeout := time.NewTimer(*matchTimeout)
			defer timeout.Stop()

			select {
			case <-matchDone:
				select {
				case <-relayDone:
				case <-timeout.C:
					collector.AddError()
				case <-ctx.Done():
				}
			case <-timeout.C:
				collector.AddError()
			case <-ctx.Done():
			}
		}()

		if err := c.Send(protocol.TypeFindMatch, protocol.FindMatchMsg{
			Modality:          *modality,
			Mode:              "regular",
			CompanionshipType: "casual",
			Interests:         tags,
		}); err != nil {
			collector.AddError()
		}
	}

	matchWg.Wait()
	fmt.Printf("\nPhase 2 complete: %d matched, %d offers relayed in %s\n",
		matched.Load(), relayed.Load(), time.Since(matchStart).Round(time.Millisecond))

	closeAll(conns)
	scraper.Stop()
	collector.Report(os.Stdout)
}

// offerStamp is the opaque payload sent as the offer. The relay does not
// inspect it.
type offerStamp struct {
	SentAt int64 `json:"sentAt"`
}

func closeAll(conns []*client.Conn) {
	for _, c := range conns {
		_ = c.Close()
	}
}
