package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/whisper/pairing/internal/client"
	"github.com/whisper/pairing/internal/config"
	"github.com/whisper/pairing/internal/logging"
	"github.com/whisper/pairing/internal/metrics"
	"github.com/whisper/pairing/internal/peer"
	"github.com/whisper/pairing/internal/protocol"
	"github.com/whisper/pairing/internal/transition"
)

// runParticipant joins the server as one participant. Commands are read from
// stdin, one per line.
func runParticipant(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("PAIR_CONFIG"), "path to a YAML config file")
	interests := fs.String("interests", "", "comma-separated interest tags")
	metricsAddr := fs.String("metrics", "", "serve client metrics on this address (e.g. :9100)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	root := logging.New(cfg.Logging)
	log := logging.Component(root, "pairclient")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, log)
	}

	conn, err := client.Dial(ctx, cfg.Client.ServerURL, cfg.Client.Token, logging.Component(root, "signaling"))
	if err != nil {
		log.Fatal().Err(err).Msg("dial")
	}
	defer conn.Close()

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	id, err := conn.WaitForSession(waitCtx)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("no session")
	}
	log.Info().Str("session", id).Msg("connected to pairing server")

	factory := peer.NewPionFactory(peer.PionOptions{
		ICEServers:  cfg.Peer.ICEServers,
		DataChannel: "pairing",
		OnConnection: func(pc *webrtc.PeerConnection) error {
			pc.OnDataChannel(func(dc *webrtc.DataChannel) {
				dc.OnOpen(func() { log.Info().Str("label", dc.Label()).Msg("data channel open") })
			})
			return nil
		},
	}, logging.Component(root, "pion"))

	manager := peer.NewManager(peer.ConfigFrom(cfg.Peer), factory, conn, peer.RealClock{}, logging.Component(root, "peer"))
	coord := transition.NewCoordinator(transition.ConfigFrom(cfg.Transition), manager, logging.Component(root, "transition"))
	go coord.Run(ctx)

	coord.Subscribe(func(rec transition.Record) {
		if rec.Phase.Terminal() {
			metrics.TransitionsTotal.WithLabelValues(string(rec.Phase)).Inc()
		}
	})

	sess := client.NewSession(conn, manager, coord, client.SessionOptions{
		Preferences: protocol.FindMatchMsg{
			Modality:          cfg.Client.Modality,
			Mode:              cfg.Client.Mode,
			CompanionshipType: cfg.Client.CompanionshipType,
			BlindDate:         cfg.Client.BlindDate,
			Interests:         splitTags(*interests),
		},
		AutoRequeue: cfg.Client.AutoRequeue,
	}, logging.Component(root, "session"))
	defer sess.Close()

	sess.Subscribe(func(ev client.Event) { printEvent(ev) })
	if err := sess.Start(); err != nil {
		log.Fatal().Err(err).Msg("find-match")
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			log.Warn().Msg("server connection closed")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := command(sess, line); err != nil {
				if err == errQuit {
					return
				}
				fmt.Println("error:", err)
			}
		}
	}
}

var errQuit = fmt.Errorf("quit")

func command(sess *client.Session, line string) error {
	switch line {
	case "":
		return nil
	case "next":
		return sess.Next()
	case "leave":
		return sess.Leave()
	case "like":
		return sess.Like()
	case "block":
		return sess.Block()
	case "quit", "exit":
		return errQuit
	}
	return fmt.Errorf("unknown command %q", line)
}

func printEvent(ev client.Event) {
	switch ev.Kind {
	case client.EventMatched:
		fmt.Printf("matched with %s (room %s), shared interests: %v\n", ev.PeerID, ev.RoomID, ev.Profile.SharedInterests)
	case client.EventConnected:
		fmt.Printf("connected to %s, quality %s\n", ev.PeerID, ev.Quality)
	case client.EventFailed:
		fmt.Printf("connection to %s failed: %v\n", ev.PeerID, ev.Err)
	case client.EventRejected:
		fmt.Printf("server rejected request: %v\n", ev.Err)
	default:
		fmt.Printf("%s %s\n", ev.Kind, ev.PeerID)
	}
}

func serveMetrics(addr string, log zerolog.Logger) {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	if err := http.ListenAndServe(addr, engine); err != nil {
		log.Error().Err(err).Str("addr", addr).Msg("metrics server")
	}
}

func splitTags(s string) []string {
	var tags []string
	for _, tag := range strings.Split(s, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
