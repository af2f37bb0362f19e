// Package gateway binds the WebSocket transport to the pairing core. It turns
// client messages into resolver and relay calls, keeps the optional Redis
// presence mirror, block lists and like history in step with resolver
// decisions, and maps domain errors to protocol error messages.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/whisper/pairing/internal/auth"
	"github.com/whisper/pairing/internal/likes"
	"github.com/whisper/pairing/internal/matching"
	"github.com/whisper/pairing/internal/metrics"
	"github.com/whisper/pairing/internal/profile"
	"github.com/whisper/pairing/internal/protocol"
	"github.com/whisper/pairing/internal/ratelimit"
	"github.com/whisper/pairing/internal/relay"
	"github.com/whisper/pairing/internal/session"
	"github.com/whisper/pairing/internal/ws"
)

// storeTimeout bounds every Redis or Postgres call made while handling a
// message.
const storeTimeout = 2 * time.Second

// Presence mirrors participant status. session.Store implements it.
type Presence interface {
	Create(ctx context.Context, id string) error
	SetMatching(ctx context.Context, id, poolKey string) error
	SetRoom(ctx context.Context, id, roomID string) error
	SetIdle(ctx context.Context, id string) error
	RefreshTTL(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// BlockStore persists block lists. block.Store implements it.
type BlockStore interface {
	Block(ctx context.Context, from, target string) (int, error)
	List(ctx context.Context, id string) ([]string, error)
}

// Limiter throttles requests. ratelimit.Limiter implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) int
}

// Deps are the collaborators of a Gateway. Resolver, Directory and Relay are
// required; the rest may be nil.
type Deps struct {
	Resolver  *matching.Resolver
	Directory *session.Directory
	Relay     *relay.Relay

	Presence Presence
	Profiles profile.Source
	Blocks   BlockStore
	Likes    likes.Store
	Limiter  Limiter
	Rules    ratelimit.Rules
}

// Gateway handles client messages for one server instance.
type Gateway struct {
	Deps
	log zerolog.Logger
}

// New creates a Gateway.
func New(deps Deps, logger zerolog.Logger) *Gateway {
	return &Gateway{Deps: deps, log: logger}
}

// Register installs the message handlers on d.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.OnPing(func(c *ws.Connection) { g.ping(c.ID) })
	d.Register(protocol.TypeFindMatch, func(c *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.FindMatchMsg); ok {
			g.findMatch(c.ID, c, m)
		}
	})
	d.Register(protocol.TypeFindNextMatch, func(c *ws.Connection, _ interface{}) {
		g.findNextMatch(c.ID, c)
	})
	signal := func(c *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.SignalMsg); ok {
			g.signal(c.ID, c, m)
		}
	}
	d.Register(protocol.TypeSignalOffer, signal)
	d.Register(protocol.TypeSignalAnswer, signal)
	d.Register(protocol.TypeSignalCandidate, signal)
	d.Register(protocol.TypeLeave, func(c *ws.Connection, _ interface{}) {
		g.leave(c.ID)
	})
	d.Register(protocol.TypeLikePeer, func(c *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.LikePeerMsg); ok {
			g.like(c.ID, c, m.TargetID)
		}
	})
	d.Register(protocol.TypeBlockPeer, func(c *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.BlockPeerMsg); ok {
			g.block(c.ID, c, m.TargetID)
		}
	})
}

// Hooks returns the server hooks for this gateway. verifier may be disabled,
// in which case ids are random unless required is set.
func (g *Gateway) Hooks(verifier *auth.Verifier, required bool, onMessage func(*ws.Connection, []byte)) ws.Hooks {
	return ws.Hooks{
		UpgradeMiddleware: []gin.HandlerFunc{g.ConnectLimit(), auth.Middleware(verifier, required)},
		Identify:          Identify,
		OnConnect:         func(c *ws.Connection) { g.connect(c.ID, c) },
		OnMessage:         onMessage,
		OnDisconnect:      func(c *ws.Connection) { g.disconnect(c.ID, c) },
	}
}

// Identify returns the verified participant id of an upgrade request, or ""
// for an anonymous one.
func Identify(c *gin.Context) string {
	return c.GetString(auth.ParticipantKey)
}

// ConnectLimit throttles upgrades per client address.
func (g *Gateway) ConnectLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if g.Limiter == nil {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
		defer cancel()

		ip := c.ClientIP()
		if ok, _ := g.Limiter.Allow(ctx, ip, g.Rules.Connect); !ok {
			c.Header("Retry-After", strconv.Itoa(g.Limiter.RetryAfter(ctx, ip, g.Rules.Connect)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
			return
		}
		c.Next()
	}
}

// Routes adds /metrics and /api/stats to engine.
func (g *Gateway) Routes(engine *gin.Engine) {
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	engine.GET("/api/stats", g.handleStats)
}

type statsResponse struct {
	matching.Stats
	Connections int `json:"connections"`
}

func (g *Gateway) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, statsResponse{
		Stats:       g.Resolver.Stats(),
		Connections: g.Directory.Count(),
	})
}

func (g *Gateway) connect(id string, ch session.Channel) {
	if _, replaced := g.Directory.Register(id, ch); replaced {
		// The participant keeps its pool or room across a reconnect.
		g.log.Info().Str("participant", id).Msg("channel replaced")
	} else {
		g.Resolver.Join(id)
		metrics.ConnectionsTotal.Inc()
		g.withStore(func(ctx context.Context) {
			if g.Presence != nil {
				g.warn(g.Presence.Create(ctx, id), id, "presence create")
			}
		})
	}
	g.reply(id, ch, protocol.TypeSessionCreated, protocol.SessionCreatedMsg{SessionID: id})
}

// ping keeps the presence record of a live participant from expiring.
func (g *Gateway) ping(id string) {
	if g.Presence == nil {
		return
	}
	g.withStore(func(ctx context.Context) {
		g.warn(g.Presence.RefreshTTL(ctx, id), id, "presence refresh")
	})
}

func (g *Gateway) disconnect(id string, ch session.Channel) {
	if !g.Directory.Unregister(id, ch) {
		return
	}
	partner, _ := g.Resolver.PartnerOf(id)
	g.Resolver.Disconnect(id)
	metrics.ConnectionsTotal.Dec()

	g.withStore(func(ctx context.Context) {
		if g.Presence == nil {
			return
		}
		g.warn(g.Presence.Delete(ctx, id), id, "presence delete")
		if partner != "" {
			g.warn(g.Presence.SetIdle(ctx, partner), partner, "presence idle")
		}
	})
	g.refreshGauges()
	g.log.Info().Str("participant", id).Msg("participant disconnected")
}

func (g *Gateway) findMatch(id string, ch session.Channel, m protocol.FindMatchMsg) {
	if !g.allow(id, ch, g.Rules.Match) {
		metrics.MatchRequests.WithLabelValues("rate_limited").Inc()
		return
	}

	var (
		stored  profile.Snapshot
		blocked []string
	)
	g.withStore(func(ctx context.Context) {
		if g.Profiles != nil {
			snap, ok, err := g.Profiles.Lookup(ctx, id)
			g.warn(err, id, "profile lookup")
			if ok {
				stored = snap
			}
		}
		if g.Blocks != nil {
			ids, err := g.Blocks.List(ctx, id)
			g.warn(err, id, "block list")
			blocked = ids
		}
	})

	snap := profile.FromRequest(stored, m)
	prefs := matching.Preferences{
		Modality:          m.Modality,
		Mode:              m.Mode,
		CompanionshipType: m.CompanionshipType,
		BlindDate:         m.BlindDate,
	}

	partner, _ := g.Resolver.PartnerOf(id)
	res, err := g.Resolver.RequestMatch(id, prefs, snap.Scoring(blocked), snap.Public())
	if err != nil {
		g.fail(id, ch, err)
		metrics.MatchRequests.WithLabelValues("invalid").Inc()
		return
	}
	g.observe(id, partner, res)
}

func (g *Gateway) findNextMatch(id string, ch session.Channel) {
	if !g.allow(id, ch, g.Rules.Match) {
		metrics.MatchRequests.WithLabelValues("rate_limited").Inc()
		return
	}
	partner, _ := g.Resolver.PartnerOf(id)
	res, err := g.Resolver.Next(id)
	if err != nil {
		g.fail(id, ch, err)
		metrics.MatchRequests.WithLabelValues("invalid").Inc()
		return
	}
	g.observe(id, partner, res)
}

// observe mirrors a match decision into presence and metrics. oldPartner is
// the room partner id had before the request, now released.
func (g *Gateway) observe(id, oldPartner string, res matching.Result) {
	if res.Enqueued {
		metrics.MatchRequests.WithLabelValues("enqueued").Inc()
	} else {
		metrics.MatchRequests.WithLabelValues("matched").Inc()
		metrics.MatchWait.Observe(res.PeerWaited.Seconds())
		metrics.MatchScore.Observe(res.Score)
	}

	g.withStore(func(ctx context.Context) {
		if g.Presence == nil {
			return
		}
		if oldPartner != "" && oldPartner != res.PeerID {
			g.warn(g.Presence.SetIdle(ctx, oldPartner), oldPartner, "presence idle")
		}
		if res.Enqueued {
			g.warn(g.Presence.SetMatching(ctx, id, string(res.PoolKey)), id, "presence matching")
			return
		}
		g.warn(g.Presence.SetRoom(ctx, id, res.RoomID), id, "presence room")
		g.warn(g.Presence.SetRoom(ctx, res.PeerID, res.RoomID), res.PeerID, "presence room")
	})
	g.refreshGauges()
}

func (g *Gateway) signal(id string, ch session.Channel, m protocol.SignalMsg) {
	kind, _ := protocol.SignalKind(m.Type)
	if !g.allow(id, ch, g.Rules.Signal) {
		metrics.SignalsTotal.WithLabelValues(kind, "rate_limited").Inc()
		return
	}

	err := g.Relay.Forward(relay.Envelope{Kind: kind, Payload: m.Payload, From: id, To: m.To})
	switch {
	case err == nil:
		metrics.SignalsTotal.WithLabelValues(kind, "relayed").Inc()
	case errors.Is(err, protocol.ErrValidation):
		metrics.SignalsTotal.WithLabelValues(kind, "invalid").Inc()
		g.fail(id, ch, err)
	case errors.Is(err, relay.ErrPeerNotFound):
		// The sender finds out through its negotiation timeout.
		metrics.SignalsTotal.WithLabelValues(kind, "dropped").Inc()
	default:
		metrics.SignalsTotal.WithLabelValues(kind, "dropped").Inc()
		g.log.Warn().Err(err).Str("participant", id).Str("kind", kind).Msg("relay failed")
	}
}

func (g *Gateway) leave(id string) {
	partner, _ := g.Resolver.PartnerOf(id)
	if !g.Resolver.Leave(id) {
		return
	}
	g.withStore(func(ctx context.Context) {
		if g.Presence == nil {
			return
		}
		g.warn(g.Presence.SetIdle(ctx, id), id, "presence idle")
		if partner != "" {
			g.warn(g.Presence.SetIdle(ctx, partner), partner, "presence idle")
		}
	})
	g.refreshGauges()
}

func (g *Gateway) like(id string, ch session.Channel, target string) {
	mutual, err := g.Resolver.Like(id, target)
	if err != nil {
		g.fail(id, ch, err)
		return
	}
	if g.Likes == nil {
		return
	}
	g.withStore(func(ctx context.Context) {
		g.warn(g.Likes.Record(ctx, id, target, mutual), id, "record like")
	})
}

func (g *Gateway) block(id string, ch session.Channel, target string) {
	partner, _ := g.Resolver.PartnerOf(id)
	if err := g.Resolver.Block(id, target); err != nil {
		g.fail(id, ch, err)
		return
	}

	g.withStore(func(ctx context.Context) {
		if g.Blocks != nil {
			n, err := g.Blocks.Block(ctx, id, target)
			g.warn(err, id, "persist block")
			if n > 1 {
				g.log.Info().Str("participant", target).Int("blocked_by", n).Msg("participant blocked repeatedly")
			}
		}
		if g.Presence != nil && partner == target {
			g.warn(g.Presence.SetIdle(ctx, id), id, "presence idle")
			g.warn(g.Presence.SetIdle(ctx, target), target, "presence idle")
		}
	})
	if partner == target {
		g.refreshGauges()
	}
}

// allow applies rule to id and tells the client when it is over the limit.
func (g *Gateway) allow(id string, ch session.Channel, rule ratelimit.Rule) bool {
	if g.Limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if ok, _ := g.Limiter.Allow(ctx, id, rule); ok {
		return true
	}
	retry := g.Limiter.RetryAfter(ctx, id, rule)
	g.reply(id, ch, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: retry})
	g.log.Debug().Str("participant", id).Str("rule", rule.Key).Int("retry_after", retry).Msg("rate limited")
	return false
}

// fail maps err to an error message on ch.
func (g *Gateway) fail(id string, ch session.Channel, err error) {
	code := protocol.CodeInternal
	switch {
	case errors.Is(err, protocol.ErrValidation):
		code = protocol.CodeInvalidRequest
	case errors.Is(err, matching.ErrUnknownParticipant):
		code = protocol.CodeNotFound
	default:
		g.log.Error().Err(err).Str("participant", id).Msg("request failed")
	}
	if err := ch.Send(protocol.NewError(code, err.Error())); err != nil {
		g.log.Debug().Err(err).Str("participant", id).Msg("error reply failed")
	}
}

func (g *Gateway) reply(id string, ch session.Channel, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		g.log.Error().Err(err).Str("type", msgType).Msg("encode reply")
		return
	}
	if err := ch.Send(data); err != nil {
		g.log.Debug().Err(err).Str("participant", id).Str("type", msgType).Msg("reply failed")
	}
}

func (g *Gateway) refreshGauges() {
	stats := g.Resolver.Stats()
	metrics.ActiveRooms.Set(float64(stats.Rooms))
	pools := make(map[string]int, len(stats.Pools))
	for k, n := range stats.Pools {
		pools[string(k)] = n
	}
	metrics.SetPools(pools)
}

func (g *Gateway) withStore(fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	fn(ctx)
}

func (g *Gateway) warn(err error, id, op string) {
	if err != nil {
		g.log.Warn().Err(err).Str("participant", id).Msg(op)
	}
}
