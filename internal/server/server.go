package server

import (
	"net"

	"github.com/fasthttp/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/bt-bridge/voice-bridge/internal/bridge"
	"github.com/bt-bridge/voice-bridge/internal/config"
	"github.com/bt-bridge/voice-bridge/shared"
)

// Server is the WebSocket/HTTP front of the bridge. It upgrades telephony and
// observer connections and hands them to the bridge; it serves metrics and a
// liveness line over plain HTTP.
type Server struct {
	logger  shared.LoggerAdapter
	cfg     *config.Config
	bridge  *bridge.Bridge
	httpSrv *fasthttp.Server
	metrics fasthttp.RequestHandler
}

func New(logger shared.LoggerAdapter, cfg *config.Config, b *bridge.Bridge, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		logger:  logger,
		cfg:     cfg,
		bridge:  b,
		metrics: fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})),
	}
	s.httpSrv = &fasthttp.Server{
		Name:    "voice-bridge/" + shared.Version,
		Handler: s.route,
	}
	return s
}

var upgrader = websocket.FastHTTPUpgrader{
	// Telephony and dashboard clients connect from arbitrary origins.
	CheckOrigin: func(ctx *fasthttp.RequestCtx) bool { return true },
}

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/media-stream":
		s.handleMediaStream(ctx)
	case "/events":
		s.handleEvents(ctx)
	case "/metrics":
		s.metrics(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetContentType("text/plain; charset=utf-8")
		ctx.SetBodyString("voice-bridge " + shared.Version + "\n")
	}
}

func (s *Server) handleMediaStream(ctx *fasthttp.RequestCtx) {
	callID := string(ctx.QueryArgs().Peek("callId"))
	rawConfig := string(ctx.QueryArgs().Peek("config"))
	record := ctx.QueryArgs().GetBool("record")

	err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		s.bridge.HandleMediaStream(conn, callID, rawConfig, record)
	})
	if err != nil {
		s.logger.Warn("media-stream upgrade failed",
			zap.String("callId", callID),
			zap.Error(err),
		)
	}
}

func (s *Server) handleEvents(ctx *fasthttp.RequestCtx) {
	callID := string(ctx.QueryArgs().Peek("callId"))

	err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		s.bridge.HandleEvents(conn, callID)
	})
	if err != nil {
		s.logger.Warn("events upgrade failed", zap.Error(err))
	}
}

// Serve accepts connections on an existing listener. Used by tests that need
// an ephemeral port.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server listening", zap.String("addr", ln.Addr().String()))
	return s.httpSrv.Serve(ln)
}

// ListenAndServe binds the configured address and serves until shutdown.
func (s *Server) ListenAndServe() error {
	addr := s.cfg.Server.Addr()
	s.logger.Info("server listening", zap.String("addr", addr))
	return s.httpSrv.ListenAndServe(addr)
}

// Shutdown stops accepting new connections and closes every bridge-owned
// connection so handler goroutines drain.
func (s *Server) Shutdown() error {
	s.bridge.Shutdown()
	return s.httpSrv.Shutdown()
}
