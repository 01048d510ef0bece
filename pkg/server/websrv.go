package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/HyperSystemsDev/hyperhomes/pkg/events"
	"github.com/HyperSystemsDev/hyperhomes/pkg/homedb"
	"github.com/gorilla/websocket"
)

// Version is the daemon version reported by /api/v1/health.
const Version = "1.0.0"

// WebConfig holds configuration for the web server.
type WebConfig struct {
	Port        int
	Host        string
	Domain      string
	CertFile    string
	KeyFile     string
	CertDir     string
	CORSOrigins []string
	RateLimit   int
	JWTSecret   string
	JWTExpiry   int
	Clients     []APIClient
}

// WebConfig extracts the listener settings.
func (c *Config) WebConfig() WebConfig {
	return WebConfig{
		Port:        c.WebPort,
		Host:        c.WebHost,
		Domain:      c.WebDomain,
		CertFile:    c.WebCertFile,
		KeyFile:     c.WebKeyFile,
		CertDir:     c.WebCertDir,
		CORSOrigins: c.WebCORSOrigins,
		RateLimit:   c.WebRateLimit,
		JWTSecret:   c.JWTSecret,
		JWTExpiry:   c.JWTExpiry,
		Clients:     c.APIClients,
	}
}

// WebServer exposes the engine over REST and a websocket feed.
type WebServer struct {
	engine    *Engine
	httpSrv   *http.Server
	mux       *http.ServeMux
	auth      *AuthService
	rl        *rateLimiter
	upgrader  websocket.Upgrader
	startTime time.Time
	stop      chan struct{}
}

// NewWebServer creates a web server bound to the engine.
func NewWebServer(engine *Engine, cfg WebConfig) *WebServer {
	ws := &WebServer{
		engine:    engine,
		mux:       http.NewServeMux(),
		auth:      NewAuthService(cfg.Clients, cfg.JWTSecret, cfg.JWTExpiry),
		rl:        newRateLimiter(cfg.RateLimit),
		startTime: time.Now(),
		stop:      make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(cfg.CORSOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, o := range cfg.CORSOrigins {
					if strings.EqualFold(o, origin) {
						return true
					}
				}
				return false
			},
		},
	}

	ws.registerRoutes(cfg)
	return ws
}

// Auth returns the auth service, used for hot-reloading clients.
func (ws *WebServer) Auth() *AuthService {
	return ws.auth
}

// Handler returns the root handler with middleware applied.
func (ws *WebServer) Handler() http.Handler {
	return ws.httpSrv.Handler
}

// registerRoutes sets up all HTTP routes.
func (ws *WebServer) registerRoutes(cfg WebConfig) {
	// Apply global middleware: CORS -> rate limit
	handler := http.Handler(ws.mux)
	handler = rateLimitMiddleware(ws.rl, handler)
	handler = corsMiddleware(cfg.CORSOrigins, handler)

	ws.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// WebSocket endpoint
	ws.mux.HandleFunc("GET /ws", ws.handleWebSocket)

	// Auth endpoints
	ws.mux.HandleFunc("POST /api/v1/auth/login", ws.handleAuthLogin)
	ws.mux.HandleFunc("POST /api/v1/auth/refresh", ws.handleAuthRefresh)

	// REST API endpoints
	ws.RegisterRESTRoutes()

	ws.mux.HandleFunc("GET /api/v1/health", ws.handleHealth)
	ws.mux.Handle("GET /metrics", ws.engine.Metrics().Handler())
}

// Start begins listening. Uses HTTPS when TLS certs are available,
// falls back to plain HTTP otherwise (development mode).
func (ws *WebServer) Start(cfg WebConfig) error {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ws.stop:
				return
			case <-ticker.C:
				ws.rl.cleanup(10 * time.Minute)
			}
		}
	}()

	hasTLS := cfg.Domain != "" || (cfg.CertFile != "" && cfg.KeyFile != "") || cfg.CertDir != ""
	if hasTLS {
		result, err := SetupTLS(cfg.Domain, cfg.CertFile, cfg.KeyFile, cfg.CertDir)
		if err != nil {
			log.Printf("web: TLS setup failed (%v), falling back to HTTP", err)
		} else {
			ws.httpSrv.TLSConfig = result.Config

			// Let's Encrypt needs port 80 for HTTP-01 challenges.
			if result.AutocertMgr != nil {
				go func() {
					httpSrv := &http.Server{
						Addr:              ":80",
						Handler:           result.AutocertMgr.HTTPHandler(nil),
						ReadHeaderTimeout: 10 * time.Second,
					}
					log.Printf("web: ACME HTTP challenge listener on :80")
					if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Printf("web: ACME HTTP listener error: %v", err)
					}
				}()
			}

			log.Printf("web: listening on %s (HTTPS)", ws.httpSrv.Addr)
			err = ws.httpSrv.ListenAndServeTLS("", "")
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		}
	}

	log.Printf("web: listening on %s (HTTP)", ws.httpSrv.Addr)
	err := ws.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the web server.
func (ws *WebServer) Stop(ctx context.Context) error {
	select {
	case <-ws.stop:
	default:
		close(ws.stop)
	}
	return ws.httpSrv.Shutdown(ctx)
}

// --- WebSocket ---

// WSMessage is the JSON message format for websocket communication in
// both directions.
type WSMessage struct {
	Type     string        `json:"type"`
	Player   string        `json:"player,omitempty"`
	Owner    string        `json:"owner,omitempty"`
	Home     string        `json:"home,omitempty"`
	Seconds  int           `json:"seconds,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Text     string        `json:"text,omitempty"`
	Location *locationJSON `json:"location,omitempty"`

	// Block updates
	Block string  `json:"block,omitempty"`
	At    *[3]int `json:"at,omitempty"`
	To    *[3]int `json:"to,omitempty"` // opposite corner for fills
	World string  `json:"world,omitempty"`
}

// wsConn is one front-end connection. It is a global bus subscriber that
// forwards notifications and move commands through a buffered queue so
// slow clients never stall the engine.
type wsConn struct {
	conn   *websocket.Conn
	addr   string
	out    chan WSMessage
	closed atomic.Bool
}

const wsQueueSize = 256

func (wc *wsConn) Receive(ev events.Event) {
	if !ev.Type.IsNotification() {
		return
	}
	msg := WSMessage{
		Type:    ev.Type.String(),
		Player:  ev.Player.String(),
		Home:    ev.Home,
		Seconds: ev.Seconds,
		Reason:  ev.Reason,
		Text:    ev.Text,
	}
	if ev.Owner != homedb.NoPlayer {
		msg.Owner = ev.Owner.String()
	}
	if ev.Location != nil {
		l := toLocationJSON(*ev.Location)
		msg.Location = &l
	}
	wc.send(msg)
}

func (wc *wsConn) Closed() bool { return wc.closed.Load() }

func (wc *wsConn) send(msg WSMessage) {
	if wc.closed.Load() {
		return
	}
	select {
	case wc.out <- msg:
	default:
		log.Printf("web: WARNING: dropping %s for %s, client too slow", msg.Type, wc.addr)
	}
}

func (wc *wsConn) writeLoop(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-wc.out:
			wc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := wc.conn.WriteJSON(msg); err != nil {
				log.Printf("web: write to %s: %v", wc.addr, err)
				wc.conn.Close()
				return
			}
		}
	}
}

// handleWebSocket upgrades an authenticated front-end connection and
// attaches it to the event bus.
func (ws *WebServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = bearerToken(r)
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authorization required")
		return
	}
	claims, err := ws.auth.ValidateToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return
	}

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade error: %v", err)
		return
	}

	remoteAddr := r.RemoteAddr
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx >= 0 {
			remoteAddr = strings.TrimSpace(xff[:idx])
		} else {
			remoteAddr = strings.TrimSpace(xff)
		}
	} else if xri := r.Header.Get("X-Real-IP"); xri != "" {
		remoteAddr = strings.TrimSpace(xri)
	}

	wc := &wsConn{conn: conn, addr: remoteAddr, out: make(chan WSMessage, wsQueueSize)}
	ws.engine.Bus().SubscribeGlobal(wc)
	log.Printf("web: front-end %q connected from %s", claims.ClientID, remoteAddr)

	done := make(chan struct{})
	go wc.writeLoop(done)
	wc.send(WSMessage{Type: "welcome", Text: "hyperhomes " + Version})
	go ws.readLoop(wc, claims, done)
}

func (ws *WebServer) readLoop(wc *wsConn, claims *Claims, done chan struct{}) {
	defer func() {
		wc.closed.Store(true)
		ws.engine.Bus().UnsubscribeGlobal(wc)
		close(done)
		wc.conn.Close()
		log.Printf("web: front-end %q from %s disconnected", claims.ClientID, wc.addr)
	}()

	for {
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("web: read error from %s: %v", wc.addr, err)
			}
			return
		}
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			wc.send(WSMessage{Type: "error", Text: "invalid JSON message"})
			continue
		}
		if err := ws.handleFeed(msg); err != nil {
			wc.send(WSMessage{Type: "error", Text: err.Error()})
		}
	}
}

// handleFeed applies one inbound message.
func (ws *WebServer) handleFeed(msg WSMessage) error {
	switch msg.Type {
	case "block", "fill":
		if msg.At == nil || msg.World == "" || msg.Block == "" {
			return fmt.Errorf("%s needs world, at and block", msg.Type)
		}
		a := homedb.BlockPos{X: msg.At[0], Y: msg.At[1], Z: msg.At[2]}
		if msg.Type == "block" {
			return ws.engine.World().SetBlock(msg.World, a, msg.Block)
		}
		if msg.To == nil {
			return fmt.Errorf("fill needs to")
		}
		b := homedb.BlockPos{X: msg.To[0], Y: msg.To[1], Z: msg.To[2]}
		if fillTooLarge(a, b) {
			return fmt.Errorf("fill larger than %d blocks", maxFillVolume)
		}
		return ws.engine.World().Fill(msg.World, a, b, msg.Block)
	}

	player, err := homedb.ParsePlayerID(msg.Player)
	if err != nil {
		return fmt.Errorf("invalid player id")
	}
	if msg.Type == "bed" {
		if msg.Location == nil {
			return fmt.Errorf("bed needs location")
		}
		ws.engine.World().SetBed(player, msg.Location.location().Position)
		return nil
	}

	typ, ok := events.ParseEventType(msg.Type)
	if !ok {
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
	ev := events.Event{Type: typ, Player: player}
	if msg.Location != nil {
		loc := msg.Location.location()
		ev.Location = &loc
	}
	return ws.engine.Feed(ev)
}

const maxFillVolume = 1 << 16

// fillTooLarge reports whether the box between corners a and b holds more
// than maxFillVolume blocks. Corners may be anywhere in the int range.
func fillTooLarge(a, b homedb.BlockPos) bool {
	// extent is the span minus one; unsigned so MinInt..MaxInt fits.
	extent := func(p, q int) uint64 {
		if p > q {
			p, q = q, p
		}
		return uint64(q) - uint64(p)
	}
	const limit = uint64(maxFillVolume)
	vol := uint64(1)
	for _, d := range [3]uint64{extent(a.X, b.X), extent(a.Y, b.Y), extent(a.Z, b.Z)} {
		if d >= limit {
			return true
		}
		vol *= d + 1
		if vol > limit {
			return true
		}
	}
	return false
}

// --- Auth HTTP Handlers ---

func (ws *WebServer) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
		Secret   string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}

	token, err := ws.auth.Login(req.ClientID, req.Secret)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (ws *WebServer) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authorization required")
		return
	}
	newToken, err := ws.auth.RefreshToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": newToken})
}

// --- Health Handler ---

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        Version,
		"uptime_seconds": time.Since(ws.startTime).Seconds(),
		"storage":        ws.engine.Config().Storage,
	})
}
