package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/HyperSystemsDev/hyperhomes/pkg/homedb"
	"github.com/HyperSystemsDev/hyperhomes/pkg/teleport"
)

// RegisterRESTRoutes registers all REST API endpoints on the web server's mux.
// Called from WebServer.registerRoutes after the mux is created.
func (ws *WebServer) RegisterRESTRoutes() {
	client := func(h http.HandlerFunc) http.Handler { return authMiddleware(ws.auth, false, h) }
	admin := func(h http.HandlerFunc) http.Handler { return authMiddleware(ws.auth, true, h) }

	// Homes
	ws.mux.Handle("GET /api/v1/players/{player}/homes", client(ws.handleListHomes))
	ws.mux.Handle("GET /api/v1/players/{player}/homes/{name}", client(ws.handleGetHome))
	ws.mux.Handle("PUT /api/v1/players/{player}/homes/{name}", client(ws.handleSetHome))
	ws.mux.Handle("DELETE /api/v1/players/{player}/homes/{name}", client(ws.handleDeleteHome))

	// Teleports
	ws.mux.Handle("GET /api/v1/players/{player}/teleport", client(ws.handleTeleportStatus))
	ws.mux.Handle("POST /api/v1/players/{player}/teleport", client(ws.handleRequestTeleport))
	ws.mux.Handle("DELETE /api/v1/players/{player}/teleport", client(ws.handleCancelTeleport))

	// Shares
	ws.mux.Handle("GET /api/v1/players/{player}/shares", client(ws.handleListShares))
	ws.mux.Handle("PUT /api/v1/players/{player}/shares/{grantee}", client(ws.handleShare))
	ws.mux.Handle("DELETE /api/v1/players/{player}/shares/{grantee}", client(ws.handleUnshare))

	// Administration
	ws.mux.Handle("DELETE /api/v1/players/{player}", admin(ws.handlePurge))
	ws.mux.Handle("POST /api/v1/archive", admin(ws.handleArchive))
}

// --- JSON shapes ---

type locationJSON struct {
	World string  `json:"world"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Yaw   float32 `json:"yaw"`
	Pitch float32 `json:"pitch"`
}

func toLocationJSON(loc homedb.Location) locationJSON {
	p := loc.Position
	return locationJSON{World: loc.World, X: p.X, Y: p.Y, Z: p.Z, Yaw: p.Yaw, Pitch: p.Pitch}
}

func (l locationJSON) location() homedb.Location {
	return homedb.Location{
		World:    l.World,
		Position: homedb.Position{X: l.X, Y: l.Y, Z: l.Z, Yaw: l.Yaw, Pitch: l.Pitch},
	}
}

type homeJSON struct {
	Name      string       `json:"name"`
	Owner     string       `json:"owner"`
	Location  locationJSON `json:"location"`
	CreatedAt time.Time    `json:"created_at"`
}

func toHomeJSON(h homedb.Home) homeJSON {
	return homeJSON{
		Name:      h.Name,
		Owner:     h.Owner.String(),
		Location:  toLocationJSON(h.Location()),
		CreatedAt: h.CreatedAt.UTC(),
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "reason": reason})
}

// statusFor maps an engine error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, homedb.ErrNoSuchHome):
		return http.StatusNotFound
	case errors.Is(err, homedb.ErrNotShared), errors.Is(err, homedb.ErrNoPermission):
		return http.StatusForbidden
	case errors.Is(err, homedb.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, homedb.ErrAlreadyPending), errors.Is(err, homedb.ErrOnCooldown):
		return http.StatusConflict
	}
	switch homedb.KindOf(err) {
	case homedb.KindValidation, homedb.KindEnvironment:
		return http.StatusUnprocessableEntity
	case homedb.KindCancellation:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeEngineError(w http.ResponseWriter, err error) {
	body := map[string]any{"error": err.Error(), "reason": homedb.Reason(err)}
	var cd *homedb.CooldownError
	if errors.As(err, &cd) {
		body["remaining_seconds"] = int(math.Ceil(cd.Remaining.Seconds()))
	}
	writeJSON(w, statusFor(err), body)
}

// pathPlayer parses a player id path value, writing a 400 on failure.
func pathPlayer(w http.ResponseWriter, r *http.Request, key string) (homedb.PlayerID, bool) {
	id, err := homedb.ParsePlayerID(r.PathValue(key))
	if err != nil || id == homedb.NoPlayer {
		writeError(w, http.StatusBadRequest, "invalid_player", "invalid player id")
		return homedb.NoPlayer, false
	}
	return id, true
}

// decodeBody reads an optional JSON body into v. An empty body is fine.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return false
	}
	return true
}

// --- Homes ---

func (ws *WebServer) handleListHomes(w http.ResponseWriter, r *http.Request) {
	player, ok := pathPlayer(w, r, "player")
	if !ok {
		return
	}
	list := ws.engine.ListHomes(player)
	out := make([]homeJSON, 0, len(list))
	for _, h := range list {
		out = append(out, toHomeJSON(h))
	}
	info := ws.engine.HomeInfo(player)
	writeJSON(w, http.StatusOK, map[string]any{
		"homes": out,
		"count": info.Count,
		"limit": info.Limit,
	})
}

func (ws *WebServer) handleGetHome(w http.ResponseWriter, r *http.Request) {
	player, ok := pathPlayer(w, r, "player")
	if !ok {
		return
	}
	h, err := ws.engine.GetHome(player, r.PathValue("name"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toHomeJSON(h))
}

func (ws *WebServer) handleSetHome(w http.ResponseWriter, r *http.Request) {
	player, ok := pathPlayer(w, r, "player")
	if !ok {
		return
	}
	var req struct {
		Username string        `json:"username"`
		Location *locationJSON `json:"location"` // omitted: use the mirrored position
	}
	if !decodeBody(w, r, &req) {
		return
	}
	var (
		h   homedb.Home
		err error
	)
	if req.Location != nil {
		h, err = ws.engine.SetHomeAt(player, req.Username, r.PathValue("name"), req.Location.location())
	} else {
		h, err = ws.engine.SetHome(player, req.Username, r.PathValue("name"))
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toHomeJSON(h))
}

func (ws *WebServer) handleDeleteHome(w http.ResponseWriter, r *http.Request) {
	player, ok := pathPlayer(w, r, "player")
	if !ok {
		return
	}
	if err := ws.engine.DeleteHome(player, r.PathValue("name")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Teleports ---

func (ws *WebServer) handleTeleportStatus(w http.ResponseWriter, r *http.Request) {
	player, ok := pathPlayer(w, r, "player")
	if !ok {
		return
	}
	body := map[string]any{
		"pending":          false,
		"cooldown_seconds": int(math.Ceil(ws.engine.CooldownRemaining(player).Seconds())),
	}
	if st, ok := ws.engine.TeleportStatus(player); ok {
		body["pending"] = true
		body["state"] = st.State.String()
		body["owner"] = st.Owner.String()
		body["home"] = st.Home
		body["world"] = st.World
		body["started_at"] = st.StartedAt.UTC()
		body["deadline"] = st.Deadline.UTC()
	}
	writeJSON(w, http.StatusOK, body)
}

func (ws *WebServer) handleRequestTeleport(w http.ResponseWriter, r *http.Request) {
	player, ok := pathPlayer(w, r, "player")
	if !ok {
		return
	}
	var req struct {
		Owner string `json:"owner"`
		Home  string `json:"home"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	owner := homedb.NoPlayer
	if req.Owner != "" {
		id, err := homedb.ParsePlayerID(req.Owner)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_player", "invalid owner id")
			return
		}
		owner = id
	}

	res, err := ws.engine.RequestTeleport(player, owner, req.Home)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	body := map[string]any{
		"state": res.State.String(),
		"home":  toHomeJSON(res.Home),
	}
	status := http.StatusOK
	switch res.State {
	case teleport.StateWarmup:
		status = http.StatusAccepted
		body["deadline"] = res.Deadline.UTC()
	case teleport.StateCompleted:
		body["destination"] = toLocationJSON(homedb.Location{World: res.Home.World, Position: res.Destination})
	}
	writeJSON(w, status, body)
}

func (ws *WebServer) handleCancelTeleport(w http.ResponseWriter, r *http.Request) {
	player, ok := pathPlayer(w, r, "player")
	if !ok {
		return
	}
	if !ws.engine.CancelTeleport(player) {
		writeError(w, http.StatusNotFound, "not_pending", "no teleport pending")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Shares ---

func (ws *WebServer) handleListShares(w http.ResponseWriter, r *http.Request) {
	player, ok := pathPlayer(w, r, "player")
	if !ok {
		return
	}
	info := ws.engine.ListShares(player)
	grantees := make([]string, 0, len(info.Grantees))
	for _, id := range info.Grantees {
		grantees = append(grantees, id.String())
	}
	owners := make([]string, 0, len(info.Owners))
	for _, id := range info.Owners {
		owners = append(owners, id.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{"grantees": grantees, "owners": owners})
}

func (ws *WebServer) handleShare(w http.ResponseWriter, r *http.Request) {
	owner, ok := pathPlayer(w, r, "player")
	if !ok {
		return
	}
	grantee, ok := pathPlayer(w, r, "grantee")
	if !ok {
		return
	}
	if err := ws.engine.ShareHome(owner, grantee); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (ws *WebServer) handleUnshare(w http.ResponseWriter, r *http.Request) {
	owner, ok := pathPlayer(w, r, "player")
	if !ok {
		return
	}
	grantee, ok := pathPlayer(w, r, "grantee")
	if !ok {
		return
	}
	ws.engine.UnshareHome(owner, grantee)
	w.WriteHeader(http.StatusNoContent)
}

// --- Administration ---

func (ws *WebServer) handlePurge(w http.ResponseWriter, r *http.Request) {
	player, ok := pathPlayer(w, r, "player")
	if !ok {
		return
	}
	if err := ws.engine.PurgePlayer(player); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (ws *WebServer) handleArchive(w http.ResponseWriter, r *http.Request) {
	path, err := ws.engine.Archive()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "archive_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}
