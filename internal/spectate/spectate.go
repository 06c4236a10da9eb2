// Package spectate exposes a read-only HTTP+WebSocket surface over the
// broker's live games, grounded on the teacher's pkg/websocket hub/room
// pair and internal/ws.GeneralHandler upgrade dance, generalized from a
// per-player notification socket to a per-game transcript broadcast that
// anyone may watch without authenticating.
package spectate

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/krishanu7/imcsd/internal/adminauth"
	"github.com/krishanu7/imcsd/internal/broker/state"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client is one spectator's outbound socket, mirroring the teacher's
// pkg/websocket.Client.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// room fans transcript lines out to every spectator of one game, mirroring
// the teacher's pkg/websocket.Room.Broadcast.
type room struct {
	clients map[*client]bool
}

// Hub owns every open room. Rooms are created lazily when a spectator
// connects (lines a game writes before then are dropped), and are torn
// down when the game ends.
type Hub struct {
	mu    sync.Mutex
	rooms map[int]*room
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[int]*room)}
}

func (h *Hub) roomFor(gameID int) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[gameID]
	if !ok {
		r = &room{clients: make(map[*client]bool)}
		h.rooms[gameID] = r
	}
	return r
}

func (h *Hub) addClient(gameID int, c *client) {
	h.roomFor(gameID).clients[c] = true
}

func (h *Hub) removeClient(gameID int, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[gameID]
	if !ok {
		return
	}
	delete(r.clients, c)
	close(c.send)
}

// CloseRoom disconnects every spectator of gameID and forgets the room.
// The broker calls this once a game finishes.
func (h *Hub) CloseRoom(gameID int) {
	h.mu.Lock()
	r, ok := h.rooms[gameID]
	delete(h.rooms, gameID)
	h.mu.Unlock()
	if !ok {
		return
	}
	for c := range r.clients {
		close(c.send)
		_ = c.conn.Close()
	}
}

// broadcast fans a transcript line out to every connected spectator of
// gameID, dropping it for any client whose send buffer is full rather
// than blocking the game.
func (h *Hub) broadcast(gameID int, line []byte) {
	h.mu.Lock()
	r, ok := h.rooms[gameID]
	h.mu.Unlock()
	if !ok {
		return
	}
	for c := range r.clients {
		select {
		case c.send <- line:
		default:
		}
	}
}

// roomWriter adapts Hub.broadcast to io.Writer so a game's logsink.Sink
// can be redirected to it with io.MultiWriter alongside its log file.
type roomWriter struct {
	hub    *Hub
	gameID int
}

func (w roomWriter) Write(p []byte) (int, error) {
	line := make([]byte, len(p))
	copy(line, p)
	w.hub.broadcast(w.gameID, line)
	return len(p), nil
}

// Writer returns an io.Writer that fans everything written to it out to
// gameID's connected spectators.
func (h *Hub) Writer(gameID int) roomWriter {
	return roomWriter{hub: h, gameID: gameID}
}

// Router builds the HTTP mux serving the spectator surface: an
// unauthenticated health check and per-game websocket stream, plus an
// admin-only status endpoint gated by adminauth.
func (h *Hub) Router(st *state.State, issuer *adminauth.Issuer) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/spectate/{gameId}", h.serveGame).Methods(http.MethodGet)
	r.HandleFunc("/admin/status", adminStatusHandler(st, issuer)).Methods(http.MethodGet)
	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *Hub) serveGame(w http.ResponseWriter, r *http.Request) {
	gameID, err := strconv.Atoi(mux.Vars(r)["gameId"])
	if err != nil {
		http.Error(w, "bad game id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("spectate: upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 16)}
	h.addClient(gameID, c)

	go func() {
		defer h.removeClient(gameID, c)
		// Spectators never send anything meaningful; draining the
		// socket is only how we notice they've disconnected.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer conn.Close()
		for line := range c.send {
			if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
				return
			}
		}
	}()
}

// adminStatusHandler reports a snapshot of live posts to a bearer-token
// authenticated operator, the one route on this surface that isn't meant
// for arbitrary spectators.
func adminStatusHandler(st *state.State, issuer *adminauth.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if err := issuer.Verify(auth[len(prefix):]); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"posts": st.ListPosts(),
		})
	}
}
