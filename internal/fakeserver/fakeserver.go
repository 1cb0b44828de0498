// Package fakeserver is an in-memory game server for tests. It speaks the
// real wire protocol but has no rules: it only tracks the roster, and tests
// push snapshots explicitly.
package fakeserver

import (
	"crypto/rand"
	"encoding/json"
	"math/big"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wfunc/codenames-client/logger"
	"github.com/wfunc/codenames-client/models"
	"github.com/wfunc/codenames-client/network"
)

const codeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

type peer struct {
	id   string
	conn *network.WSConnection
}

// room 一局游戏
type room struct {
	code     string
	snapshot *models.Snapshot
	peers    map[string]*peer
	received []network.Frame
}

type Server struct {
	rooms    map[string]*room
	mutex    sync.Mutex
	upgrader websocket.Upgrader
	router   chi.Router
}

func New() *Server {
	s := &Server{
		rooms: make(map[string]*room),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Post("/api/games", s.handleCreate)
	r.Get("/api/games/{code}", s.handleGet)
	r.Get("/api/games/{code}/exists", s.handleExists)
	r.Get("/ws/{code}", s.handleWebSocket)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// CreateGame opens an empty lobby and returns its code.
func (s *Server) CreateGame() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for {
		code := generateCode()
		if _, exists := s.rooms[code]; exists {
			continue
		}
		s.rooms[code] = &room{
			code:     code,
			snapshot: &models.Snapshot{ID: code, State: models.PhaseLobby, Players: map[string]models.Player{}},
			peers:    make(map[string]*peer),
		}
		return code
	}
}

// SetState replaces the room's snapshot and broadcasts it.
func (s *Server) SetState(code string, snap *models.Snapshot) {
	s.mutex.Lock()
	rm, ok := s.rooms[code]
	if !ok {
		s.mutex.Unlock()
		return
	}
	rm.snapshot = snap.Clone()
	s.mutex.Unlock()

	s.broadcastState(code)
}

// State returns a copy of the room's snapshot.
func (s *Server) State(code string) (*models.Snapshot, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	rm, ok := s.rooms[code]
	if !ok {
		return nil, false
	}
	return rm.snapshot.Clone(), true
}

// Broadcast sends frame to every connection in the room.
func (s *Server) Broadcast(code string, frame network.Frame) {
	data, err := frame.Marshal()
	if err != nil {
		return
	}
	s.broadcastRaw(code, data)
}

// BroadcastRaw sends data unmodified, e.g. to test malformed frames.
func (s *Server) BroadcastRaw(code string, data []byte) {
	s.broadcastRaw(code, data)
}

// Drop closes every connection in the room, as a server restart would.
func (s *Server) Drop(code string) {
	for _, p := range s.peers(code) {
		p.conn.Close()
	}
}

// Connections returns the number of open connections in the room.
func (s *Server) Connections(code string) int {
	return len(s.peers(code))
}

// Received returns the frames clients sent to the room, in arrival order.
func (s *Server) Received(code string) []network.Frame {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	rm, ok := s.rooms[code]
	if !ok {
		return nil
	}
	return append([]network.Frame(nil), rm.received...)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	code := s.CreateGame()
	writeJSON(w, map[string]string{"game_id": code})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.State(chi.URLParam(r, "code"))
	if !ok {
		http.Error(w, `{"detail":"Game not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleExists(w http.ResponseWriter, r *http.Request) {
	_, ok := s.State(chi.URLParam(r, "code"))
	writeJSON(w, map[string]bool{"exists": ok})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if _, ok := s.State(code); !ok {
		http.Error(w, "game not found", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Infof("Failed to upgrade connection: %v", err)
		return
	}
	p := &peer{id: uuid.New().String(), conn: network.NewWSConnection(conn)}
	defer func() {
		s.leave(code, p)
		p.conn.Close()
	}()

	hello, _ := network.NewFrame(network.MsgTypeConnected, network.ConnectedPayload{PlayerID: p.id})
	if err := send(p, hello); err != nil {
		return
	}

	s.mutex.Lock()
	rm := s.rooms[code]
	rm.peers[p.id] = p
	snap := rm.snapshot.Clone()
	s.mutex.Unlock()

	state, _ := network.NewFrame(network.MsgTypeGameState, snap)
	if err := send(p, state); err != nil {
		return
	}

	for {
		data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := network.ParseFrame(data)
		if err != nil {
			bad, _ := network.NewFrame(network.MsgTypeError, network.ErrorPayload{Message: "bad frame"})
			_ = send(p, bad)
			continue
		}
		s.handleFrame(code, p, frame)
	}
}

// handleFrame records every frame. Only roster changes are applied; the
// rest is left to the test.
func (s *Server) handleFrame(code string, p *peer, frame network.Frame) {
	s.mutex.Lock()
	rm := s.rooms[code]
	rm.received = append(rm.received, frame)

	changed := false
	switch frame.Type {
	case network.MsgTypeJoinGame:
		var req network.JoinGamePayload
		if err := frame.Decode(&req); err == nil {
			rm.snapshot.Players[p.id] = models.Player{ID: p.id, Name: req.PlayerName}
			changed = true
		}
	case network.MsgTypeAssignRole:
		var req network.AssignRolePayload
		if player, ok := rm.snapshot.Players[p.id]; ok && frame.Decode(&req) == nil {
			player.Team, player.Role = req.Team, req.Role
			rm.snapshot.Players[p.id] = player
			changed = true
		}
	}
	s.mutex.Unlock()

	if changed {
		s.broadcastState(code)
	}
}

func (s *Server) leave(code string, p *peer) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if rm, ok := s.rooms[code]; ok {
		delete(rm.peers, p.id)
	}
}

func (s *Server) peers(code string) []*peer {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	rm, ok := s.rooms[code]
	if !ok {
		return nil
	}
	out := make([]*peer, 0, len(rm.peers))
	for _, p := range rm.peers {
		out = append(out, p)
	}
	return out
}

func (s *Server) broadcastState(code string) {
	snap, ok := s.State(code)
	if !ok {
		return
	}
	frame, err := network.NewFrame(network.MsgTypeGameState, snap)
	if err != nil {
		return
	}
	s.Broadcast(code, frame)
}

func (s *Server) broadcastRaw(code string, data []byte) {
	for _, p := range s.peers(code) {
		if err := p.conn.Send(data); err != nil {
			// 发送失败由读循环清理
			continue
		}
	}
}

func send(p *peer, frame network.Frame) error {
	data, err := frame.Marshal()
	if err != nil {
		return err
	}
	return p.conn.Send(data)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func generateCode() string {
	code := make([]byte, 6)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeCharset))))
		if err != nil {
			panic(err)
		}
		code[i] = codeCharset[n.Int64()]
	}
	return string(code)
}
