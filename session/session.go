// session/session.go
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/wfunc/codenames-client/logger"
	"github.com/wfunc/codenames-client/models"
	"github.com/wfunc/codenames-client/network"
	"github.com/wfunc/codenames-client/persistence"
)

const recordTimeout = 10 * time.Second

// ErrIdentityAlreadySet is logged when a second handshake arrives on the
// same connection. The first identity wins.
var ErrIdentityAlreadySet = errors.New("player identity already set for this connection")

// ErrWrongGame rejects a snapshot whose id is not the game the store is
// bound to.
var ErrWrongGame = errors.New("snapshot belongs to another game")

// ApplicationError is a rejection reported by the server in an error frame.
type ApplicationError struct {
	Message string
}

func (e *ApplicationError) Error() string {
	return "server: " + e.Message
}

type ChangeKind int

const (
	ChangeSnapshot ChangeKind = iota
	ChangeIdentity
	ChangeNotice
	ChangeReset
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeSnapshot:
		return "snapshot"
	case ChangeIdentity:
		return "identity"
	case ChangeNotice:
		return "notice"
	case ChangeReset:
		return "reset"
	}
	return "unknown"
}

type Change struct {
	Kind ChangeKind
}

// Store holds the latest authoritative snapshot and the local identity.
// Snapshots are replaced whole, never patched, so readers see either the
// old or the new one.
type Store struct {
	game        string
	snapshot    *models.Snapshot
	playerID    string
	hasIdentity bool
	notice      *ApplicationError
	mutex       sync.RWMutex

	subs     map[int64]func(Change)
	order    []int64
	nextID   int64
	subMutex sync.Mutex

	recorder persistence.Recorder
	records  conc.WaitGroup
}

// NewStore creates an empty store. recorder may be nil.
func NewStore(recorder persistence.Recorder) *Store {
	return &Store{
		subs:     make(map[int64]func(Change)),
		recorder: recorder,
	}
}

// Snapshot returns a copy of the current snapshot, or false before the
// first game_state frame.
func (s *Store) Snapshot() (*models.Snapshot, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.snapshot == nil {
		return nil, false
	}
	return s.snapshot.Clone(), true
}

func (s *Store) PlayerID() (string, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.playerID, s.hasIdentity
}

// Notice returns the last server rejection, or nil.
func (s *Store) Notice() *ApplicationError {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.notice
}

func (s *Store) ClearNotice() {
	s.mutex.Lock()
	had := s.notice != nil
	s.notice = nil
	s.mutex.Unlock()

	if had {
		s.notify(ChangeNotice)
	}
}

// SetIdentity records the player id assigned by the handshake.
func (s *Store) SetIdentity(playerID string) error {
	s.mutex.Lock()
	if s.hasIdentity {
		s.mutex.Unlock()
		return ErrIdentityAlreadySet
	}
	s.playerID = playerID
	s.hasIdentity = true
	s.mutex.Unlock()

	s.notify(ChangeIdentity)
	return nil
}

// SetGame binds the store to the game code. Switching to another game drops
// everything held for the previous one.
func (s *Store) SetGame(code string) {
	s.mutex.Lock()
	if code == s.game {
		s.mutex.Unlock()
		return
	}
	s.game = code
	s.clearLocked()
	s.mutex.Unlock()

	s.notify(ChangeReset)
}

// Replace swaps in snap after validating it.
func (s *Store) Replace(snap *models.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	s.mutex.Lock()
	if s.game != "" && snap.ID != "" && snap.ID != s.game {
		game := s.game
		s.mutex.Unlock()
		return fmt.Errorf("%w: got %s, bound to %s", ErrWrongGame, snap.ID, game)
	}
	s.snapshot = snap
	s.mutex.Unlock()

	s.notify(ChangeSnapshot)
	return nil
}

// OnOpen starts a fresh connection: the server will hand out a new identity.
func (s *Store) OnOpen() {
	s.clearIdentity()
}

// OnClose forgets the identity of the lost connection. The snapshot is kept
// until the next game_state.
func (s *Store) OnClose(err error) {
	s.clearIdentity()
}

func (s *Store) OnFrame(frame network.Frame) {
	switch frame.Type {
	case network.MsgTypeConnected:
		var p network.ConnectedPayload
		if err := frame.Decode(&p); err != nil || p.PlayerID == "" {
			logger.Log.Errorf("bad handshake frame: %v", err)
			return
		}
		if err := s.SetIdentity(p.PlayerID); err != nil {
			logger.Log.Warnf("ignoring handshake for %s: %v", p.PlayerID, err)
			return
		}
		logger.Log.Infof("joined as player %s", p.PlayerID)

	case network.MsgTypeGameState:
		snap := new(models.Snapshot)
		if err := frame.Decode(snap); err != nil {
			logger.Log.Errorf("dropping game state: %v", err)
			return
		}
		if err := s.Replace(snap); err != nil {
			logger.Log.Errorf("dropping game state: %v", err)
			return
		}

	case network.MsgTypeError:
		var p network.ErrorPayload
		if err := frame.Decode(&p); err != nil {
			logger.Log.Errorf("bad error frame: %v", err)
			return
		}
		s.mutex.Lock()
		s.notice = &ApplicationError{Message: p.Message}
		s.mutex.Unlock()
		logger.Log.Warnf("server rejected action: %s", p.Message)
		s.notify(ChangeNotice)

	case network.MsgTypeGameOver:
		var p network.GameOverPayload
		if err := frame.Decode(&p); err != nil {
			logger.Log.Errorf("bad game over frame: %v", err)
			return
		}
		logger.Log.Infof("game over: %s wins (%s)", p.Winner, p.Reason)
		s.record(p)

	default:
		// 其他消息只是通知, 状态以 game_state 为准
	}
}

// Reset clears everything, used on explicit disconnect.
func (s *Store) Reset() {
	s.mutex.Lock()
	s.game = ""
	s.clearLocked()
	s.mutex.Unlock()

	s.notify(ChangeReset)
}

func (s *Store) clearLocked() {
	s.snapshot = nil
	s.playerID = ""
	s.hasIdentity = false
	s.notice = nil
}

// Subscribe registers fn for every change. The returned func removes it.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMutex.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	s.order = append(s.order, id)
	s.subMutex.Unlock()

	return func() {
		s.subMutex.Lock()
		defer s.subMutex.Unlock()
		if _, ok := s.subs[id]; !ok {
			return
		}
		delete(s.subs, id)
		for i, v := range s.order {
			if v == id {
				s.order = append(s.order[:i:i], s.order[i+1:]...)
				break
			}
		}
	}
}

// Wait blocks until pending game records are written.
func (s *Store) Wait() {
	s.records.Wait()
}

func (s *Store) clearIdentity() {
	s.mutex.Lock()
	had := s.hasIdentity
	s.playerID = ""
	s.hasIdentity = false
	s.mutex.Unlock()

	if had {
		s.notify(ChangeIdentity)
	}
}

// record archives the final snapshot off the event loop. The server sends
// the final game_state before game_over.
func (s *Store) record(p network.GameOverPayload) {
	if s.recorder == nil {
		return
	}
	snap, ok := s.Snapshot()
	if !ok {
		logger.Log.Warn("game over without a snapshot, nothing to record")
		return
	}
	if snap.Winner == models.TeamNone {
		snap.Winner = p.Winner
	}

	s.records.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := s.recorder.RecordGame(ctx, snap, p.Reason); err != nil {
			logger.Log.Errorf("failed to record game %s: %v", snap.ID, err)
		}
	})
}

func (s *Store) notify(kind ChangeKind) {
	s.subMutex.Lock()
	fns := make([]func(Change), 0, len(s.order))
	for _, id := range s.order {
		fns = append(fns, s.subs[id])
	}
	s.subMutex.Unlock()

	change := Change{Kind: kind}
	for _, fn := range fns {
		fn(change)
	}
}
