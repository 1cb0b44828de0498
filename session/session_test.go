package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/wfunc/codenames-client/models"
	"github.com/wfunc/codenames-client/network"
	"github.com/wfunc/codenames-client/persistence"
)

func frame(t *testing.T, msgType string, payload interface{}) network.Frame {
	t.Helper()
	f, err := network.NewFrame(msgType, payload)
	if err != nil {
		t.Fatalf("NewFrame(%s) failed: %v", msgType, err)
	}
	return f
}

func lobbySnapshot(code string) *models.Snapshot {
	return &models.Snapshot{
		ID:    code,
		State: models.PhaseLobby,
		Players: map[string]models.Player{
			"p1": {ID: "p1", Name: "Ann"},
		},
	}
}

func fullSnapshot(code string) *models.Snapshot {
	cards := make([]models.Card, models.BoardSize)
	for i := range cards {
		cards[i] = models.Card{Word: fmt.Sprintf("W%d", i), Position: i}
	}
	s := lobbySnapshot(code)
	s.State = models.PhaseInProgress
	s.Cards = cards
	s.CurrentTeam = models.TeamRed
	s.StartingTeam = models.TeamRed
	return s
}

func TestStore_Empty(t *testing.T) {
	store := NewStore(nil)

	if _, ok := store.Snapshot(); ok {
		t.Error("New store should have no snapshot")
	}
	if _, ok := store.PlayerID(); ok {
		t.Error("New store should have no identity")
	}
	if store.Notice() != nil {
		t.Error("New store should have no notice")
	}
}

func TestStore_Handshake(t *testing.T) {
	store := NewStore(nil)

	store.OnFrame(frame(t, network.MsgTypeConnected, network.ConnectedPayload{PlayerID: "p1"}))
	id, ok := store.PlayerID()
	if !ok || id != "p1" {
		t.Fatalf("Expected identity p1, got %q (%v)", id, ok)
	}

	// 同一连接上的第二次握手被忽略
	store.OnFrame(frame(t, network.MsgTypeConnected, network.ConnectedPayload{PlayerID: "p2"}))
	if id, _ := store.PlayerID(); id != "p1" {
		t.Errorf("Second handshake overwrote identity: %q", id)
	}
	if err := store.SetIdentity("p3"); !errors.Is(err, ErrIdentityAlreadySet) {
		t.Errorf("Expected ErrIdentityAlreadySet, got %v", err)
	}
}

func TestStore_IdentityPerConnection(t *testing.T) {
	store := NewStore(nil)
	store.OnFrame(frame(t, network.MsgTypeConnected, network.ConnectedPayload{PlayerID: "p1"}))
	store.OnFrame(frame(t, network.MsgTypeGameState, lobbySnapshot("ABC123")))

	store.OnClose(errors.New("connection reset"))
	if _, ok := store.PlayerID(); ok {
		t.Error("Identity should be cleared when the connection closes")
	}
	if _, ok := store.Snapshot(); !ok {
		t.Error("Snapshot should survive a dropped connection")
	}

	store.OnOpen()
	store.OnFrame(frame(t, network.MsgTypeConnected, network.ConnectedPayload{PlayerID: "p9"}))
	if id, _ := store.PlayerID(); id != "p9" {
		t.Errorf("Expected new identity p9 after reconnect, got %q", id)
	}
}

func TestStore_GameStateReplaces(t *testing.T) {
	store := NewStore(nil)

	first := fullSnapshot("ABC123")
	store.OnFrame(frame(t, network.MsgTypeGameState, first))

	second := fullSnapshot("ABC123")
	second.Cards[0].Revealed = true
	second.Players = map[string]models.Player{"p2": {ID: "p2", Name: "Bob"}}
	store.OnFrame(frame(t, network.MsgTypeGameState, second))

	got, ok := store.Snapshot()
	if !ok {
		t.Fatal("Expected a snapshot")
	}
	if !got.Cards[0].Revealed {
		t.Error("Snapshot was not replaced")
	}
	// 整体替换, 不合并
	if _, ok := got.Players["p1"]; ok {
		t.Error("Old players leaked into the new snapshot")
	}
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	store := NewStore(nil)
	if err := store.Replace(fullSnapshot("ABC123")); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	a, _ := store.Snapshot()
	a.Cards[3].Revealed = true
	a.Players["p1"] = models.Player{ID: "p1", Name: "Mallory"}

	b, _ := store.Snapshot()
	if b.Cards[3].Revealed || b.Players["p1"].Name != "Ann" {
		t.Error("Caller mutation reached the stored snapshot")
	}
}

func TestStore_InvalidGameStateDropped(t *testing.T) {
	store := NewStore(nil)
	store.OnFrame(frame(t, network.MsgTypeGameState, lobbySnapshot("ABC123")))

	bad := fullSnapshot("ABC123")
	bad.Cards = bad.Cards[:10]
	store.OnFrame(frame(t, network.MsgTypeGameState, bad))
	store.OnFrame(network.Frame{Type: network.MsgTypeGameState, Payload: json.RawMessage(`[1,2]`)})

	got, _ := store.Snapshot()
	if got.State != models.PhaseLobby {
		t.Errorf("Invalid game state replaced the snapshot: %+v", got)
	}
}

func TestStore_ErrorNotice(t *testing.T) {
	store := NewStore(nil)

	var kinds []ChangeKind
	store.Subscribe(func(c Change) { kinds = append(kinds, c.Kind) })

	store.OnFrame(frame(t, network.MsgTypeError, network.ErrorPayload{Message: "Not your turn"}))
	notice := store.Notice()
	if notice == nil || notice.Message != "Not your turn" {
		t.Fatalf("Expected notice, got %v", notice)
	}
	if notice.Error() != "server: Not your turn" {
		t.Errorf("Unexpected error text %q", notice.Error())
	}

	store.ClearNotice()
	store.ClearNotice()
	if store.Notice() != nil {
		t.Error("ClearNotice did not clear")
	}
	if len(kinds) != 2 || kinds[0] != ChangeNotice || kinds[1] != ChangeNotice {
		t.Errorf("Expected two notice changes, got %v", kinds)
	}
}

func TestStore_AdvisoryFramesIgnored(t *testing.T) {
	store := NewStore(nil)
	changes := 0
	store.Subscribe(func(Change) { changes++ })

	for _, typ := range []string{
		network.MsgTypeGameStarted,
		network.MsgTypeClueGiven,
		network.MsgTypeCardRevealed,
		network.MsgTypeTurnEnded,
		network.MsgTypePlayerJoined,
		network.MsgTypePlayerLeft,
		network.MsgTypeGameReset,
		"something_new",
	} {
		store.OnFrame(network.Frame{Type: typ, Payload: json.RawMessage(`{}`)})
	}

	if changes != 0 {
		t.Errorf("Advisory frames changed the store %d times", changes)
	}
	if _, ok := store.Snapshot(); ok {
		t.Error("Advisory frames must not create a snapshot")
	}
}

func TestStore_Reset(t *testing.T) {
	store := NewStore(nil)
	store.OnFrame(frame(t, network.MsgTypeConnected, network.ConnectedPayload{PlayerID: "p1"}))
	store.OnFrame(frame(t, network.MsgTypeGameState, lobbySnapshot("ABC123")))
	store.OnFrame(frame(t, network.MsgTypeError, network.ErrorPayload{Message: "x"}))

	store.Reset()

	if _, ok := store.Snapshot(); ok {
		t.Error("Reset should drop the snapshot")
	}
	if _, ok := store.PlayerID(); ok {
		t.Error("Reset should drop the identity")
	}
	if store.Notice() != nil {
		t.Error("Reset should drop the notice")
	}
}

func TestStore_Subscribe(t *testing.T) {
	store := NewStore(nil)

	var got []ChangeKind
	unsubscribe := store.Subscribe(func(c Change) { got = append(got, c.Kind) })

	store.OnFrame(frame(t, network.MsgTypeConnected, network.ConnectedPayload{PlayerID: "p1"}))
	store.OnFrame(frame(t, network.MsgTypeGameState, lobbySnapshot("ABC123")))
	store.Reset()
	unsubscribe()
	unsubscribe()
	store.OnFrame(frame(t, network.MsgTypeGameState, lobbySnapshot("ABC123")))

	want := []ChangeKind{ChangeIdentity, ChangeSnapshot, ChangeReset}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("change %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

type countingRecorder struct {
	*persistence.MemoryRecorder
	mutex sync.Mutex
	calls int
}

func (r *countingRecorder) RecordGame(ctx context.Context, snap *models.Snapshot, reason string) error {
	r.mutex.Lock()
	r.calls++
	r.mutex.Unlock()
	return r.MemoryRecorder.RecordGame(ctx, snap, reason)
}

func TestStore_GameOverRecorded(t *testing.T) {
	rec := &countingRecorder{MemoryRecorder: persistence.NewMemoryRecorder()}
	store := NewStore(rec)

	// game_over 之前没有快照, 不记录
	store.OnFrame(frame(t, network.MsgTypeGameOver, network.GameOverPayload{Winner: models.TeamRed}))
	store.Wait()
	if rec.calls != 0 {
		t.Fatalf("Expected no record without a snapshot, got %d", rec.calls)
	}

	final := fullSnapshot("ABC123")
	final.State = models.PhaseFinished
	store.OnFrame(frame(t, network.MsgTypeGameState, final))
	store.OnFrame(frame(t, network.MsgTypeGameOver, network.GameOverPayload{Winner: models.TeamRed, Reason: "assassin"}))
	store.Wait()

	history, err := rec.History(context.Background(), "ABC123")
	if err != nil {
		t.Fatalf("Expected a recorded game, got %v", err)
	}
	if history[0].Winner != "red" || history[0].Reason != "assassin" {
		t.Errorf("Unexpected record %+v", history[0])
	}
}

func TestStore_SetGameRefusesOtherGames(t *testing.T) {
	store := NewStore(nil)
	store.SetGame("AAAAAA")
	store.OnFrame(frame(t, network.MsgTypeConnected, network.ConnectedPayload{PlayerID: "p1"}))
	if err := store.Replace(lobbySnapshot("AAAAAA")); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	var kinds []ChangeKind
	store.Subscribe(func(c Change) { kinds = append(kinds, c.Kind) })

	// 同一局不清空
	store.SetGame("AAAAAA")
	if _, ok := store.Snapshot(); !ok {
		t.Fatal("Rebinding the same game dropped the snapshot")
	}

	store.SetGame("BBBBBB")
	if _, ok := store.Snapshot(); ok {
		t.Error("Switching games should drop the snapshot")
	}
	if _, ok := store.PlayerID(); ok {
		t.Error("Switching games should drop the identity")
	}

	// 旧连接迟到的 game_state
	if err := store.Replace(lobbySnapshot("AAAAAA")); !errors.Is(err, ErrWrongGame) {
		t.Errorf("Expected ErrWrongGame, got %v", err)
	}
	store.OnFrame(frame(t, network.MsgTypeGameState, lobbySnapshot("AAAAAA")))
	if _, ok := store.Snapshot(); ok {
		t.Error("Late snapshot of the previous game was accepted")
	}

	store.OnFrame(frame(t, network.MsgTypeGameState, lobbySnapshot("BBBBBB")))
	if got, ok := store.Snapshot(); !ok || got.ID != "BBBBBB" {
		t.Errorf("Expected snapshot of BBBBBB, got %+v", got)
	}
	if len(kinds) != 2 || kinds[0] != ChangeReset || kinds[1] != ChangeSnapshot {
		t.Errorf("Expected reset then snapshot, got %v", kinds)
	}
}
