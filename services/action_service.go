// services/action_service.go
package services

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/wfunc/codenames-client/models"
	"github.com/wfunc/codenames-client/network"
)

const (
	MaxNameLength = 20
	MaxClueNumber = 9
)

// ValidationError is a locally rejected intent. Nothing was sent.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Sender is the outbound side of the connection manager.
type Sender interface {
	Send(frame network.Frame) error
}

// SnapshotSource supplies the current board for range checks.
type SnapshotSource interface {
	Snapshot() (*models.Snapshot, bool)
}

// ActionService turns player intents into outbound frames. It checks shape
// only; whose turn it is stays the server's call, and the local snapshot is
// never touched until the server answers with game_state.
type ActionService struct {
	sender    Sender
	snapshots SnapshotSource
}

func NewActionService(sender Sender, snapshots SnapshotSource) *ActionService {
	return &ActionService{sender: sender, snapshots: snapshots}
}

// Join 加入游戏
func (s *ActionService) Join(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("longer than %d characters", MaxNameLength)}
	}
	return s.send(network.MsgTypeJoinGame, network.JoinGamePayload{PlayerName: name})
}

// ChooseRole 选择队伍和角色
func (s *ActionService) ChooseRole(team models.Team, role models.Role) error {
	if !team.Valid() {
		return &ValidationError{Field: "team", Reason: fmt.Sprintf("unknown team %q", team)}
	}
	if !role.Valid() {
		return &ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
	}
	return s.send(network.MsgTypeAssignRole, network.AssignRolePayload{Team: team, Role: role})
}

func (s *ActionService) Start() error {
	return s.send(network.MsgTypeStartGame, nil)
}

// GiveClue 给出线索: one word, count in [0, 9].
func (s *ActionService) GiveClue(word string, count int) error {
	word = strings.TrimSpace(word)
	if word == "" {
		return &ValidationError{Field: "word", Reason: "must not be empty"}
	}
	if strings.IndexFunc(word, unicode.IsSpace) >= 0 {
		return &ValidationError{Field: "word", Reason: "must be a single word"}
	}
	if count < 0 || count > MaxClueNumber {
		return &ValidationError{Field: "number", Reason: fmt.Sprintf("%d not in [0, %d]", count, MaxClueNumber)}
	}
	return s.send(network.MsgTypeGiveClue, network.GiveCluePayload{Word: word, Number: count})
}

// Reveal 翻牌
func (s *ActionService) Reveal(position int) error {
	size := s.boardSize()
	if position < 0 || position >= size {
		return &ValidationError{Field: "position", Reason: fmt.Sprintf("%d not in [0, %d)", position, size)}
	}
	return s.send(network.MsgTypeRevealCard, network.RevealCardPayload{Position: position})
}

func (s *ActionService) EndTurn() error {
	return s.send(network.MsgTypeEndTurn, nil)
}

func (s *ActionService) Reset() error {
	return s.send(network.MsgTypeResetGame, nil)
}

func (s *ActionService) boardSize() int {
	if s.snapshots == nil {
		return models.BoardSize
	}
	snap, ok := s.snapshots.Snapshot()
	if !ok || len(snap.Cards) == 0 {
		return models.BoardSize
	}
	return len(snap.Cards)
}

func (s *ActionService) send(msgType string, payload interface{}) error {
	frame, err := network.NewFrame(msgType, payload)
	if err != nil {
		return err
	}
	return s.sender.Send(frame)
}
