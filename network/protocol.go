package network

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wfunc/codenames-client/models"
)

// Client -> server frame types.
const (
	MsgTypeJoinGame   = "join_game"
	MsgTypeAssignRole = "assign_role"
	MsgTypeStartGame  = "start_game"
	MsgTypeGiveClue   = "give_clue"
	MsgTypeRevealCard = "reveal_card"
	MsgTypeEndTurn    = "end_turn"
	MsgTypeResetGame  = "reset_game"
)

// Server -> client frame types.
const (
	MsgTypeConnected    = "connected"
	MsgTypeGameState    = "game_state"
	MsgTypeGameStarted  = "game_started"
	MsgTypeClueGiven    = "clue_given"
	MsgTypeCardRevealed = "card_revealed"
	MsgTypeTurnEnded    = "turn_ended"
	MsgTypePlayerJoined = "player_joined"
	MsgTypePlayerLeft   = "player_left"
	MsgTypeGameOver     = "game_over"
	MsgTypeGameReset    = "game_reset"
	MsgTypeError        = "error"
)

// Frame is the envelope of every message in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

var emptyPayload = json.RawMessage("{}")

// NewFrame marshals payload into a frame. A nil payload becomes {}.
func NewFrame(msgType string, payload interface{}) (Frame, error) {
	if payload == nil {
		return Frame{Type: msgType, Payload: emptyPayload}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}
	return Frame{Type: msgType, Payload: b}, nil
}

func (f Frame) Marshal() ([]byte, error) {
	if len(f.Payload) == 0 {
		f.Payload = emptyPayload
	}
	return json.Marshal(f)
}

// Decode unmarshals the payload into v.
func (f Frame) Decode(v interface{}) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", f.Type, err)
	}
	return nil
}

var ErrMissingType = errors.New("frame has no type")

// ParseFrame decodes an inbound envelope.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	if f.Type == "" {
		return Frame{}, ErrMissingType
	}
	return f, nil
}

type JoinGamePayload struct {
	PlayerName string `json:"player_name"`
}

type AssignRolePayload struct {
	Team models.Team `json:"team"`
	Role models.Role `json:"role"`
}

type GiveCluePayload struct {
	Word   string `json:"word"`
	Number int    `json:"number"`
}

type RevealCardPayload struct {
	Position int `json:"position"`
}

type ConnectedPayload struct {
	PlayerID string `json:"playerId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type GameOverPayload struct {
	Winner models.Team `json:"winner"`
	Reason string      `json:"reason"`
}
