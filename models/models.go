// models/models.go
package models

import (
	"errors"
	"fmt"
)

// BoardSize is the number of cards on a started board.
const BoardSize = 25

// Team 队伍
type Team string

const (
	TeamNone Team = ""
	TeamRed  Team = "red"
	TeamBlue Team = "blue"
)

func (t Team) Valid() bool {
	return t == TeamRed || t == TeamBlue
}

// Role 角色
type Role string

const (
	RoleNone      Role = ""
	RoleSpymaster Role = "spymaster"
	RoleOperative Role = "operative"
)

func (r Role) Valid() bool {
	return r == RoleSpymaster || r == RoleOperative
}

// CardType is the concealed category of a card. It is empty when the server
// hides it from the viewer.
type CardType string

const (
	CardHidden   CardType = ""
	CardRed      CardType = "red"
	CardBlue     CardType = "blue"
	CardNeutral  CardType = "neutral"
	CardAssassin CardType = "assassin"
)

// Phase 游戏阶段
type Phase string

const (
	PhaseLobby      Phase = "lobby"
	PhaseInProgress Phase = "in_progress"
	PhaseFinished   Phase = "finished"
)

// Card 卡牌
type Card struct {
	Word     string   `json:"word"`
	Type     CardType `json:"type"`
	Revealed bool     `json:"revealed"`
	Position int      `json:"position"`
}

// Visible reports whether the card's category may be shown to the viewer.
func (c Card) Visible(isSpymaster bool) bool {
	return c.Revealed || isSpymaster
}

// Player 玩家
type Player struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Team Team   `json:"team,omitempty"`
	Role Role   `json:"role,omitempty"`
}

func (p Player) Unassigned() bool {
	return p.Team == TeamNone
}

// Clue 线索
type Clue struct {
	Word   string `json:"word"`
	Number int    `json:"number"`
	Team   Team   `json:"team"`
}

// Snapshot is the full game state as sent in a game_state frame. A snapshot is
// never patched: each frame replaces the previous one.
type Snapshot struct {
	ID               string            `json:"id"`
	State            Phase             `json:"state"`
	Cards            []Card            `json:"cards"`
	Players          map[string]Player `json:"players"`
	CurrentTeam      Team              `json:"currentTeam"`
	StartingTeam     Team              `json:"startingTeam"`
	CurrentClue      *Clue             `json:"currentClue"`
	GuessesRemaining int               `json:"guessesRemaining"`
	Winner           Team              `json:"winner"`
	RedRemaining     int               `json:"redRemaining"`
	BlueRemaining    int               `json:"blueRemaining"`
	ClueHistory      []Clue            `json:"clueHistory"`
}

var ErrInvalidBoard = errors.New("invalid board")

// Validate checks the board shape only. The server owns every other rule.
func (s *Snapshot) Validate() error {
	if len(s.Cards) == 0 {
		return nil
	}
	if len(s.Cards) != BoardSize {
		return fmt.Errorf("%w: %d cards, want %d", ErrInvalidBoard, len(s.Cards), BoardSize)
	}
	seen := make(map[int]bool, BoardSize)
	for _, c := range s.Cards {
		if c.Position < 0 || c.Position >= BoardSize {
			return fmt.Errorf("%w: position %d out of range", ErrInvalidBoard, c.Position)
		}
		if seen[c.Position] {
			return fmt.Errorf("%w: duplicate position %d", ErrInvalidBoard, c.Position)
		}
		seen[c.Position] = true
	}
	return nil
}

// Player resolves a participant by id.
func (s *Snapshot) Player(id string) (Player, bool) {
	if s == nil || id == "" {
		return Player{}, false
	}
	p, ok := s.Players[id]
	return p, ok
}

// Card returns the card at a board position.
func (s *Snapshot) Card(position int) (Card, bool) {
	if s == nil {
		return Card{}, false
	}
	for _, c := range s.Cards {
		if c.Position == position {
			return c, true
		}
	}
	return Card{}, false
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	if s.Cards != nil {
		c.Cards = append([]Card(nil), s.Cards...)
	}
	if s.Players != nil {
		c.Players = make(map[string]Player, len(s.Players))
		for k, v := range s.Players {
			c.Players[k] = v
		}
	}
	if s.CurrentClue != nil {
		clue := *s.CurrentClue
		c.CurrentClue = &clue
	}
	if s.ClueHistory != nil {
		c.ClueHistory = append([]Clue(nil), s.ClueHistory...)
	}
	return &c
}
