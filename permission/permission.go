// permission/permission.go
package permission

import (
	"sort"

	"github.com/wfunc/codenames-client/models"
)

// Set gates what the local participant may do. It is a plain value, so two
// derivations from the same inputs compare equal with ==.
type Set struct {
	IsSpymaster        bool
	IsOperative        bool
	IsMyTeamTurn       bool
	IsMyTurnToGiveClue bool
	IsMyTurnToGuess    bool
	CanStartGame       bool

	HasJoined     bool
	CanChooseRole bool
	CanGiveClue   bool
	CanGuess      bool
	CanEndTurn    bool
	CanReset      bool
}

// Derive computes the permission set for playerID. A nil snapshot or an
// unknown player yields the zero Set, except CanStartGame which only
// depends on the roster.
func Derive(snap *models.Snapshot, playerID string) Set {
	var s Set
	if snap == nil {
		return s
	}

	s.CanStartGame = snap.State == models.PhaseLobby &&
		hasSpymaster(snap, models.TeamRed) &&
		hasSpymaster(snap, models.TeamBlue)
	s.CanReset = snap.State == models.PhaseFinished

	me, ok := snap.Player(playerID)
	if !ok || playerID == "" {
		return s
	}
	s.HasJoined = true
	s.CanChooseRole = snap.State == models.PhaseLobby

	s.IsSpymaster = me.Role == models.RoleSpymaster
	s.IsOperative = me.Role == models.RoleOperative
	s.IsMyTeamTurn = !me.Unassigned() && snap.CurrentTeam == me.Team

	hasClue := snap.CurrentClue != nil
	s.IsMyTurnToGiveClue = s.IsSpymaster && s.IsMyTeamTurn && !hasClue
	s.IsMyTurnToGuess = s.IsOperative && s.IsMyTeamTurn && hasClue

	playing := snap.State == models.PhaseInProgress
	s.CanGiveClue = s.IsMyTurnToGiveClue && playing
	s.CanGuess = s.IsMyTurnToGuess && playing
	s.CanEndTurn = s.CanGuess
	return s
}

// CanReveal reports whether the card at position can be guessed now.
func CanReveal(snap *models.Snapshot, set Set, position int) bool {
	if !set.CanGuess || snap == nil {
		return false
	}
	card, ok := snap.Card(position)
	return ok && !card.Revealed
}

// RoleTaken reports whether someone other than playerID already holds the
// team/role seat.
func RoleTaken(snap *models.Snapshot, playerID string, team models.Team, role models.Role) bool {
	if snap == nil || !team.Valid() || !role.Valid() {
		return false
	}
	for id, p := range snap.Players {
		if id != playerID && p.Team == team && p.Role == role {
			return true
		}
	}
	return false
}

// Roster is the player list split by team.
type Roster struct {
	Red        []models.Player
	Blue       []models.Player
	Unassigned []models.Player
}

// GroupByTeam splits players by team, each group sorted by name then id.
func GroupByTeam(snap *models.Snapshot) Roster {
	var r Roster
	if snap == nil {
		return r
	}
	for _, p := range snap.Players {
		switch p.Team {
		case models.TeamRed:
			r.Red = append(r.Red, p)
		case models.TeamBlue:
			r.Blue = append(r.Blue, p)
		default:
			r.Unassigned = append(r.Unassigned, p)
		}
	}
	sortPlayers(r.Red)
	sortPlayers(r.Blue)
	sortPlayers(r.Unassigned)
	return r
}

func hasSpymaster(snap *models.Snapshot, team models.Team) bool {
	for _, p := range snap.Players {
		if p.Team == team && p.Role == models.RoleSpymaster {
			return true
		}
	}
	return false
}

func sortPlayers(players []models.Player) {
	sort.Slice(players, func(i, j int) bool {
		if players[i].Name != players[j].Name {
			return players[i].Name < players[j].Name
		}
		return players[i].ID < players[j].ID
	})
}
