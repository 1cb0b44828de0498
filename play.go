package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/wfunc/codenames-client/client"
	"github.com/wfunc/codenames-client/config"
	"github.com/wfunc/codenames-client/logger"
	"github.com/wfunc/codenames-client/models"
	"github.com/wfunc/codenames-client/network"
	"github.com/wfunc/codenames-client/permission"
	"github.com/wfunc/codenames-client/session"
)

const helpText = `commands:
  join NAME             join the game
  role TEAM ROLE        red|blue spymaster|operative
  start                 start the game
  clue WORD N           give a clue
  reveal N              reveal card N
  end                   end the turn
  reset                 back to the lobby after a game
  board | players | status
  reconnect             reconnect after giving up
  quit`

// play runs the interactive loop until quit, EOF or ctx is done.
func play(ctx context.Context, cmd *cobra.Command, cfg *config.Config, code, name string) error {
	out := cmd.OutOrStdout()

	c, err := client.New(cfg, client.WithContext(ctx))
	if err != nil {
		return err
	}
	defer c.Close()

	if cfg.Metrics.Address != "" {
		srv := c.Monitor().StartServer(cfg.Metrics.Address, c.Registry())
		defer srv.Close()
	}

	// 打印服务端通知
	defer c.Router().OnMessage(func(f network.Frame) { printAdvisory(out, f) })()
	defer c.Subscribe(func(u client.Update) {
		if u.Change.Kind == session.ChangeNotice {
			if n := c.Notice(); n != nil {
				fmt.Fprintf(out, "! %s\n", n.Message)
			}
		}
	})()

	if name != "" {
		pending := name
		var unsubscribe func()
		unsubscribe = c.Subscribe(func(u client.Update) {
			if u.Change.Kind != session.ChangeIdentity || pending == "" {
				return
			}
			if _, ok := c.PlayerID(); ok {
				if err := c.Actions().Join(pending); err != nil {
					logger.Log.Warnf("auto join failed: %v", err)
				}
				pending = ""
				go unsubscribe()
			}
		})
		defer unsubscribe()
	}

	if err := c.Connect(code); err != nil {
		return err
	}

	fmt.Fprintln(out, `type "help" for commands`)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.Disconnect()
			return nil
		case line, ok := <-lines:
			if !ok {
				c.Disconnect()
				return nil
			}
			quit, err := runCommand(out, c, code, line)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if quit {
				c.Disconnect()
				return nil
			}
		}
	}
}

func runCommand(out io.Writer, c *client.Client, code, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	args := fields[1:]
	actions := c.Actions()

	switch strings.ToLower(fields[0]) {
	case "help", "?":
		fmt.Fprintln(out, helpText)
	case "quit", "exit":
		return true, nil
	case "join":
		return false, actions.Join(strings.Join(args, " "))
	case "role":
		if len(args) != 2 {
			return false, errors.New("usage: role TEAM ROLE")
		}
		snap, _ := c.Snapshot()
		id, _ := c.PlayerID()
		team, role := models.Team(strings.ToLower(args[0])), models.Role(strings.ToLower(args[1]))
		if permission.RoleTaken(snap, id, team, role) {
			return false, fmt.Errorf("%s %s is taken", team, role)
		}
		return false, actions.ChooseRole(team, role)
	case "start":
		if !c.Permissions().CanStartGame {
			return false, errors.New("need one spymaster per team to start")
		}
		return false, actions.Start()
	case "clue":
		if len(args) != 2 {
			return false, errors.New("usage: clue WORD N")
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return false, fmt.Errorf("bad number %q", args[1])
		}
		return false, actions.GiveClue(args[0], n)
	case "reveal":
		if len(args) != 1 {
			return false, errors.New("usage: reveal N")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return false, fmt.Errorf("bad position %q", args[0])
		}
		return false, actions.Reveal(n)
	case "end":
		return false, actions.EndTurn()
	case "reset":
		return false, actions.Reset()
	case "board":
		printBoard(out, c)
	case "players":
		printPlayers(out, c)
	case "status":
		printStatus(out, c)
	case "reconnect":
		return false, c.Connect(code)
	default:
		return false, fmt.Errorf("unknown command %q, try help", fields[0])
	}
	return false, nil
}

func printAdvisory(out io.Writer, f network.Frame) {
	switch f.Type {
	case network.MsgTypeGameStarted:
		fmt.Fprintln(out, "* game started")
	case network.MsgTypeClueGiven:
		var clue network.GiveCluePayload
		if f.Decode(&clue) == nil {
			fmt.Fprintf(out, "* clue: %s %d\n", clue.Word, clue.Number)
		}
	case network.MsgTypeTurnEnded:
		fmt.Fprintln(out, "* turn ended")
	case network.MsgTypeGameOver:
		var over network.GameOverPayload
		if f.Decode(&over) == nil {
			fmt.Fprintf(out, "* game over: %s wins (%s)\n", over.Winner, over.Reason)
		}
	case network.MsgTypeGameReset:
		fmt.Fprintln(out, "* back to the lobby")
	}
}

func printStatus(out io.Writer, c *client.Client) {
	fmt.Fprintf(out, "connection: %s  game: %s\n", c.State(), c.Code())
	snap, ok := c.Snapshot()
	if !ok {
		return
	}
	fmt.Fprintf(out, "phase: %s  turn: %s  red left: %d  blue left: %d\n",
		snap.State, snap.CurrentTeam, snap.RedRemaining, snap.BlueRemaining)
	if snap.CurrentClue != nil {
		fmt.Fprintf(out, "clue: %s %d (%d guesses left)\n",
			snap.CurrentClue.Word, snap.CurrentClue.Number, snap.GuessesRemaining)
	}
	if snap.Winner != models.TeamNone {
		fmt.Fprintf(out, "winner: %s\n", snap.Winner)
	}

	p := c.Permissions()
	switch {
	case p.CanGiveClue:
		fmt.Fprintln(out, "your move: give a clue")
	case p.CanGuess:
		fmt.Fprintln(out, "your move: reveal cards or end the turn")
	case p.CanStartGame:
		fmt.Fprintln(out, "ready to start")
	}
}

func printPlayers(out io.Writer, c *client.Client) {
	snap, ok := c.Snapshot()
	if !ok {
		fmt.Fprintln(out, "no game state yet")
		return
	}
	me, _ := c.PlayerID()
	roster := permission.GroupByTeam(snap)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, group := range []struct {
		label   string
		players []models.Player
	}{
		{"red", roster.Red},
		{"blue", roster.Blue},
		{"none", roster.Unassigned},
	} {
		for _, p := range group.players {
			marker := ""
			if p.ID == me {
				marker = "(you)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", group.label, p.Name, p.Role, marker)
		}
	}
	w.Flush()
}

func printBoard(out io.Writer, c *client.Client) {
	snap, ok := c.Snapshot()
	if !ok || len(snap.Cards) == 0 {
		fmt.Fprintln(out, "no board yet")
		return
	}
	spymaster := c.Permissions().IsSpymaster
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for i, card := range snap.Cards {
		label := card.Word
		if card.Visible(spymaster) && card.Type != models.CardHidden {
			label = fmt.Sprintf("%s[%s]", card.Word, card.Type)
		}
		if card.Revealed {
			label = "*" + label
		}
		fmt.Fprintf(w, "%2d %s\t", card.Position, label)
		if (i+1)%5 == 0 {
			fmt.Fprintln(w)
		}
	}
	w.Flush()
}
