// Package cli implements the interactive admin console: live status
// tables and the moderation commands available to a server operator.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/stormhold-project/stormhold/internal/config"
	"github.com/stormhold-project/stormhold/internal/server"
)

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg  *config.Config
	core *server.Server
}

// NewCLI creates a new CLI handler.
func NewCLI(cfg *config.Config, core *server.Server) *CLI {
	return &CLI{cfg: cfg, core: core}
}

// Start begins the interactive CLI loop.
func (c *CLI) Start(ctx context.Context) {
	fmt.Println("\nStormhold console ready. Type 'help' for available commands.")

	reader := bufio.NewReader(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fmt.Print("stormhold> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return
			}
			continue
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		if err := c.execute(cmd, args); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

// execute processes a single CLI command.
func (c *CLI) execute(cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "games", "g":
		c.printGames()
	case "players", "p":
		c.printPlayers()
	case "rooms":
		c.printRooms()
	case "bans":
		c.printBans()
	case "kick":
		return c.cmdKick(args)
	case "ban":
		return c.cmdBan(args)
	case "unban":
		return c.cmdUnban(args)
	case "terminate":
		return c.cmdTerminate(args)
	case "announce", "msg":
		return c.cmdAnnounce(args)
	case "quit", "exit", "q":
		fmt.Println("Shutting down Stormhold...")
		c.core.Shutdown()
	default:
		fmt.Printf("Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Println()
	fmt.Println("  status               Show server counters")
	fmt.Println("  games                List live games")
	fmt.Println("  players              List connected players")
	fmt.Println("  rooms                List chat rooms")
	fmt.Println("  bans                 Show the server ban list")
	fmt.Println("  kick <name> [why]    Disconnect a player")
	fmt.Println("  ban <name|ip> [why]  Ban and disconnect a player or address")
	fmt.Println("  unban <name|ip>      Lift a ban")
	fmt.Println("  terminate <id>       Force-end a game")
	fmt.Println("  announce <text>      Message every room")
	fmt.Println("  quit                 Shutdown the server")
	fmt.Println("  help                 Show this help message")
	fmt.Println()
}

func (c *CLI) printStatus() {
	srv := c.cfg.GetServer()
	st := c.core.CurrentStatus()
	fmt.Printf("\n  Server:     %s (port %d)\n", srv.ServerName, srv.Port)
	fmt.Printf("  Players:    %d\n", st.Players)
	fmt.Printf("  Games:      %d\n", st.Games)
	fmt.Printf("  Rooms:      %d\n", st.Rooms)
	fmt.Printf("  Uptime:     %s\n", st.UptimeHuman)
	fmt.Printf("  Documents:  %d (%d bytes)\n\n", st.Documents, st.DocBytes)
}

func (c *CLI) printGames() {
	games := c.core.Games().Summaries()
	if len(games) == 0 {
		fmt.Println("No live games.")
		return
	}

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"ID", "Name", "Host", "Players", "Observers", "Started", "Turn"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, g := range games {
		tw.Append([]string{
			strconv.Itoa(g.ID),
			g.Name,
			g.Host,
			strconv.Itoa(g.Players),
			strconv.Itoa(g.Observers),
			fmt.Sprintf("%v", g.Started),
			strconv.Itoa(g.Turn),
		})
	}
	tw.Render()
	fmt.Println()
}

func (c *CLI) printPlayers() {
	players := c.core.Players().All()
	if len(players) == 0 {
		fmt.Println("No players connected.")
		return
	}

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Name", "Game", "Moderator", "Version", "Connected"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, p := range players {
		game := "lobby"
		if p.InGame() {
			game = strconv.Itoa(p.GameID())
		}
		tw.Append([]string{
			p.Username,
			game,
			fmt.Sprintf("%v", p.Moderator),
			p.Version,
			p.JoinedAt.Format("15:04:05"),
		})
	}
	tw.Render()
	fmt.Println()
}

func (c *CLI) printRooms() {
	for _, name := range c.core.Rooms().List() {
		fmt.Printf("  %s (%d members)\n", name, len(c.core.Rooms().Members(name)))
	}
}

func (c *CLI) printBans() {
	bans := c.core.Bans()
	if len(bans) == 0 {
		fmt.Println("No active bans.")
		return
	}

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Target", "Kind", "Reason", "By", "Expires"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, b := range bans {
		expires := "never"
		if !b.ExpiresAt.IsZero() {
			expires = b.ExpiresAt.Format(time.RFC3339)
		}
		tw.Append([]string{b.Target, b.Kind, b.Reason, b.BannedBy, expires})
	}
	tw.Render()
	fmt.Println()
}

func (c *CLI) cmdKick(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kick <name> [reason]")
	}
	return c.core.Kick(args[0], strings.Join(args[1:], " "))
}

func (c *CLI) cmdBan(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: ban <name|ip> [reason]")
	}
	target := args[0]
	kind := "name"
	if strings.Count(target, ".") == 3 || strings.Contains(target, ":") {
		kind = "ip"
	}
	return c.core.Ban(target, kind, strings.Join(args[1:], " "), "console", time.Time{})
}

func (c *CLI) cmdUnban(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: unban <name|ip>")
	}
	return c.core.Unban(args[0])
}

func (c *CLI) cmdTerminate(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: terminate <game id> [reason]")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid game id %q", args[0])
	}
	return c.core.TerminateGame(id, strings.Join(args[1:], " "))
}

func (c *CLI) cmdAnnounce(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: announce <text>")
	}
	c.core.Announce(strings.Join(args, " "))
	return nil
}
