// relaymesh CLI entry point.
//
// Starts a hub or a spoke of a relayed star session over WebSocket or
// WebRTC. Lines typed on stdin are sent as raw packets: "text" goes to every
// peer, "@3 text" to peer 3 and "@-3 text" to everyone except peer 3.
// "/peers" lists the known peers.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -transport, -listen, -url, -relay, -root) or a config file
// (-config).
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/relaymesh/internal/app"
	"github.com/1ureka/relaymesh/internal/config"
	"github.com/1ureka/relaymesh/internal/protocol"
	"github.com/1ureka/relaymesh/internal/replication"
	"github.com/1ureka/relaymesh/internal/router"
	"github.com/1ureka/relaymesh/internal/transport"
	"github.com/1ureka/relaymesh/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := flag.String("config", "", "Config file (yaml, toml or json)")
	role := flag.String("role", "", "Role: hub or spoke")
	kind := flag.String("transport", "", "Transport: ws or rtc")
	listen := flag.String("listen", "", "Listen address (hub only), e.g. :9000")
	hubURL := flag.String("url", "", "Hub URL (spoke only)")
	relay := flag.Bool("relay", true, "Relay traffic between spokes through the hub")
	root := flag.String("root", "", "Absolute root path for path simplification")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Validation waits until flags have been applied.
	cfg, err := config.Read(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["role"] {
		cfg.Role = config.Role(*role)
	}
	if set["transport"] {
		cfg.Transport = config.TransportKind(*kind)
	}
	if set["listen"] {
		cfg.Listen = *listen
	}
	if set["url"] {
		cfg.URL = *hubURL
	}
	if set["relay"] {
		cfg.Relay = *relay
	}
	if set["root"] {
		cfg.Root = *root
	}

	util.SetLevel(cfg.LogLevel)
	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("relaymesh v%s", version))
	pterm.Println()

	if !set["role"] && *configPath == "" {
		// No -role flag and no config file, ask.
		askConfig(cfg)
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("session closed")
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func run(ctx context.Context, cfg *config.Config) error {
	node := app.New(cfg, app.Hooks{
		Router: router.Listener{
			PeerConnected:      func(id protocol.PeerID) { util.LogSuccess("peer %d joined", id) },
			PeerDisconnected:   func(id protocol.PeerID) { util.LogInfo("peer %d left", id) },
			ConnectedToServer:  func() { util.LogSuccess("connected to hub") },
			ConnectionFailed:   func() { util.LogError("could not join the hub") },
			ServerDisconnected: func() { util.LogWarning("hub went away") },
			PeerPacket: func(from protocol.PeerID, data []byte) {
				pterm.Printfln("[%d] %s", from, string(data))
			},
		},
		Objects: replication.Listener{
			Spawned: func(o replication.Object) { util.LogDebug("peer %d spawned object %d", o.Owner, o.ID) },
		},
	})

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := node.Start(dialCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to start %s: %w", cfg.Role, err)
	}
	defer node.Close()

	if addr := node.Addr(); addr != nil {
		util.LogSuccess("hub listening on %s (%s, relay %t)", addr, cfg.Transport, cfg.Relay)
	} else {
		util.LogSuccess("dialed %s over %s", cfg.URL, cfg.Transport)
	}

	util.StartStatsReporter(ctx, cfg.StatsInterval)
	go readLines(ctx, node)

	err = node.Run(ctx)
	if errors.Is(err, app.ErrSessionEnded) {
		return nil
	}
	return err
}

// readLines turns stdin lines into raw packets, sent from the poll
// goroutine.
func readLines(ctx context.Context, node *app.Node) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		err := node.Exec(ctx, func() {
			if line == "/peers" {
				util.LogInfo("I am peer %d, peers: %v", node.Router.UniqueID(), node.Router.PeerIDs())
				return
			}
			to, text, err := parseLine(line)
			if err != nil {
				util.LogWarning("%v", err)
				return
			}
			if err := node.Router.SendBytes([]byte(text), to, transport.ModeReliable, 0); err != nil {
				util.LogWarning("send failed: %v", err)
			}
		})
		if err != nil {
			return
		}
	}
}

// parseLine splits an optional "@id " prefix off a chat line.
func parseLine(line string) (protocol.PeerID, string, error) {
	if !strings.HasPrefix(line, "@") {
		return protocol.PeerNone, line, nil
	}
	head, text, ok := strings.Cut(line[1:], " ")
	if !ok || strings.TrimSpace(text) == "" {
		return 0, "", fmt.Errorf("nothing to send after %q", "@"+head)
	}
	id, err := strconv.ParseInt(head, 10, 32)
	if err != nil {
		return 0, "", fmt.Errorf("invalid peer id %q", head)
	}
	return protocol.PeerID(id), strings.TrimSpace(text), nil
}

// ---------------------------------------------------------------------------
// Interactive prompts
// ---------------------------------------------------------------------------

// askConfig fills role, transport and address from interactive prompts.
func askConfig(cfg *config.Config) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Hub   - Host a session", "Spoke - Join a session"}).
		WithDefaultText("Select your role").
		Show()
	pterm.Println()

	kind, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"ws  - WebSocket", "rtc - WebRTC DataChannels"}).
		WithDefaultText("Select a transport").
		Show()
	pterm.Println()
	name, _, _ := strings.Cut(kind, " ")
	cfg.Transport = config.TransportKind(name)

	if strings.HasPrefix(role, "Hub") {
		cfg.Role = config.RoleHub
		cfg.Listen = askListen()
		return
	}
	cfg.Role = config.RoleSpoke
	cfg.URL = askURL()
}

// askListen prompts for a port until a valid one is entered. Empty picks a
// random port.
func askListen() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Port to listen on (1 ~ 65535, empty for random)").
			Show()

		raw = strings.TrimSpace(raw)
		if raw == "" {
			pterm.Println()
			return ":0"
		}
		port, err := strconv.Atoi(raw)
		if err == nil && port >= 1 && port <= 65535 {
			pterm.Println()
			return fmt.Sprintf(":%d", port)
		}

		util.LogWarning("invalid port number: must be 1 ~ 65535")
		pterm.Println()
	}
}

// askURL prompts the user for a valid hub URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Hub URL (e.g. ws://192.168.1.20:9000)").
			Show()

		hubURL, err := config.NormalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return hubURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
