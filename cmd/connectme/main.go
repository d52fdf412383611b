// Connectme — CLI entry point.
//
// This tool joins a video meeting as a terminal participant: it connects
// to the meeting broker over WebSocket, negotiates WebRTC sessions with
// every other participant, and relays chat from stdin. Media comes from
// the local camera and microphone, or from synthetic tracks in headless
// mode.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-server, -rest, -meeting, -user, -name, -headless, -debug).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"

	"github.com/ttcs/connectme-client/internal/api"
	"github.com/ttcs/connectme-client/internal/client"
	"github.com/ttcs/connectme-client/internal/config"
	"github.com/ttcs/connectme-client/internal/event"
	"github.com/ttcs/connectme-client/internal/media"
	"github.com/ttcs/connectme-client/internal/protocol"
	"github.com/ttcs/connectme-client/internal/signaling"
	"github.com/ttcs/connectme-client/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Load()

	// CLI flags. Defaults come from the environment via config.Load.
	serverFlag := flag.String("server", cfg.SocketURL, "Broker WebSocket URL")
	restFlag := flag.String("rest", cfg.RestURL, "Meeting REST API base URL")
	meetingFlag := flag.String("meeting", "", "Meeting code to join")
	userFlag := flag.String("user", "", "User id (random when empty)")
	nameFlag := flag.String("name", "", "Display name")
	headless := flag.Bool("headless", false, "Use synthetic media instead of capture devices")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address (e.g. :9091)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Connectme — v%s", version))
	pterm.Println()

	wsURL, err := normalizeWSURL(*serverFlag)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	cfg.SocketURL = wsURL
	cfg.RestURL = *restFlag

	meetingCode := strings.TrimSpace(*meetingFlag)
	if meetingCode == "" {
		// No -meeting flag → interactive mode.
		meetingCode = askMeetingCode()
	}

	userID := strings.TrimSpace(*userFlag)
	if userID == "" {
		userID = uuid.NewString()
	}
	displayName := strings.TrimSpace(*nameFlag)
	if displayName == "" {
		displayName = userID
	}

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr)
	}

	run(ctx, cfg, meetingCode, userID, displayName, *headless)
	util.LogInfo("successfully left meeting")
}

// run joins the meeting and drives the session until the context ends.
func run(ctx context.Context, cfg *config.Config, meetingCode, userID, displayName string, headless bool) {
	source, err := buildSource(headless)
	if err != nil {
		util.LogError("media setup failed: %v", err)
		os.Exit(1)
	}

	// Resolve the meeting through the REST API first. A broker session for
	// a nonexistent meeting would hang with an empty roster forever.
	if cfg.RestURL != "" {
		rest := api.NewClient(cfg.RestURL, cfg.AuthToken)
		meeting, err := rest.JoinMeeting(ctx, meetingCode)
		if err != nil {
			util.LogError("cannot join meeting %s: %v", meetingCode, err)
			os.Exit(1)
		}
		util.LogInfo("meeting: %s (%s)", meeting.Title, meeting.MeetingCode)
	}

	transport := signaling.NewClient(cfg.SocketURL, cfg.ConnectTimeout, cfg.ReconnectMinDelay, cfg.ReconnectMaxDelay)
	c := client.New(cfg, transport, source)

	unsubscribe := c.Events().Subscribe(consoleObserver())
	defer unsubscribe()

	if err := c.Join(ctx, userID, meetingCode, displayName); err != nil {
		util.LogError("failed to join meeting: %v", err)
		os.Exit(1)
	}
	defer c.Leave()

	util.LogSuccess("connected — type a message and press Enter to chat, Ctrl+C to leave")

	go reportSessions(ctx, c)
	go chatLoop(ctx, c)

	<-ctx.Done()
}

// buildSource picks real devices or synthetic tracks.
func buildSource(headless bool) (media.Source, error) {
	if headless {
		return media.NewStaticSource(), nil
	}
	return media.NewDeviceSource()
}

// consoleObserver renders core events as log lines.
func consoleObserver() *event.Observer {
	return &event.Observer{
		ParticipantJoined: func(ev protocol.UserJoinedEvent) {
			util.LogInfo("participant joined: %s", ev.UserID)
		},
		ParticipantLeft: func(ev protocol.UserLeftEvent) {
			util.LogInfo("participant left: %s", ev.UserID)
		},
		RemoteStreamAdded: func(remoteUserID string, stream *media.RemoteStream) {
			util.LogPeer(remoteUserID, "remote media flowing (%d tracks)", len(stream.Tracks()))
		},
		MessageReceived: func(msg protocol.ChatMessage) {
			name := msg.SenderName
			if name == "" {
				name = msg.SenderID
			}
			if msg.Type == "system" {
				pterm.Println(pterm.Gray("  * " + msg.Text))
				return
			}
			pterm.Println(pterm.Cyan(name+": ") + msg.Text)
		},
		FileReceived: func(ft protocol.FileTransfer) {
			util.LogInfo("file from %s: %s (%d bytes)", ft.SenderID, ft.FileName, ft.FileSize)
		},
		AudioToggled: func(remoteUserID string, enabled bool) {
			util.LogPeer(remoteUserID, "audio %s", onOff(enabled))
		},
		VideoToggled: func(remoteUserID string, enabled bool) {
			util.LogPeer(remoteUserID, "video %s", onOff(enabled))
		},
		Error: func(err error) {
			util.LogWarning("%v", err)
		},
	}
}

// chatLoop reads stdin lines and broadcasts them as chat messages. Slash
// commands control local media: /mute, /unmute, /video on|off, /share,
// /unshare, /send <path>.
func chatLoop(ctx context.Context, c *client.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			runCommand(c, line)
			continue
		}
		if err := c.SendChat(line); err != nil {
			util.LogWarning("chat not sent: %v", err)
		}
	}
}

// runCommand executes one slash command from the chat prompt.
func runCommand(c *client.Client, line string) {
	fields := strings.Fields(line)
	var err error

	switch fields[0] {
	case "/mute":
		err = c.ToggleAudio(false)
	case "/unmute":
		err = c.ToggleAudio(true)
	case "/video":
		if len(fields) < 2 {
			util.LogWarning("usage: /video on|off")
			return
		}
		err = c.ToggleVideo(fields[1] == "on")
	case "/share":
		err = c.ShareScreen()
	case "/unshare":
		err = c.StopScreenShare()
	case "/send":
		if len(fields) < 2 {
			util.LogWarning("usage: /send <path>")
			return
		}
		err = sendFile(c, fields[1])
	default:
		util.LogWarning("unknown command: %s", fields[0])
		return
	}

	if err != nil {
		util.LogWarning("%s failed: %v", fields[0], err)
	}
}

// sendFile relays a local file to the meeting.
func sendFile(c *client.Client, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	name := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		name = path[i+1:]
	}
	return c.SendFile(name, http.DetectContentType(data), data)
}

// reportSessions logs the active peer roster periodically at debug level.
func reportSessions(ctx context.Context, c *client.Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			peers := c.ActivePeers()
			util.LogDebug("active peer sessions: %d %v", len(peers), peers)
		}
	}
}

// serveMetrics exposes the Prometheus registry over HTTP.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	util.LogInfo("metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		util.LogWarning("metrics server stopped: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates and normalizes a raw WebSocket URL string.
func normalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	path := u.Path
	if path == "" {
		path = "/ws"
	}
	return fmt.Sprintf("%s://%s%s", scheme, u.Host, path), nil
}

// askMeetingCode prompts the user for a meeting code until one is entered.
func askMeetingCode() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Meeting code").
			Show()

		code := strings.TrimSpace(raw)
		if code != "" {
			pterm.Println()
			return code
		}

		util.LogWarning("meeting code must not be empty")
		pterm.Println()
	}
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}
