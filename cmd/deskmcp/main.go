// ABOUTME: Entry point for the deskmcp session broker CLI
// ABOUTME: Wakes desktop MCP clients over push and invokes their tools through the relay

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/deskmcp/internal/broker"
	"github.com/2389/deskmcp/internal/config"
	"github.com/2389/deskmcp/internal/push"
	"github.com/2389/deskmcp/internal/relay"
	"github.com/2389/deskmcp/internal/session"
	"github.com/2389/deskmcp/internal/store"
	"github.com/2389/deskmcp/internal/token"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _           _
  __| | ___  ___| | ___ __ ___   ___ _ __
 / _' |/ _ \/ __| |/ / '_ ' _ \ / __| '_ \
| (_| |  __/\__ \   <| | | | | | (__| |_) |
 \__,_|\___||___/_|\_\_| |_| |_|\___| .__/
                                    |_|
`

// getConfigPath returns the path to the deskmcp config file.
// Priority: DESKMCP_CONFIG env var > XDG_CONFIG_HOME/deskmcp/deskmcp.yaml > ~/.config/deskmcp/deskmcp.yaml
func getConfigPath() string {
	if envPath := os.Getenv("DESKMCP_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "deskmcp.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "deskmcp", "deskmcp.yaml")
}

// getDataPath returns the path to the deskmcp data directory.
// Priority: XDG_DATA_HOME/deskmcp > ~/.local/share/deskmcp
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "deskmcp")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: deskmcp <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  init                        Create a new config file interactively")
		fmt.Println("  wake CLIENT                 Bring up a session to a desktop client")
		fmt.Println("  status CLIENT               Probe whether a client's session is live")
		fmt.Println("  tools CLIENT                List the tools a client exposes")
		fmt.Println("  call CLIENT TOOL [JSON]     Invoke a tool with JSON arguments")
		fmt.Println("  history CLIENT [N]          Show the last N recorded invocations")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "init":
		err = runInit()
	case "wake":
		err = runWake(ctx)
	case "status":
		err = runStatus(ctx)
	case "tools":
		err = runTools(ctx)
	case "call":
		err = runCall(ctx)
	case "history":
		err = runHistory(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles the wired-up components shared by every session command.
type app struct {
	cfg    *config.Config
	broker *broker.Broker
	relay  *relay.Client
	store  *store.SQLiteStore
	logger *slog.Logger
}

// newApp loads config and wires the relay client, token provider, push
// dispatcher, ledger, and broker together.
func newApp() (*app, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	relayClient := relay.NewClient(cfg.Relay.BaseURL, logger)
	provider := token.NewProvider(cfg.Identity, logger)
	dispatcher := push.NewDispatcher(relayClient, provider, cfg.Clients, cfg.Push, logger)

	var ledger *store.SQLiteStore
	if cfg.Database.Path != "" {
		ledger, err = store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening ledger: %w", err)
		}
	}

	opts := broker.Options{
		Relay:      relayClient,
		Dispatcher: dispatcher,
		Registry:   session.NewRegistry(logger),
		Timing:     cfg.Broker,
		ClientInfo: relay.ClientInfo{Name: "deskmcp", Version: version},
		Logger:     logger,
	}
	if ledger != nil {
		opts.Ledger = ledger
	}

	return &app{
		cfg:    cfg,
		broker: broker.New(opts),
		relay:  relayClient,
		store:  ledger,
		logger: logger,
	}, nil
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
}

func runWake(ctx context.Context) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: deskmcp wake CLIENT")
	}
	clientName := os.Args[2]

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	color.New(color.FgHiBlack).Printf("    version: %s\n\n", version)

	start := time.Now()
	s, err := a.broker.GetOrCreateSession(ctx, clientName)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Print("  ✓ ")
	fmt.Printf("Session:  %s\n", s.ID)
	green.Print("  ✓ ")
	fmt.Printf("Client:   %s\n", s.ClientName)
	green.Print("  ✓ ")
	fmt.Printf("Ready in: %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func runStatus(ctx context.Context) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: deskmcp status CLIENT")
	}
	clientName := os.Args[2]

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	// Status is a pure read: mint a throwaway session id and probe it, so a
	// sleeping client is reported as disconnected instead of being woken.
	sessionID, err := a.relay.MintSession(ctx, clientName)
	if err != nil {
		return fmt.Errorf("minting probe session: %w", err)
	}

	if a.relay.IsConnected(ctx, sessionID) {
		color.New(color.FgGreen).Printf("%s: connected\n", clientName)
	} else {
		color.New(color.FgYellow).Printf("%s: not connected\n", clientName)
	}
	return nil
}

func runTools(ctx context.Context) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: deskmcp tools CLIENT")
	}
	clientName := os.Args[2]

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	s, err := a.broker.GetOrCreateSession(ctx, clientName)
	if err != nil {
		return err
	}

	tools, err := a.broker.ListTools(ctx, s)
	if err != nil {
		return err
	}

	if len(tools) == 0 {
		fmt.Printf("%s exposes no tools\n", clientName)
		return nil
	}

	cyan := color.New(color.FgCyan)
	for _, t := range tools {
		cyan.Printf("  %s\n", t.Name)
		if t.Description != "" {
			fmt.Printf("      %s\n", t.Description)
		}
	}
	return nil
}

func runCall(ctx context.Context) error {
	if len(os.Args) < 4 {
		return fmt.Errorf("usage: deskmcp call CLIENT TOOL [JSON]")
	}
	clientName := os.Args[2]
	toolName := os.Args[3]

	var args map[string]any
	if len(os.Args) > 4 {
		if err := json.Unmarshal([]byte(os.Args[4]), &args); err != nil {
			return fmt.Errorf("parsing tool arguments: %w", err)
		}
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	s, err := a.broker.GetOrCreateSession(ctx, clientName)
	if err != nil {
		return err
	}

	out, err := a.broker.CallTool(ctx, s, toolName, args)
	if err != nil {
		return err
	}

	fmt.Println(out)
	return nil
}

func runHistory(ctx context.Context) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: deskmcp history CLIENT [N]")
	}
	clientName := os.Args[2]

	limit := 20
	if len(os.Args) > 3 {
		n, err := strconv.Atoi(os.Args[3])
		if err != nil {
			return fmt.Errorf("parsing limit: %w", err)
		}
		limit = n
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if a.store == nil {
		return fmt.Errorf("no database configured (set database.path in %s)", getConfigPath())
	}

	invs, err := a.store.ListInvocations(ctx, clientName, limit)
	if err != nil {
		return err
	}

	if len(invs) == 0 {
		fmt.Printf("no recorded invocations for %s\n", clientName)
		return nil
	}

	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	for _, inv := range invs {
		gray.Printf("%s  ", inv.StartedAt.Local().Format("Jan 02 15:04:05"))
		if inv.Status == store.InvocationStatusOK {
			green.Print("ok   ")
		} else {
			red.Print("err  ")
		}
		fmt.Printf("%-12s id=%d %s", inv.Method, inv.RequestID, inv.Duration.Round(time.Millisecond))
		if inv.Error != "" {
			gray.Printf("  %s", inv.Error)
		}
		fmt.Println()
	}
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("deskmcp configuration setup")
	fmt.Println("===========================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "deskmcp.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Relay
	fmt.Println("\n--- Relay Configuration ---")
	relayURL := prompt(reader, "Relay base URL", "https://relay.example.com")

	// Identity
	fmt.Println("\n--- Identity Configuration ---")
	tokenURL := prompt(reader, "Token endpoint URL", "https://login.example.com/oauth2/v2.0/token")
	clientID := prompt(reader, "Client id", "")
	clientSecret := prompt(reader, "Client secret (use ${ENV_VAR} to read from the environment)", "${DESKMCP_CLIENT_SECRET}")
	scope := prompt(reader, "Token scope", "https://wns.windows.com/.default")

	// Push
	fmt.Println("\n--- Push Configuration ---")
	callbackURL := prompt(reader, "Callback URL carried in wake payloads", relayURL)
	serverID := prompt(reader, "Server id", "deskmcp")

	// First client
	fmt.Println("\n--- Desktop Client ---")
	clientName := prompt(reader, "Client name", "my-desktop")
	channelURL := prompt(reader, "Push channel URL", "")

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# deskmcp configuration\n")
	cfg.WriteString("# Generated by deskmcp init\n\n")

	cfg.WriteString("relay:\n")
	cfg.WriteString(fmt.Sprintf("  base_url: \"%s\"\n", relayURL))
	cfg.WriteString("\n")

	cfg.WriteString("identity:\n")
	cfg.WriteString(fmt.Sprintf("  token_url: \"%s\"\n", tokenURL))
	cfg.WriteString(fmt.Sprintf("  client_id: \"%s\"\n", clientID))
	cfg.WriteString(fmt.Sprintf("  client_secret: \"%s\"\n", clientSecret))
	cfg.WriteString(fmt.Sprintf("  scope: \"%s\"\n", scope))
	cfg.WriteString("\n")

	cfg.WriteString("push:\n")
	cfg.WriteString(fmt.Sprintf("  callback_url: \"%s\"\n", callbackURL))
	cfg.WriteString(fmt.Sprintf("  server_id: \"%s\"\n", serverID))
	cfg.WriteString("\n")

	cfg.WriteString("clients:\n")
	cfg.WriteString(fmt.Sprintf("  %s:\n", clientName))
	cfg.WriteString(fmt.Sprintf("    channel_url: \"%s\"\n", channelURL))
	cfg.WriteString("\n")

	cfg.WriteString("broker:\n")
	cfg.WriteString("  connect_timeout: \"30s\"\n")
	cfg.WriteString("  connect_poll_interval: \"1s\"\n")
	cfg.WriteString("  ready_timeout: \"10s\"\n")
	cfg.WriteString("  ready_poll_interval: \"500ms\"\n")
	cfg.WriteString("  settle_delay: \"1s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo wake a client:")
	fmt.Printf("  deskmcp wake %s\n", clientName)

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
