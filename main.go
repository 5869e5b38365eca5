// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/petervdpas/callkit/internal/app"
	"github.com/petervdpas/callkit/internal/config"
	"github.com/petervdpas/callkit/internal/signal/wsig"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("callkit v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: callkit peer <peer-directory>")
			os.Exit(1)
		}
		runPeer(args[1])

	case "relay":
		addr := ":8789"
		if len(args) >= 2 {
			addr = args[1]
		}
		runRelay(addr)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runPeer(peerDirArg string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}

	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Cannot create peer directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "callkit.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config: %s", cfgPath)
	}

	printPeerBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func runRelay(addr string) {
	relay := wsig.NewRelay()
	srv := &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(relay.Handler),
		ReadHeaderTimeout: 2 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down relay...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	log.Printf("Signaling relay listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Relay failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("callkit - peer-to-peer calls with live background replacement")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  callkit peer <directory>   Run a calling peer from the given directory")
	fmt.Println("  callkit relay [addr]       Run a websocket signaling relay (default :8789)")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  peer <directory>")
	fmt.Println("        Run a peer from the specified directory")
	fmt.Println("        A callkit.json configuration file is created on first run")
	fmt.Println()
	fmt.Println("  relay [addr]")
	fmt.Println("        Run the websocket fan-out relay peers can signal through")
	fmt.Println("        when no gossipsub mesh is available")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Run a peer")
	fmt.Println("  callkit peer ./peers/alice")
	fmt.Println()
	fmt.Println("  # Run a relay on a public host")
	fmt.Println("  callkit relay :8789")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    callkit peer                        ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if cfg.Identity.Name != "" {
		fmt.Printf("Display Name:   %s\n", cfg.Identity.Name)
	}
	if cfg.P2P.RelayURL != "" {
		fmt.Printf("Relay:          %s\n", cfg.P2P.RelayURL)
	}
	fmt.Println()
	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
