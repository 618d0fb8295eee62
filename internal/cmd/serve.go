package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	fiberws "github.com/gofiber/websocket/v2"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ccmux/ccmux/internal/config"
	"github.com/ccmux/ccmux/internal/events"
	"github.com/ccmux/ccmux/internal/handlers"
	"github.com/ccmux/ccmux/internal/logger"
	"github.com/ccmux/ccmux/internal/middleware"
	"github.com/ccmux/ccmux/internal/recovery"
	"github.com/ccmux/ccmux/internal/services"
	"github.com/ccmux/ccmux/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "🚀 Start the ccmux server",
	Long: `Starts the HTTP server, discovers surviving terminal windows from a
previous run, and serves the web UI, the session proxy and the socket
layer until interrupted.`,
	RunE: runServe,
}

var (
	servePort   int
	serveRemote bool
	serveRepos  []string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "HTTP listen port (default 3456)")
	serveCmd.Flags().BoolVarP(&serveRemote, "remote", "r", false, "Expose the server through a cloudflared tunnel with token auth")
	serveCmd.Flags().StringSliceVar(&serveRepos, "repos", nil, "Allow-list of repository paths clients may select")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Port = servePort
	}
	if serveRemote {
		cfg.Remote = true
	}
	if len(serveRepos) > 0 {
		cfg.Repos = append(cfg.Repos, serveRepos...)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	pretty := term.IsTerminal(int(os.Stdout.Fd()))
	logger.Configure(logger.GetLogLevelFromEnv(), pretty, cfg.LogsDir)
	defer logger.Close()

	store, err := storage.NewStore(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.NewBus()
	terminals := services.NewTerminalSupervisor(services.NewTmuxRunner(cfg.TmuxBin), cfg.AgentCommand, bus)
	ports := services.NewPortAllocator(cfg.GatewayPortStart, cfg.GatewayPortMax)
	gateways := services.NewGatewaySupervisor(cfg.TtydBin, cfg.TmuxBin, cfg.TerminalTheme, ports, bus)
	orch := services.NewOrchestrator(terminals, gateways, store, bus)
	worktrees := services.NewWorktreeService("git")
	tunnel := services.NewTunnelController(cfg.CloudflaredBin, bus)
	scanner := services.NewPortScanner(cfg.Port)

	gate := middleware.NewAuthGate(cfg.Remote)
	proxy := handlers.NewProxyHandler(orch)
	socket := handlers.NewSocketHandler(orch, worktrees, tunnel, scanner, cfg, bus)

	app := fiber.New(fiber.Config{
		AppName:               "ccmux",
		DisableStartupMessage: true,
	})
	app.Use(fiberrecover.New())
	app.Use(gate.RequireAuth)

	app.All("/t/:sid/*", proxy.Handle)

	app.Get("/socket.io/poll", socket.Poll)
	app.Post("/socket.io/send", socket.Send)
	app.Get("/socket.io/", func(c *fiber.Ctx) error {
		if fiberws.IsWebSocketUpgrade(c) {
			return socket.WebSocket()(c)
		}
		return fiber.ErrUpgradeRequired
	})

	app.Use("/", handlers.ServeUI())
	app.Use(handlers.ServeSPA)

	if cfg.Remote {
		recovery.SafeGo("tunnel-start", func() {
			var err error
			if cfg.TunnelName != "" {
				_, err = tunnel.StartNamed(cfg.TunnelName, cfg.TunnelHostname)
			} else {
				_, err = tunnel.StartQuick(fmt.Sprintf("http://localhost:%d", cfg.Port))
			}
			if err != nil {
				logger.Errorf("❌ Tunnel failed to start: %v", err)
			}
		})
	}

	errCh := make(chan error, 1)
	recovery.SafeGo("http-listen", func() {
		logger.Infof("🚀 ccmux listening on http://localhost:%d", cfg.Port)
		errCh <- app.Listen(fmt.Sprintf(":%d", cfg.Port))
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infof("🛑 Received %v, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
		logger.Warnf("⚠️ HTTP shutdown: %v", err)
	}
	orch.Cleanup()
	if err := tunnel.Stop(); err != nil {
		logger.Warnf("⚠️ Tunnel stop: %v", err)
	}
	return nil
}
