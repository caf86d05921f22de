package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shellkit/wmd/internal/config"
	"github.com/shellkit/wmd/internal/diag"
	"github.com/shellkit/wmd/internal/feed"
	"github.com/shellkit/wmd/internal/frontend"
	"github.com/shellkit/wmd/internal/host"
	"github.com/shellkit/wmd/internal/mock"
	"github.com/shellkit/wmd/internal/relay"
	"github.com/shellkit/wmd/internal/server"
	"github.com/shellkit/wmd/internal/store"
	"github.com/shellkit/wmd/internal/transport"
	"github.com/shellkit/wmd/internal/window"
)

// autoToken asks serve to generate a fresh auth token.
const autoToken = "auto"

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the window manager and its websocket endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.String("host", "", "listen host")
	f.Int("port", 0, "listen port")
	f.String("auth-token", "", `token required by the API and websocket ("auto" generates one)`)
	f.String("content-dir", "", "serve window content from this directory instead of the built-in page")
	f.Bool("use-ws", false, "open windows with the remote transport by default")
	f.Duration("load-timeout", 0, "close windows that are not ready after this long (0 disables)")
	f.Duration("reconnect-grace", 0, "how long a remote window survives without a display surface")
	f.Bool("trace-commands", false, "log every command as a replayable line")
	f.Bool("mock", false, "feed demo data into the store")
	v.BindPFlags(f)
	return cmd
}

// loadConfig reads the config file and applies flag and WMD_* overrides.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(v.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if v.IsSet("host") {
		cfg.Server.Host = v.GetString("host")
	}
	if v.IsSet("port") {
		cfg.Server.Port = v.GetInt("port")
	}
	if v.IsSet("auth-token") {
		cfg.Server.AuthToken = v.GetString("auth-token")
	}
	if v.IsSet("content-dir") {
		cfg.Server.ContentDir = v.GetString("content-dir")
	}
	if v.IsSet("use-ws") {
		cfg.Window.UseWS = v.GetBool("use-ws")
	}
	if v.IsSet("load-timeout") {
		cfg.Window.LoadTimeout = v.GetDuration("load-timeout")
	}
	if v.IsSet("reconnect-grace") {
		cfg.Window.ReconnectGrace = v.GetDuration("reconnect-grace")
	}
	if v.IsSet("trace-commands") {
		cfg.Relay.TraceCommands = v.GetBool("trace-commands")
	}
	if v.IsSet("mock") {
		cfg.Mock.Enabled = v.GetBool("mock")
	}

	if cfg.Server.AuthToken == autoToken {
		tok, err := config.GenerateToken()
		if err != nil {
			return nil, fmt.Errorf("generate token: %w", err)
		}
		cfg.Server.AuthToken = tok
		glog.Infof("Generated auth token: %s", tok)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	st := store.NewMemory()
	reg := feed.NewRegistry(st)
	reg.Start()
	defer reg.Close()

	hst := host.NewHeadless(host.Bounds{Width: cfg.Window.WorkArea.Width, Height: cfg.Window.WorkArea.Height})
	manager := window.NewManager(hst, st, reg, relay.New(st, cfg.Relay.TraceCommands), transport.NewBus(), window.Options{
		ContentURL: cfg.ContentURL(),
		SocketURL:  cfg.SocketURL(),
		Defaults: host.Options{
			Title:  cfg.Window.Title,
			Width:  cfg.Window.Width,
			Height: cfg.Window.Height,
			Frame:  cfg.Window.Frame,
		},
		UseWS:          cfg.Window.UseWS,
		LoadTimeout:    cfg.Window.LoadTimeout,
		ReconnectGrace: cfg.Window.ReconnectGrace,
		StatusThrottle: cfg.Relay.StatusThrottle,
		Hordes:         cfg.Relay.Hordes,
	})
	defer manager.Close()

	queue := window.NewQueue(manager)
	defer queue.Stop()

	srv := server.New(manager, queue, cfg.Server.AllowedOrigins, cfg.Server.AuthToken)
	if cfg.Server.ContentDir != "" {
		glog.Infof("Serving window content from %s", cfg.Server.ContentDir)
		srv.SetContent(http.FileServer(http.Dir(cfg.Server.ContentDir)))
	} else {
		srv.SetContent(frontend.Handler())
	}

	if cfg.Diagnostics.Enabled {
		mon := diag.New(st, diag.Options{
			Interval:         cfg.Diagnostics.Interval,
			LagThreshold:     cfg.Diagnostics.LagThreshold,
			OverlayThreshold: cfg.Diagnostics.OverlayThreshold,
			Horde:            cfg.Diagnostics.Horde,
		})
		go mon.Run(ctx)
	}

	if cfg.Mock.Enabled {
		glog.Info("Starting in mock mode")
		mock.NewGenerator(st, cfg.Mock.Interval, cfg.Mock.Branches).Start(ctx)
	}

	start := time.Now()
	err := server.ListenAndServe(ctx, cfg.Addr(), srv.Handler())
	glog.Infof("Shutting down after %s", time.Since(start).Round(time.Second))
	return err
}
