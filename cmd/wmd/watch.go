package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shellkit/wmd/internal/client"
	"github.com/shellkit/wmd/internal/tui"
	"github.com/shellkit/wmd/internal/window"
)

func newWatchCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [wid]",
		Short: "Attach to a remote window as its display surface",
		Long: "watch connects to the websocket endpoint of a running wmd as the display surface of a window " +
			"and prints every state the window receives. With --open it first asks the server for a new " +
			"remote window following --feed.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			wsURL := v.GetString("url")
			token := v.GetString("token")

			wid := ""
			if len(args) == 1 {
				wid = args[0]
			}
			if v.GetBool("open") {
				api := client.NewHTTPClient(deriveHTTPBase(wsURL), token)
				useWS := true
				info, err := api.Open(ctx, window.OpenRequest{
					CreateOptions: window.CreateOptions{LabID: v.GetString("lab"), UseWS: &useWS},
					Feed:          v.GetString("feed"),
					Branches:      v.GetStringSlice("branches"),
				}, false)
				if err != nil {
					return fmt.Errorf("open window: %w", err)
				}
				wid = info.ID
				glog.Infof("Opened %s", wid)
			}
			if wid == "" {
				return errors.New("watch: need a window id or --open")
			}

			u, err := client.SurfaceURL(wsURL, wid, token)
			if err != nil {
				return err
			}
			surface := client.NewSurface(u)

			if v.GetBool("tui") {
				return runTUI(ctx, surface, wid)
			}
			go surface.Run(ctx)
			return printEvents(cmd.OutOrStdout(), surface.Events())
		},
	}

	f := cmd.Flags()
	f.String("url", "ws://127.0.0.1:8080/ws", "websocket endpoint of the wmd server")
	f.String("token", "", "auth token (if the server requires it)")
	f.Bool("open", false, "open a new remote window instead of attaching to an existing one")
	f.String("feed", "", "feed of the window opened with --open")
	f.StringSlice("branches", nil, "branches of the feed opened with --open")
	f.String("lab", "", "lab id of the window opened with --open")
	f.Bool("tui", false, "full-screen terminal view")
	v.BindPFlags(f)
	return cmd
}

func runTUI(ctx context.Context, surface *client.Surface, wid string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go surface.Run(ctx)

	p := tea.NewProgram(tui.New(cancel, surface, wid), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// printEvents writes one line per surface event until the surface stops.
func printEvents(w io.Writer, events <-chan any) error {
	for ev := range events {
		var line string
		switch ev := ev.(type) {
		case client.ConnectedEvent:
			line = "connected"
		case client.DisconnectedEvent:
			line = fmt.Sprintf("disconnected: %v", ev.Err)
		case client.StateEvent:
			data, _ := json.Marshal(ev.State)
			kind := "patch"
			if ev.Full {
				kind = "full"
			}
			line = fmt.Sprintf("state (%s) %s", kind, data)
		case client.InfoEvent:
			data, _ := json.Marshal(ev.Info)
			line = fmt.Sprintf("info %s %s", ev.Branch, data)
		case client.RouteEvent:
			line = "route " + ev.Path
		case client.ActionEvent:
			data, _ := json.Marshal(ev.Action)
			line = fmt.Sprintf("action %s", data)
		case client.CommandEvent:
			line = "commands " + strings.Join(ev.Names, ",")
		case client.StatusEvent:
			st := ev.Status
			line = fmt.Sprintf("status %s lag=%t overlay=%t delta=%dms %s", st.Horde, st.Lag, st.Overlay, st.Delta, st.Message)
		case client.BeginRenderEvent:
			line = "begin render " + ev.LabID
		default:
			continue
		}
		if _, err := fmt.Fprintln(w, strings.TrimSpace(line)); err != nil {
			return err
		}
	}
	return nil
}

// deriveHTTPBase turns ws://host:port/ws into http://host:port.
func deriveHTTPBase(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "http://127.0.0.1:8080"
	}
	scheme := "http"
	if strings.HasPrefix(u.Scheme, "wss") {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host)
}
