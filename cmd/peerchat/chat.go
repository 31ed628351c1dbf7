package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/omochice/peerchat/internal/app"
	"github.com/omochice/peerchat/internal/identity"
	"github.com/omochice/peerchat/internal/logging"
	"github.com/omochice/peerchat/internal/metrics"
	"github.com/omochice/peerchat/internal/ui"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

func init() {
	rootCmd.AddCommand(chatCmd)

	chatCmd.Flags().String("invite", "", "invite link, e.g. peerchat://join?peer=Alice&chatWith=Bob")
	chatCmd.Flags().Bool("plain", false, "line mode instead of the full-screen view")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open a chat session",
	Long: `Open a chat session with the configured service.

An invite link sets your name and peer for this session only, overriding the
identity saved from previous sessions.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	invite, _ := cmd.Flags().GetString("invite")
	nav, err := identity.ParseInvite(invite)
	if err != nil {
		return err
	}

	plain, _ := cmd.Flags().GetBool("plain")
	fullScreen := !plain && term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))

	// the full-screen view owns the terminal, so logs go to a file
	var log *zap.Logger
	if fullScreen {
		var closeLog func() error
		log, closeLog, err = logging.NewFile(cfg.LogLevel, cfg.LogPath())
		if err != nil {
			return err
		}
		defer closeLog()
	} else {
		log, err = logging.New(cfg.LogLevel, os.Stderr)
		if err != nil {
			return err
		}
		defer log.Sync()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	if cfg.MetricsAddr != "" {
		shutdown := serveMetrics(cfg.MetricsAddr, reg, log)
		defer shutdown()
	}

	a, err := app.New(cfg, log, nav, reg)
	if err != nil {
		return err
	}
	defer a.Close()

	runDone := make(chan error, 1)
	go func() {
		runDone <- a.Run(ctx)
	}()

	ctrl := a.Controller()
	if fullScreen {
		p := tea.NewProgram(ui.NewModel(ctrl, ctrl), tea.WithAltScreen(), tea.WithContext(ctx))
		if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			stop()
			<-runDone
			return err
		}
	} else if err := ui.RunPlain(ctx, os.Stdin, os.Stdout, ctrl, ctrl); err != nil {
		stop()
		<-runDone
		return err
	}

	stop()
	return <-runDone
}

// serveMetrics exposes reg on addr until the returned function is called.
func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
