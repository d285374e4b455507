package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/xmppd/reactor"
	"github.com/xmppd/reactor/internal/debugsrv"
	"github.com/xmppd/reactor/internal/watchconfig"
)

var (
	version = "dev"
	commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:     "xreactord",
	Short:   "Demo host for the network I/O reactor",
	Long:    `xreactord runs a bare line-echo server on top of the reactor package, for exercising the epoll loop and timers outside of unit tests.`,
	Version: version,
}

var (
	flagListenAddr string
	flagListenPort int
	flagConfigPath string
	flagDebugAddr  string
	flagEnvPrefix  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the echo demo server until interrupted",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagListenAddr, "addr", "127.0.0.1", "address to bind")
	serveCmd.Flags().IntVar(&flagListenPort, "port", 5222, "port to bind")
	serveCmd.Flags().StringVar(&flagConfigPath, "config", "", "optional YAML config file, hot-reloaded")
	serveCmd.Flags().StringVar(&flagEnvPrefix, "env-prefix", "XREACTORD_", "environment variable prefix for config overrides")
	serveCmd.Flags().StringVar(&flagDebugAddr, "debug-addr", "", "optional debug HTTP server address, e.g. 127.0.0.1:6060")

	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	entry := logrus.NewEntry(log)

	cfg, err := reactor.LoadConfig(flagConfigPath, flagEnvPrefix)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	r, err := reactor.New(cfg, entry)
	if err != nil {
		return fmt.Errorf("new reactor: %w", err)
	}

	if flagConfigPath != "" {
		watcher, werr := watchconfig.New(flagConfigPath, flagEnvPrefix, r.SetConfig, entry)
		if werr != nil {
			entry.WithError(werr).Warn("config hot-reload disabled")
		} else {
			defer watcher.Close()
		}
	}

	if flagDebugAddr != "" {
		dbg := debugsrv.New(flagDebugAddr, entry, func() debugsrv.Stats {
			return debugsrv.Stats{Backend: r.GetBackend()}
		})
		dbg.Start()
	}

	listeners := reactor.Listeners{
		OnAttach: func(c *reactor.Connection) {
			entry.WithField("conn", c.ID()).Debug("client attached")
		},
		OnIncoming: func(c *reactor.Connection, data []byte, err error) {
			if err != nil {
				return
			}
			c.Write(data)
		},
		OnDisconnect: func(c *reactor.Connection, reason string) {
			entry.WithField("conn", c.ID()).WithField("reason", reason).Debug("client disconnected")
		},
	}

	srv, err := r.Listen(flagListenAddr, flagListenPort, listeners, nil, false)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	color.Cyan("xreactord %s (%s) listening on %s:%d [%s]", version, commit, flagListenAddr, flagListenPort, r.GetBackend())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		color.Yellow("shutting down, draining connections...")
		r.SetQuitting(true)
	}()

	result, err := r.Loop()
	if err != nil {
		return err
	}
	if result == "quitting" {
		color.Green("xreactord stopped cleanly")
	}
	srv.Close()
	return nil
}
