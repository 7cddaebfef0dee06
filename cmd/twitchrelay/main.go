package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dalnet/twitchrelay/internal/config"
	"github.com/dalnet/twitchrelay/internal/irc"
	"github.com/dalnet/twitchrelay/internal/logging"
	"github.com/dalnet/twitchrelay/internal/metrics"
)

// Version information - set at build time via ldflags
var (
	version   = "dev"
	buildDate = "unknown"
	gitCommit = "unknown"
)

func main() {
	// Command line flags
	foreground := flag.Bool("x", false, "Run in foreground (don't daemonize)")
	configPath := flag.String("c", "./config.yaml", "Path to configuration file")
	showVersion := flag.Bool("v", false, "Show version information and exit")
	showVersionLong := flag.Bool("version", false, "Show version information and exit")
	flag.Parse()

	// Show version and exit
	if *showVersion || *showVersionLong {
		fmt.Printf("twitchrelay version %s\n", version)
		fmt.Printf("Built: %s\n", buildDate)
		fmt.Printf("Commit: %s\n", gitCommit)
		os.Exit(0)
	}

	// Daemonize unless -x flag is set
	if !*foreground {
		daemonize()
		return
	}

	if err := writePIDFile(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not write PID file: %v\n", err)
	}

	if err := run(*configPath); err != nil {
		logging.Logger.Crit("Relay stopped", "err", err)
		os.Exit(1)
	}
}

// daemonize re-executes the binary in the background with -x
func daemonize() {
	args := append(os.Args[1:], "-x")

	cmd := exec.Command(os.Args[0], args...)
	cmd.Env = os.Environ()
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to fork: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Now becoming a daemon\nMy pid is %d, this has been written to pid.txt\n", cmd.Process.Pid)
	os.Exit(0)
}

func writePIDFile() error {
	pid := os.Getpid()
	return os.WriteFile("pid.txt", []byte(fmt.Sprintf("%d\n", pid)), 0644)
}

func run(configPath string) error {
	// Make config path absolute
	if !filepath.IsAbs(configPath) {
		wd, _ := os.Getwd()
		configPath = filepath.Join(wd, configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logging.Init(cfg.LogLevel, cfg.LogFormat)
	log := logging.Logger.New("component", "main")
	log.Info("Starting twitchrelay", "version", version, "commit", gitCommit)

	reg := metrics.NewRegistry()
	m := metrics.NewRelayMetrics(reg)

	if cfg.MetricsListen != "" {
		srv := metrics.NewServer(cfg.MetricsListen, reg)
		go func() {
			log.Info("Serving metrics", "addr", cfg.MetricsListen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Metrics server failed", "err", err)
			}
		}()
		defer srv.Close()
	}

	dial, err := irc.NewDialer(cfg.Upstream)
	if err != nil {
		return err
	}

	// Signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Relaying", "listen", cfg.Listen, "upstream", cfg.Upstream.Addr(), "tls", cfg.Upstream.TLS)
	if err := irc.NewServer(cfg, dial, m).ListenAndServe(ctx); err != nil {
		return err
	}

	log.Info("Shut down")
	return nil
}
