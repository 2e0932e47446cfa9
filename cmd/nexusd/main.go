package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nexuschat/nexus/internal/config"
	"github.com/nexuschat/nexus/internal/daemon"
	"github.com/nexuschat/nexus/internal/session"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides NEXUS_SESSION and config default)")
	configFlag := flag.String("config", "", "config file (default $NEXUS_HOME/config.toml)")
	levelFlag := flag.String("log-level", "info", "log level: debug, info, warn, error")
	retryFlag := flag.Duration("retry", 5*time.Second, "pause between session start attempts while the backend is unreachable")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		configPath = session.ConfigPath()
	}
	cfg, err := config.Resolve(configPath, session.EnvPath())
	if err != nil {
		fail(err)
	}

	level, err := zapcore.ParseLevel(*levelFlag)
	if err != nil {
		fail(err)
	}

	sessionName := session.Resolve(*sessionFlag, cfg.DefaultSession)
	if err := session.ValidateName(sessionName); err != nil {
		fail(err)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			Config:      cfg,
			LogLevel:    level,
			RetryEvery:  *retryFlag,
		}),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
	)

	app.Run()
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
