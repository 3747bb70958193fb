package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gops/agent"

	"github.com/kannelcore/bearerbox/internal/blog"
	"github.com/kannelcore/bearerbox/internal/config"
	"github.com/kannelcore/bearerbox/internal/runtimeenv"
)

func main() {
	cliInit()

	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			blog.CritLog.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	if err := runtimeenv.LoadEnv("./.env"); err != nil && !os.IsNotExist(err) {
		blog.CritLog.Fatalf("parsing './.env' file failed: %s", err.Error())
	}
	if err := runtimeenv.LoadDeploymentEnv("./.env.production"); err != nil && !os.IsNotExist(err) {
		blog.CritLog.Fatalf("parsing './.env.production' file failed: %s", err.Error())
	}

	raw, err := os.ReadFile(flagConfigFile)
	if err != nil {
		blog.CritLog.Fatalf("reading config file %q failed: %s", flagConfigFile, err.Error())
	}

	cfg := config.Load(json.RawMessage(raw))

	level := cfg.LogLevel
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	blog.SetLevel(level)
	if flagLogDateTime || cfg.LogDateTime {
		blog.SetDateTime(true)
	}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			blog.CritLog.Fatalf("opening log file %q failed: %s", cfg.LogFile, err.Error())
		}
		blog.SetOutput(f)
	}

	if cfg.GopsEnabled && !flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			blog.CritLog.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	c, err := buildComponents(cfg)
	if err != nil {
		blog.CritLog.Fatalf("initialization failed: %s", err.Error())
	}

	if err := serverStart(c); err != nil {
		blog.CritLog.Fatalf("starting bearerbox failed: %s", err.Error())
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	serverShutdown(c)
}
