package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/codefionn/torwache/torwache-srv/audit"
	"github.com/codefionn/torwache/torwache-srv/config"
	"github.com/codefionn/torwache/torwache-srv/logger"
	"github.com/codefionn/torwache/torwache-srv/proxy"
	"github.com/codefionn/torwache/torwache-srv/stats"
)

var version string

func main() {
	cfg, configPath := parseFlagsAndConfig()
	runProxy(cfg, configPath)
}

// parseFlagsAndConfig handles CLI flags, logging setup and config loading.
func parseFlagsAndConfig() (cfg *config.Config, configPath string) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "config/proxy.conf", "Path to KEY=VALUE configuration file")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("torwache version:", version)
		os.Exit(0)
	}

	logger.Info("Starting torwache proxy server")

	cfg, err := config.LoadConfig(*configPathPtr)
	if err != nil {
		logger.Warn("Could not load config file: %v. Using defaults and environment.", err)
		cfg, err = config.LoadConfig("")
		if err != nil {
			logger.Fatal("Failed to load configuration: %v", err)
		}
	}

	logger.SetLevel(logger.GetLevelFromString(cfg.LogLevel))
	if *debugMode {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}

	logger.Debug("Using configuration file: %s", *configPathPtr)
	logger.Debug("Listen address: %s", cfg.ListenAddress())
	logger.Debug("Buffer size: %d bytes", cfg.BufferSize)
	logger.Debug("Socket timeout: %d seconds", cfg.TimeoutSeconds)
	if cfg.MaxConnections > 0 {
		logger.Debug("Max connections: %d", cfg.MaxConnections)
	}

	return cfg, *configPathPtr
}

// runProxy starts and manages the proxy server, including signal handling
// and SIGHUP reloads.
func runProxy(cfg *config.Config, configPath string) {
	auditLogger, err := audit.Open(cfg.AuditLog)
	if err != nil {
		logger.Fatal("Failed to open audit log: %v", err)
	}
	defer func() {
		if closeErr := auditLogger.Close(); closeErr != nil {
			logger.Error("Error closing audit log: %v", closeErr)
		}
	}()

	collector, err := stats.NewCollector(cfg.Statistics)
	if err != nil {
		logger.Fatal("Failed to initialize statistics collector: %v", err)
	}
	defer func() {
		if closeErr := collector.Close(); closeErr != nil {
			logger.Error("Error closing statistics collector: %v", closeErr)
		}
	}()

	proxyInstance, err := proxy.NewProxy(cfg, auditLogger, collector)
	if err != nil {
		logger.Fatal("Failed to create proxy: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	startProxy := func() {
		go func() {
			if err := proxyInstance.Start(); err != nil {
				logger.Fatal("Proxy server error: %v", err)
			}
		}()
	}

	startProxy()
	currentCfg := cfg

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			logger.Info("Received SIGHUP: reloading configuration...")
			newCfg, err := config.LoadConfig(configPath)
			if err != nil {
				logger.Error("Failed to reload config: %v (keeping current config)", err)
				continue
			}
			if !config.HasChanged(currentCfg, newCfg) {
				logger.Info("Config unchanged after reload; refreshing blocklist only.")
				if err := proxyInstance.ReloadBlocklist(); err != nil {
					logger.Error("Failed to reload blocklist: %v", err)
				}
				continue
			}
			logger.Info("Config changed. Restarting proxy...")
			if err := proxyInstance.Stop(); err != nil {
				logger.Error("Error stopping proxy for reload: %v", err)
			}
			proxyInstance, err = proxy.NewProxy(newCfg, auditLogger, collector)
			if err != nil {
				logger.Fatal("Failed to recreate proxy: %v", err)
			}
			startProxy()
			currentCfg = newCfg
			logger.Info("Proxy restarted with new configuration.")
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("Received signal %v, shutting down proxy server...", sig)
			if err := proxyInstance.Stop(); err != nil {
				logger.Error("Error during shutdown: %v", err)
			}
			logger.Info("Proxy server shutdown complete")
			return
		}
	}
}
