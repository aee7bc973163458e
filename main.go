package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/proxyweg/proxyweg-lib/agent"
	"github.com/codefionn/proxyweg/proxyweg-lib/config"
	"github.com/codefionn/proxyweg/proxyweg-lib/events"
	"github.com/codefionn/proxyweg/proxyweg-lib/logger"
)

var version string

func main() {
	cfg, target, secure := parseFlagsAndConfig()
	os.Exit(runCheck(cfg, target, secure))
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (cfg *config.Config, target string, secure bool) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "", "Path to configuration file (.json)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	tlsFlag := flag.Bool("tls", false, "Negotiate TLS with the target after connecting")
	proxyFlag := flag.String("proxy", "", "Proxy endpoint URI (overrides config)")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("proxyweg version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	if *debugMode {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] host:port\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
		os.Exit(2)
	}
	target = flag.Arg(0)

	cfg, err := config.LoadConfig(*configPathPtr)
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}
	if *proxyFlag != "" {
		cfg.Proxy = *proxyFlag
	}

	logger.Debug("Configuration loaded successfully")
	logger.Debug("Proxy endpoint: %s", cfg.Proxy)
	logger.Debug("Timeout: %d seconds", cfg.TimeoutSeconds)

	return cfg, target, *tlsFlag
}

// runCheck connects to the target through the configured proxy once and
// reports the outcome. Returns the process exit code.
func runCheck(cfg *config.Config, target string, secure bool) int {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		logger.Error("Invalid target %q: %v", target, err)
		return 2
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		logger.Error("Invalid target port %q", portStr)
		return 2
	}

	recorder, err := events.NewRecorder(events.Config{
		Enabled:     cfg.Events.Enabled,
		Backend:     cfg.Events.Backend,
		SQLitePath:  cfg.Events.SQLitePath,
		PostgresDSN: cfg.Events.PostgresDSN,
	})
	if err != nil {
		logger.Fatal("Failed to create events recorder: %v", err)
	}
	defer func() {
		if closeErr := recorder.Close(); closeErr != nil {
			logger.Error("Error closing events recorder: %v", closeErr)
		}
	}()

	connector, err := agent.New(agent.Options{
		Proxy:          cfg.Proxy,
		FallbackDirect: cfg.FallbackDirect,
		Bypass:         cfg.Bypass,
		ALPN:           cfg.ALPN,
		Recorder:       recorder,
	})
	if err != nil {
		logger.Error("Failed to create connector: %v", err)
		return 1
	}

	req := &agent.ConnectRequest{
		Host:      host,
		Port:      uint16(port),
		Secure:    secure,
		KeepAlive: cfg.KeepAlive,
		Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
	for k, v := range cfg.Headers {
		if req.Header == nil {
			req.Header = make(http.Header, len(cfg.Headers))
		}
		req.Header.Set(k, v)
	}

	ctx := context.Background()
	start := time.Now()
	conn, err := connector.Connect(ctx, req)
	if err != nil {
		logger.Error("Connect to %s failed: %v", target, err)
		return 1
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Debug("Error closing connection: %v", closeErr)
		}
	}()

	// A refused tunnel hands back a write-disabled replay socket; probe
	// it so the check reports failure instead of a dead success.
	if _, writeErr := conn.Write(nil); writeErr != nil {
		logger.Error("Tunnel to %s was refused by the proxy: %v", target, writeErr)
		return 1
	}

	logger.Info("Connected to %s in %s", target, time.Since(start).Round(time.Millisecond))
	return 0
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
