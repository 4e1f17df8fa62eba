package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sammck-go/revtun/admin"
	"github.com/sammck-go/revtun/revtun"
)

var help = `
  Usage: revtun [command] [--help]

  Commands:
    server - runs revtun in server mode
    client - runs revtun in client mode

`

func sigIntHandler(ctx context.Context, cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		log.Printf("signal received; cancelling main ctx")
	case <-ctx.Done():
	}
	signal.Stop(sig)
	cancel()
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flag.Usage = func() {}
	flag.Parse()
	args := flag.Args()

	subcmd := ""
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "server":
		go sigIntHandler(ctx, cancel)
		runServer(ctx, args)
	case "client":
		go sigIntHandler(ctx, cancel)
		runClient(ctx, args)
	default:
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}
}

var serverHelp = `
  Usage: revtun server [options]

  Options:
    --manager-host, interface the manager control connection listens on (default 0.0.0.0)
    --manager-port, port the manager control connection listens on (default 9000)
    --relay-host, interface relay sockets listen on (default 0.0.0.0)
    --relay-port, port relay sockets listen on (default 9001)
    --auth-token, shared secret every manager/relay connection must present
    --auth-timeout, how long a connection may sit unauthenticated before being closed (default 10s)
    --idle-replier-num, relay sockets to request as soon as a manager connects (default 0)
    --admin-addr, address to serve the endpoint-management HTTP API on, empty disables it
    --config, optional YAML file supplying the manager, relay, auth and idle-replier settings plus internal_endpoints (flags win on top of it)
    -v, enable verbose logging

`

func runServer(ctx context.Context, args []string) {
	flags := flag.NewFlagSet("server", flag.ContinueOnError)
	managerHost := flags.String("manager-host", "0.0.0.0", "")
	managerPort := flags.Int("manager-port", 9000, "")
	relayHost := flags.String("relay-host", "0.0.0.0", "")
	relayPort := flags.Int("relay-port", 9001, "")
	authToken := flags.String("auth-token", "", "")
	authTimeout := flags.Duration("auth-timeout", 10*time.Second, "")
	idleReplierNum := flags.Int("idle-replier-num", 0, "")
	adminAddr := flags.String("admin-addr", "", "")
	configPath := flags.String("config", "", "")
	verbose := flags.Bool("v", false, "")
	flags.Usage = func() {
		fmt.Print(serverHelp)
		os.Exit(1)
	}
	if err := flags.Parse(args); err != nil {
		os.Exit(1)
	}

	var cfg *revtun.ServerConfig
	if *configPath != "" {
		var err error
		cfg, err = revtun.LoadServerConfigFile(*configPath)
		if err != nil {
			log.Fatal(err)
		}
	} else {
		cfg = &revtun.ServerConfig{}
	}

	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "manager-host":
			cfg.ManagerHost = *managerHost
		case "manager-port":
			cfg.ManagerPort = *managerPort
		case "relay-host":
			cfg.RelayHost = *relayHost
		case "relay-port":
			cfg.RelayPort = *relayPort
		case "auth-token":
			cfg.AuthToken = *authToken
		case "auth-timeout":
			cfg.AuthTimeout = *authTimeout
		case "idle-replier-num":
			cfg.IdleReplierNum = *idleReplierNum
		}
	})
	if cfg.ManagerHost == "" && *configPath == "" {
		cfg.ManagerHost = *managerHost
	}
	if cfg.RelayHost == "" && *configPath == "" {
		cfg.RelayHost = *relayHost
	}
	if cfg.ManagerPort == 0 {
		cfg.ManagerPort = *managerPort
	}
	if cfg.RelayPort == 0 {
		cfg.RelayPort = *relayPort
	}
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = *authTimeout
	}

	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("REVTUN_AUTH_TOKEN")
	}

	logLevel := revtun.LogLevelInfo
	if *verbose {
		logLevel = revtun.LogLevelDebug
	}
	logger := revtun.NewLogger("server: ", logLevel)
	cfg.Logger = logger

	server, err := revtun.NewServer(cfg)
	if err != nil {
		log.Fatal(err)
	}

	if *adminAddr != "" {
		a := admin.New(server, logger.Fork("admin: "), *verbose)
		httpServer := revtun.NewHTTPServer(logger.Fork("admin-http: "))
		go func() {
			if err := httpServer.ListenAndServe(ctx, *adminAddr, a.Handler()); err != nil {
				logger.ELogf("admin server exited: %s", err)
			}
		}()
	}

	if err := server.Run(ctx); err != nil {
		logger.ELogf("server exited with: %s", err)
	}
	server.Close()
}

var clientHelp = `
  Usage: revtun client [options]

  Every tunnel this client serves dials whatever endpoint the server names
  in its NewTunnel request (proxy ports set up server-side via the admin
  endpoint API or the config file's internal_endpoints) — there is no
  local-service flag here by design.

  Options:
    --manager-host, host of the server's manager port (required)
    --manager-port, port of the server's manager port (default 9000)
    --relay-host, host of the server's relay port (defaults to --manager-host)
    --relay-port, port of the server's relay port (default 9001)
    --auth-token, shared secret to present on manager and relay connections
    -v, enable verbose logging

`

func runClient(ctx context.Context, args []string) {
	flags := flag.NewFlagSet("client", flag.ContinueOnError)
	managerHost := flags.String("manager-host", "", "")
	managerPort := flags.Int("manager-port", 9000, "")
	relayHost := flags.String("relay-host", "", "")
	relayPort := flags.Int("relay-port", 9001, "")
	authToken := flags.String("auth-token", "", "")
	verbose := flags.Bool("v", false, "")
	flags.Usage = func() {
		fmt.Print(clientHelp)
		os.Exit(1)
	}
	if err := flags.Parse(args); err != nil {
		os.Exit(1)
	}
	if *managerHost == "" {
		flags.Usage()
	}
	if *relayHost == "" {
		*relayHost = *managerHost
	}
	if *authToken == "" {
		*authToken = os.Getenv("REVTUN_AUTH_TOKEN")
	}

	logLevel := revtun.LogLevelInfo
	if *verbose {
		logLevel = revtun.LogLevelDebug
	}
	logger := revtun.NewLogger("client: ", logLevel)

	cfg := &revtun.ClientConfig{
		ManagerHost: *managerHost,
		ManagerPort: *managerPort,
		RelayHost:   *relayHost,
		RelayPort:   *relayPort,
		AuthToken:   *authToken,
		Logger:      logger,
	}

	c := revtun.NewClient(cfg)
	if err := c.Run(ctx); err != nil {
		logger.ELogf("client exited with: %s", err)
		os.Exit(1)
	}
}
