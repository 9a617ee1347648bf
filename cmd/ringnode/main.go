package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zde37/tokenring/internal/api"
	"github.com/zde37/tokenring/internal/config"
	"github.com/zde37/tokenring/internal/delivery"
	"github.com/zde37/tokenring/internal/ring"
	"github.com/zde37/tokenring/internal/transport"
	"github.com/zde37/tokenring/pkg"
)

// defaultControlBase is added to the node id to pick the control port
// when none is configured.
const defaultControlBase = 9000

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: ringnode [flags] <node_id> <ring_size>\n")
	fmt.Fprintf(flag.CommandLine.Output(), "Example: ringnode 0 4\n\nFlags:\n")
	flag.PrintDefaults()
}

// parseArgs validates the two positional arguments.
func parseArgs(args []string) (id, size int, err error) {
	if len(args) != 2 {
		return 0, 0, fmt.Errorf("expected 2 arguments, got %d", len(args))
	}

	id, err = strconv.Atoi(args[0])
	if err != nil {
		return 0, 0, fmt.Errorf("node id must be an integer, got %q", args[0])
	}
	size, err = strconv.Atoi(args[1])
	if err != nil {
		return 0, 0, fmt.Errorf("ring size must be an integer, got %q", args[1])
	}

	if size < 1 {
		return 0, 0, fmt.Errorf("ring size must be at least 1, got %d", size)
	}
	if id < 0 || id >= size {
		return 0, 0, fmt.Errorf("node id must be between 0 and %d, got %d", size-1, id)
	}
	return id, size, nil
}

func main() {
	envFile := flag.String("env", ".env", "Optional env file with RING_* settings")
	controlPort := flag.Int("control-port", -1, "gRPC control port (0 disables, default 9000+id)")
	httpPort := flag.Int("http-port", -1, "HTTP API port (0 disables, default from RING_HTTP_PORT)")
	noConsole := flag.Bool("no-console", false, "Do not read commands from stdin")
	flag.Usage = usage
	flag.Parse()

	id, size, err := parseArgs(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.NodeID = id
	cfg.RingSize = size

	switch {
	case *controlPort >= 0:
		cfg.ControlPort = *controlPort
	case cfg.ControlPort == 0:
		if _, set := os.LookupEnv("RING_CONTROL_PORT"); !set {
			cfg.ControlPort = defaultControlBase + id
		}
	}
	if *httpPort >= 0 {
		cfg.HTTPPort = *httpPort
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = cfg.LogLevel
	loggerConfig.Format = cfg.LogFormat
	if cfg.LogFile != "" {
		loggerConfig.File.Enable = true
		loggerConfig.File.Path = cfg.LogFile
	}

	logger, err := pkg.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	logger.Info().
		Int("node_id", cfg.NodeID).
		Int("ring_size", cfg.RingSize).
		Str("listen", cfg.ListenAddress()).
		Msg("Starting token ring node")

	recent := delivery.NewMemoryInbox(nil)
	defer recent.Close()

	sink, inbox, err := buildSink(cfg, recent, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to set up delivery")
		os.Exit(1)
	}

	node, err := ring.NewNode(cfg, logger, sink)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create ring node")
		os.Exit(1)
	}

	var (
		grpcServer *transport.GRPCServer
		httpServer *api.Server
		client     *transport.ControlClient
	)
	fail := func(msg string, err error) {
		logger.Error().Err(err).Msg(msg)
		cleanup(node, grpcServer, client, httpServer, inbox, logger)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		fail("Failed to start ring node", err)
	}

	if addr := cfg.ControlAddress(); addr != "" {
		grpcServer, err = transport.NewGRPCServer(node, addr, cfg.AuthToken, logger)
		if err != nil {
			fail("Failed to create gRPC server", err)
		}
		if err := grpcServer.Start(); err != nil {
			fail("Failed to start gRPC server", err)
		}

		if cfg.HTTPPort != 0 {
			client, err = transport.NewControlClient(addr, cfg.AuthToken, 5*time.Second, logger)
			if err != nil {
				fail("Failed to create control client", err)
			}

			httpServer, err = api.NewServer(&api.Config{
				Address: fmt.Sprintf("%s:%d", cfg.Host, cfg.HTTPPort),
			}, client, logger)
			if err != nil {
				fail("Failed to create HTTP API server", err)
			}
			if err := httpServer.Start(); err != nil {
				fail("Failed to start HTTP API server", err)
			}
			node.SetBroadcaster(httpServer.Hub())
		}
	}

	logger.Info().Msg("Token ring node is ready")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !*noConsole {
		go func() {
			if runREPL(ctx, os.Stdin, os.Stdout, node, recent) {
				stop()
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("Received shutdown signal")
	case <-node.Done():
		logger.Info().Msg("Node shut down remotely")
	}

	cleanup(node, grpcServer, client, httpServer, inbox, logger)
	logger.Info().Msg("Token ring node shutdown complete")
}

// buildSink assembles the delivery sinks. The Redis inbox is returned
// separately so it can be closed on exit.
func buildSink(cfg *config.Config, recent *delivery.MemoryInbox, logger *pkg.Logger) (ring.DeliverySink, *delivery.RedisInbox, error) {
	sinks := delivery.Fanout{delivery.NewLogSink(logger), recent}
	if cfg.RedisAddr == "" {
		return sinks, nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:                  cfg.RedisAddr,
		ContextTimeoutEnabled: true,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("redis at %s unreachable: %w", cfg.RedisAddr, err)
	}

	inbox, err := delivery.NewRedisInbox(rdb, cfg.RedisInboxMax, cfg.RedisTimeout)
	if err != nil {
		rdb.Close()
		return nil, nil, err
	}

	logger.Info().
		Str("redis", cfg.RedisAddr).
		Str("inbox", delivery.InboxKey(cfg.NodeID)).
		Msg("Delivering messages to Redis inbox")
	return append(sinks, inbox), inbox, nil
}

// cleanup performs graceful shutdown of all components
func cleanup(node *ring.Node, grpcServer *transport.GRPCServer, client *transport.ControlClient, httpServer *api.Server, inbox *delivery.RedisInbox, logger *pkg.Logger) {
	logger.Info().Msg("Starting graceful shutdown")

	if httpServer != nil {
		if err := httpServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping HTTP server")
		}
	}

	if client != nil {
		if err := client.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing control client")
		}
	}

	if err := node.Shutdown(); err != nil {
		if errors.Is(err, pkg.ErrShutdownTimeout) {
			logger.Warn().Msg("Some background tasks were abandoned")
		} else {
			logger.Error().Err(err).Msg("Error shutting down ring node")
		}
	}

	if grpcServer != nil {
		if err := grpcServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping gRPC server")
		}
	}

	if inbox != nil {
		if err := inbox.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing Redis inbox")
		}
	}
}
