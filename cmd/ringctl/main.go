package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zde37/tokenring/internal/transport"
	"github.com/zde37/tokenring/pkg"
)

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: ringctl [flags] <command> [args]\n\n")
	fmt.Fprintf(out, "Commands:\n")
	fmt.Fprintf(out, "  send <dest> <message>  queue a message on the node\n")
	fmt.Fprintf(out, "  status                 print the node status as fields\n")
	fmt.Fprintf(out, "  report                 print the node status block\n")
	fmt.Fprintf(out, "  shutdown               stop the node\n\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	addr := flag.String("addr", "localhost:9000", "Control address of the node (host:port)")
	token := flag.String("token", os.Getenv("RING_AUTH_TOKEN"), "Control plane auth token")
	timeout := flag.Duration("timeout", 5*time.Second, "Call timeout")
	logLevel := flag.String("log-level", "warn", "Log level (trace, debug, info, warn, error)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(1)
	}

	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = *logLevel
	logger, err := pkg.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	client, err := transport.NewControlClient(*addr, *token, *timeout, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	if err := run(context.Background(), client, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		client.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, client *transport.ControlClient, args []string) error {
	switch args[0] {
	case "send":
		if len(args) < 3 {
			return fmt.Errorf("usage: send <dest> <message>")
		}
		dest, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("destination must be an integer, got %q", args[1])
		}
		payload := strings.Join(args[2:], " ")
		if err := client.Enqueue(ctx, dest, payload); err != nil {
			return err
		}
		fmt.Printf("accepted message for node %d\n", dest)

	case "status":
		st, err := client.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("node:        %d of %d\n", st.NodeID, st.RingSize)
		fmt.Printf("token:       %t (%s)\n", st.HasToken, st.TokenState)
		fmt.Printf("queued:      %d\n", st.QueueLength)
		fmt.Printf("successor:   %s (%s)\n", st.SuccessorAddr, st.LinkState)
		fmt.Printf("inbound:     %d\n", st.InboundConnections)

	case "report":
		body, err := client.Report(ctx)
		if err != nil {
			return err
		}
		os.Stdout.Write(body.GetData())

	case "shutdown":
		if err := client.Shutdown(ctx); err != nil {
			return err
		}
		fmt.Printf("node at %s shut down\n", client.Address())

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}
