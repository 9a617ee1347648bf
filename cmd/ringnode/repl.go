package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/zde37/tokenring/internal/ring"
)

const helpText = `Commands:
  send <dest> <message>  send a message to another node
  status                 show this node's status
  inbox                  show messages delivered to this node
  help                   show this help
  exit                   stop the node and quit
`

var errUsageSend = errors.New("usage: send <dest> <message>")

type commandKind int

const (
	cmdEmpty commandKind = iota
	cmdSend
	cmdStatus
	cmdInbox
	cmdHelp
	cmdExit
)

type command struct {
	kind    commandKind
	dest    int
	payload string
}

// parseCommand parses one REPL line. The message of a send command is the
// rest of the line after the destination, spaces included.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)

	switch {
	case line == "":
		return command{kind: cmdEmpty}, nil
	case line == "status":
		return command{kind: cmdStatus}, nil
	case line == "inbox":
		return command{kind: cmdInbox}, nil
	case line == "help":
		return command{kind: cmdHelp}, nil
	case line == "exit":
		return command{kind: cmdExit}, nil
	case strings.HasPrefix(line, "send "):
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 3 || parts[2] == "" {
			return command{}, errUsageSend
		}
		dest, err := strconv.Atoi(parts[1])
		if err != nil {
			return command{}, fmt.Errorf("destination must be an integer, got %q", parts[1])
		}
		return command{kind: cmdSend, dest: dest, payload: parts[2]}, nil
	case line == "send":
		return command{}, errUsageSend
	default:
		return command{}, fmt.Errorf("unknown command %q, type help for the list", line)
	}
}

// replNode is the node surface the console drives.
type replNode interface {
	Enqueue(dest int, payload string) error
	Status() ring.Status
}

// recentMessages lists messages delivered to this node.
type recentMessages interface {
	Recent() []ring.Message
}

// runREPL reads commands from in until exit, EOF or ctx is done. It returns
// true when the user asked to exit. inbox may be nil.
func runREPL(ctx context.Context, in io.Reader, out io.Writer, node replNode, inbox recentMessages) bool {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprint(out, helpText)
	for {
		fmt.Fprint(out, "> ")

		var line string
		select {
		case <-ctx.Done():
			return false
		case l, ok := <-lines:
			if !ok {
				return false
			}
			line = l
		}

		cmd, err := parseCommand(line)
		if err != nil {
			fmt.Fprintln(out, err)
			continue
		}

		switch cmd.kind {
		case cmdSend:
			if err := node.Enqueue(cmd.dest, cmd.payload); err != nil {
				fmt.Fprintf(out, "send failed: %v\n", err)
				continue
			}
			if st := node.Status(); st.QueueLength > 0 {
				fmt.Fprintf(out, "queued for node %d, waiting for token (%d pending)\n", cmd.dest, st.QueueLength)
			} else {
				fmt.Fprintf(out, "sent to node %d\n", cmd.dest)
			}
		case cmdStatus:
			fmt.Fprint(out, node.Status().Report())
		case cmdInbox:
			printInbox(out, inbox)
		case cmdHelp:
			fmt.Fprint(out, helpText)
		case cmdExit:
			fmt.Fprintln(out, "shutting down")
			return true
		}
	}
}

func printInbox(out io.Writer, inbox recentMessages) {
	if inbox == nil {
		fmt.Fprintln(out, "inbox not available")
		return
	}
	messages := inbox.Recent()
	if len(messages) == 0 {
		fmt.Fprintln(out, "no messages delivered yet")
		return
	}
	for _, m := range messages {
		fmt.Fprintf(out, "[%s] %s\n", m.ReceivedAt.Format(time.TimeOnly), m.Payload)
	}
}
