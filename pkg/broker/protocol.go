package broker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/marmos91/embeddedbroker/internal/logger"
)

// Data protocol commands. Each request and response is one
// newline-terminated line.
//
//	PING                      -> PONG
//	PUBLISH <topic> <payload> -> OK <partition> <entry> | ERR <reason>
//	QUIT                      -> connection closed
const (
	cmdPing    = "PING"
	cmdPublish = "PUBLISH"
	cmdQuit    = "QUIT"

	// MaxLineSize bounds a single request line.
	MaxLineSize = 1 << 20

	publishTimeout = 10 * time.Second
)

func (b *Broker) acceptLoop(ln net.Listener) {
	defer b.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Warn("Broker accept failed", logger.Err(err))
			}
			return
		}

		b.mu.Lock()
		if b.state == stateClosed {
			b.mu.Unlock()
			_ = conn.Close()
			return
		}
		b.conns[conn] = struct{}{}
		b.wg.Add(1)
		b.mu.Unlock()

		b.metrics.ConnectionOpened()
		go b.serveConn(conn)
	}
}

func (b *Broker) serveConn(conn net.Conn) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		_ = conn.Close()
		b.metrics.ConnectionClosed()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), MaxLineSize)
	w := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}

		reply, quit := b.handleLine(line)
		if quit {
			return
		}
		if _, err := w.WriteString(reply + "\n"); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

// handleLine executes one request line and returns the reply.
func (b *Broker) handleLine(line string) (string, bool) {
	cmd, rest, _ := strings.Cut(line, " ")

	switch strings.ToUpper(cmd) {
	case cmdPing:
		return "PONG", false
	case cmdQuit:
		return "", true
	case cmdPublish:
		name, payload, ok := strings.Cut(rest, " ")
		if !ok || name == "" {
			return "ERR usage: PUBLISH <topic> <payload>", false
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		res, err := b.Publish(ctx, name, []byte(payload))
		if err != nil {
			return "ERR " + errorReason(err), false
		}
		return fmt.Sprintf("OK %d %d", res.Partition, res.EntryID), false
	default:
		return "ERR unknown command " + cmd, false
	}
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, ErrNotReady):
		return "broker not ready"
	case errors.Is(err, ErrAutoCreationDisabled), errors.Is(err, ErrTopicNotFound):
		return "topic not found"
	case errors.Is(err, ErrInvalidTopic):
		return "invalid topic"
	default:
		return strings.ReplaceAll(err.Error(), "\n", " ")
	}
}
