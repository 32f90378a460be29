// Package udp holds the datagram request/response loop shared by the
// pull and push socket servers.
package udp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

// MaxDatagram is the largest request the servers read.
const MaxDatagram = 1024

// Handler turns one request line into one response.
type Handler func(request string) string

func Listen(host string, port int) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", addr)
}

// Serve answers datagrams on conn until ctx is done or conn is closed.
// A panicking handler costs one request, never the loop.
func Serve(ctx context.Context, conn *net.UDPConn, handle Handler, logger *slog.Logger) error {
	buf := make([]byte, MaxDatagram)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			logger.Warn("udp read error", "err", err)
			continue
		}
		resp := safeHandle(handle, FirstLine(string(buf[:n])), logger)
		if _, err := conn.WriteToUDP([]byte(resp), peer); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Warn("udp write error", "peer", peer.String(), "err", err)
		}
	}
}

func safeHandle(handle Handler, req string, logger *slog.Logger) (resp string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("request handler panic", "request", req, "panic", r)
			resp = "BAD_REQUEST"
		}
	}()
	return handle(req)
}

// FirstLine returns the request up to the first newline, without CR.
func FirstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimRight(s, "\r")
}

// IsASCII reports whether s is 7-bit clean.
func IsASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}
