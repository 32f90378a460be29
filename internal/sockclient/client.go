// Package sockclient talks to the pull and push socket servers.
package sockclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrRejected wraps an ERROR reply from a push server.
var ErrRejected = errors.New("request rejected")

type Client struct {
	addr    string
	timeout time.Duration
}

func New(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{addr: addr, timeout: timeout}
}

// Request sends one datagram and waits for the reply.
func (c *Client) Request(ctx context.Context, msg string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", c.addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)
	if _, err := conn.Write([]byte(msg)); err != nil {
		return "", err
	}
	buf := make([]byte, 64*1024)
	n, err := conn.Read(buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// Push sends values with the json_wn# command and returns the ACK payload.
func (c *Client) Push(ctx context.Context, values map[string]float64) (string, error) {
	payload, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return c.PushRaw(ctx, string(payload))
}

func (c *Client) PushRaw(ctx context.Context, payload string) (string, error) {
	resp, err := c.Request(ctx, "json_wn#"+payload)
	if err != nil {
		return "", err
	}
	if reason, ok := strings.CutPrefix(resp, "ERROR:"); ok {
		return "", fmt.Errorf("%w: %s", ErrRejected, reason)
	}
	if body, ok := strings.CutPrefix(resp, "ACK:"); ok {
		return body, nil
	}
	return "", fmt.Errorf("unexpected reply %q", resp)
}
