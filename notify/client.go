package notify

import (
	"context"
	"errors"
	"net"
)

// Client receives what a Server publishes.
type Client struct {
	updates net.Conn
	stream  net.Conn
}

// Dial connects both channels.
func Dial(ctx context.Context, updateAddr, streamAddr string) (*Client, error) {
	var d net.Dialer
	u, err := d.DialContext(ctx, "tcp", updateAddr)
	if err != nil {
		return nil, err
	}
	s, err := d.DialContext(ctx, "tcp", streamAddr)
	if err != nil {
		_ = u.Close()
		return nil, err
	}
	return &Client{updates: u, stream: s}, nil
}

// Next blocks for the next notification.
func (c *Client) Next() (Notification, error) {
	return ReadNotification(c.updates)
}

// NextMessage blocks for the next log frame.
func (c *Client) NextMessage() (Message, error) {
	return ReadMessage(c.stream)
}

func (c *Client) Close() error {
	return errors.Join(c.updates.Close(), c.stream.Close())
}
