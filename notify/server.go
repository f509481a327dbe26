package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/ZenLiuCN/fn"
)

// channel is one listener holding at most one client connection. Frames written while no
// client is connected are buffered and flushed in order on the next accept.
type channel struct {
	name    string
	ln      net.Listener
	mu      sync.Mutex
	conn    net.Conn
	pending [][]byte
}

func (c *channel) send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		c.pending = append(c.pending, b)
		return nil
	}
	if _, err := c.conn.Write(b); err != nil {
		fn.IgnoreClose(c.conn)
		c.conn = nil
		c.pending = append(c.pending, b)
		return fmt.Errorf("%s channel: %w", c.name, err)
	}
	return nil
}

func (c *channel) attach(conn net.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		fn.IgnoreClose(c.conn)
	}
	c.conn = conn
	for len(c.pending) > 0 {
		if _, err := conn.Write(c.pending[0]); err != nil {
			fn.IgnoreClose(conn)
			c.conn = nil
			return err
		}
		c.pending = c.pending[1:]
	}
	return nil
}

func (c *channel) close() error {
	err := c.ln.Close()
	c.mu.Lock()
	if c.conn != nil {
		fn.IgnoreClose(c.conn)
		c.conn = nil
	}
	c.mu.Unlock()
	return err
}

// Server publishes notifications and log frames to one client at a time.
type Server struct {
	updates *channel
	stream  *channel
	log     *slog.Logger
	wg      sync.WaitGroup
}

// Listen opens the update and stream listeners.
func Listen(updateAddr, streamAddr string, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	u, err := net.Listen("tcp", updateAddr)
	if err != nil {
		return nil, err
	}
	s, err := net.Listen("tcp", streamAddr)
	if err != nil {
		fn.IgnoreClose(u)
		return nil, err
	}
	return &Server{
		updates: &channel{name: "update", ln: u},
		stream:  &channel{name: "stream", ln: s},
		log:     log,
	}, nil
}

// UpdateAddr is the address of the notification listener.
func (s *Server) UpdateAddr() net.Addr {
	return s.updates.ln.Addr()
}

// StreamAddr is the address of the log listener.
func (s *Server) StreamAddr() net.Addr {
	return s.stream.ln.Addr()
}

// Serve accepts clients until ctx is done or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = s.Close()
	})
	defer stop()
	errs := make(chan error, 2)
	for _, c := range []*channel{s.updates, s.stream} {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			errs <- s.accept(c)
		}()
	}
	s.wg.Wait()
	close(errs)
	var all []error
	for err := range errs {
		if err != nil && !errors.Is(err, net.ErrClosed) {
			all = append(all, err)
		}
	}
	return errors.Join(all...)
}

func (s *Server) accept(c *channel) error {
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			return err
		}
		if err = c.attach(conn); err != nil {
			s.log.Warn(fmt.Sprintf("flush %s channel: %v", c.name, err))
			continue
		}
		s.log.Info(fmt.Sprintf("Established %s channel with client from %s", c.name, conn.RemoteAddr()))
	}
}

// Notify sends n, or buffers it until a client connects.
func (s *Server) Notify(n Notification) error {
	b, err := n.MarshalBinary()
	if err != nil {
		return err
	}
	return s.updates.send(b)
}

// Log sends a log frame, or buffers it until a client connects.
func (s *Server) Log(level Level, text string) error {
	b, err := Message{Level: level, Text: text}.MarshalBinary()
	if err != nil {
		return err
	}
	return s.stream.send(b)
}

// Close stops both listeners and drops the clients.
func (s *Server) Close() error {
	return errors.Join(s.updates.close(), s.stream.close())
}
