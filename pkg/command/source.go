package command

import (
	"context"
	goerrs "errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/groundsys/cmdtlm-router/pkg/errors"
	"go.uber.org/zap"
)

type source struct {
	conn   *net.UDPConn
	cancel context.CancelFunc
	done   chan struct{}
}

// stop closes the listener and waits up to timeout for its worker. A datagram the worker has
// already read is still forwarded before it exits.
func (s *source) stop(timeout time.Duration) {
	s.cancel()
	s.conn.Close()

	select {
	case <-s.done:
	case <-time.After(timeout + 100*time.Millisecond):
	}
}

// AddSource binds a listener on port (0 picks a free port) that forwards every datagram it
// receives verbatim to the egress socket.
func (c *Channel) AddSource(port int) (uuid.UUID, error) {
	if c.ctx.Err() != nil {
		return uuid.Nil, &errors.RouterNotRunning{Operation: "add command source"}
	}

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", c.params.ListenHost, port))
	if err != nil {
		return uuid.Nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return uuid.Nil, &errors.EndpointIOError{Endpoint: "command_source", Port: port, Err: err}
	}
	boundPort := conn.LocalAddr().(*net.UDPAddr).Port

	ctx, cancel := context.WithCancel(c.ctx)
	src := &source{
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	endpoint, err := c.sources.Add(boundPort, src)
	if err != nil {
		cancel()
		conn.Close()
		return uuid.Nil, err
	}
	c.metrics.SetEndpoints("command_source", c.sources.Len())

	log := c.log.With(zap.String("source", endpoint.Handle.String()), zap.Int("port", boundPort))
	log.Info("Command source added")

	go c.runSource(ctx, endpoint.Handle, src, log)

	return endpoint.Handle, nil
}

// RemoveSource stops and releases a command source. Other sources are unaffected.
func (c *Channel) RemoveSource(handle uuid.UUID) error {
	endpoint, err := c.sources.Remove(handle)
	if err != nil {
		return err
	}
	c.metrics.SetEndpoints("command_source", c.sources.Len())

	endpoint.Value.stop(c.params.ReceiveTimeout)
	c.log.Info("Command source removed", zap.String("source", handle.String()), zap.Int("port", endpoint.Port))
	return nil
}

func (c *Channel) runSource(ctx context.Context, handle uuid.UUID, src *source, log *zap.Logger) {
	defer close(src.done)

	buf := make([]byte, c.params.MaxDatagramSize)
	for {
		if ctx.Err() != nil {
			return
		}

		src.conn.SetReadDeadline(time.Now().Add(c.params.ReceiveTimeout))
		bytesRead, clientAddr, err := src.conn.ReadFromUDP(buf)
		if err != nil {
			if goerrs.Is(err, net.ErrClosed) {
				log.Debug("Command source closed - exiting listener goroutine")
				return
			}
			var netErr net.Error
			if goerrs.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			ioErr := &errors.EndpointIOError{Endpoint: "command_source", Port: src.conn.LocalAddr().(*net.UDPAddr).Port, Err: err}
			log.Error("Command source failed, disabling it", zap.Error(ioErr))
			c.metrics.IncEndpointFailures("command_source")
			if _, removeErr := c.sources.Remove(handle); removeErr == nil {
				c.metrics.SetEndpoints("command_source", c.sources.Len())
			}
			src.conn.Close()
			return
		}

		if err := c.Forward(buf[:bytesRead]); err != nil {
			log.Warn("Failed to forward command datagram", zap.String("clientAddr", clientAddr.String()), zap.Error(err))
			continue
		}
		log.Debug("Forwarded command datagram", zap.String("clientAddr", clientAddr.String()), zap.Int("size", bytesRead))
	}
}
