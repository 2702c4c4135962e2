// Package telemetry reads the downlink stream, publishes each datagram to the observers of its
// topic, and copies the raw bytes to every registered local destination.
package telemetry

import (
	"context"
	goerrs "errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/groundsys/cmdtlm-router/internal"
	"github.com/groundsys/cmdtlm-router/pkg/errors"
	"github.com/groundsys/cmdtlm-router/pkg/message"
	"github.com/groundsys/cmdtlm-router/pkg/metrics"
	"github.com/groundsys/cmdtlm-router/pkg/packet"
	"github.com/groundsys/cmdtlm-router/pkg/registry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Ingress is the socket the flight target's telemetry arrives on.
type Ingress interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	SetReadDeadline(t time.Time) error
}

type ChannelParams struct {
	Codec    *packet.Codec
	Registry *registry.Registry

	// DestinationHost is where fan-out destinations listen. Defaults to loopback.
	DestinationHost string
	ReceiveTimeout  time.Duration
	MaxDatagramSize int
	MaxDestinations int

	// UnknownIdentifierLogRate bounds how often an unresolvable identifier is logged, per second.
	UnknownIdentifierLogRate float64

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Channel struct {
	params   ChannelParams
	log      *zap.Logger
	metrics  *metrics.Metrics
	codec    *packet.Codec
	registry *registry.Registry

	unknownLimiter   *rate.Limiter
	malformedLimiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	destinations *internal.EndpointStore[*destination]
}

// destination writes from an unconnected socket, so a listener that is briefly absent does not
// surface as a refused write.
type destination struct {
	conn *net.UDPConn
	addr *net.UDPAddr
}

// DestinationInfo describes a registered fan-out destination.
type DestinationInfo struct {
	Handle uuid.UUID
	Port   int
}

func CreateChannel(params ChannelParams) (*Channel, error) {
	if params.Codec == nil {
		return nil, fmt.Errorf("telemetry channel needs a packet codec")
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.Registry == nil {
		params.Registry = registry.CreateRegistry(registry.RegistryParams{Logger: logger})
	}
	if params.DestinationHost == "" {
		params.DestinationHost = "127.0.0.1"
	}
	if params.ReceiveTimeout <= 0 {
		params.ReceiveTimeout = 500 * time.Millisecond
	}
	if params.MaxDatagramSize <= 0 {
		params.MaxDatagramSize = 65535
	}
	if params.UnknownIdentifierLogRate <= 0 {
		params.UnknownIdentifierLogRate = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Channel{
		params:           params,
		log:              logger.With(zap.String("handler", "TelemetryChannel")),
		metrics:          params.Metrics,
		codec:            params.Codec,
		registry:         params.Registry,
		unknownLimiter:   rate.NewLimiter(rate.Limit(params.UnknownIdentifierLogRate), 5),
		malformedLimiter: rate.NewLimiter(rate.Limit(params.UnknownIdentifierLogRate), 5),
		ctx:              ctx,
		cancel:           cancel,
		destinations:     internal.CreateEndpointStore[*destination](params.MaxDestinations),
	}, nil
}

func (c *Channel) Registry() *registry.Registry {
	return c.registry
}

// Run reads datagrams from ingress until ctx is cancelled or the socket is closed. Each read is
// bounded by the receive timeout so cancellation is noticed promptly.
func (c *Channel) Run(ctx context.Context, ingress Ingress) {
	buf := make([]byte, c.params.MaxDatagramSize)

	for {
		if ctx.Err() != nil {
			c.log.Debug("Telemetry loop cancelled")
			return
		}

		ingress.SetReadDeadline(time.Now().Add(c.params.ReceiveTimeout))
		bytesRead, _, err := ingress.ReadFromUDP(buf)
		if err != nil {
			if goerrs.Is(err, net.ErrClosed) {
				c.log.Debug("Telemetry ingress closed - exiting receive loop")
				return
			}
			var netErr net.Error
			if goerrs.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			c.log.Warn("Telemetry read failed", zap.Error(err))
			continue
		}

		// Shutdown may have started while the read was in flight.
		if ctx.Err() != nil {
			return
		}

		c.Process(buf[:bytesRead])
	}
}

// Process handles one complete datagram. The datagram bytes are copied before dispatch, so the
// caller may reuse the buffer once Process returns. It reports whether the datagram was
// dispatched.
func (c *Channel) Process(datagram []byte) bool {
	c.metrics.IncTelemetryReceived()

	header, err := c.codec.ParseHeader(datagram)
	if err != nil {
		c.metrics.IncTelemetryDropped("malformed_header")
		if c.malformedLimiter.Allow() {
			c.log.Warn("Dropping telemetry datagram with malformed header", zap.Error(err))
		}
		return false
	}

	topic, _, err := c.codec.Catalog().ResolveIdentifier(header.Identifier)
	if err != nil {
		c.metrics.IncTelemetryDropped("unknown_identifier")
		if c.unknownLimiter.Allow() {
			c.log.Warn("Dropping telemetry datagram",
				zap.Uint32("identifier", uint32(header.Identifier)),
				zap.Error(err))
		}
		return false
	}

	msg := message.NewTelemetryMessage(topic, header, datagram, c.codec)
	c.registry.Publish(topic, msg)
	c.fanOut(msg.Raw())

	return true
}

func (c *Channel) fanOut(raw []byte) {
	for _, endpoint := range c.destinations.Snapshot() {
		if _, err := endpoint.Value.conn.WriteToUDP(raw, endpoint.Value.addr); err != nil {
			c.disableDestination(endpoint, err)
			continue
		}
		c.metrics.IncTelemetryForwarded()
	}
}

func (c *Channel) disableDestination(endpoint *internal.Endpoint[*destination], cause error) {
	if _, err := c.destinations.Remove(endpoint.Handle); err != nil {
		// Already removed.
		return
	}
	endpoint.Value.conn.Close()
	c.metrics.IncEndpointFailures("telemetry_destination")
	c.metrics.SetEndpoints("telemetry_destination", c.destinations.Len())

	ioErr := &errors.EndpointIOError{Endpoint: "telemetry_destination", Port: endpoint.Port, Err: cause}
	c.log.Error("Telemetry destination failed, disabling it",
		zap.String("destination", endpoint.Handle.String()),
		zap.Error(ioErr))
}

// AddDestination starts copying every dispatched datagram to port on the destination host.
func (c *Channel) AddDestination(port int) (uuid.UUID, error) {
	if c.ctx.Err() != nil {
		return uuid.Nil, &errors.RouterNotRunning{Operation: "add telemetry destination"}
	}

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", c.params.DestinationHost, port))
	if err != nil {
		return uuid.Nil, err
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr.IP})
	if err != nil {
		return uuid.Nil, &errors.EndpointIOError{Endpoint: "telemetry_destination", Port: port, Err: err}
	}

	endpoint, err := c.destinations.Add(port, &destination{conn: conn, addr: addr})
	if err != nil {
		conn.Close()
		return uuid.Nil, err
	}
	c.metrics.SetEndpoints("telemetry_destination", c.destinations.Len())
	c.log.Info("Telemetry destination added", zap.String("destination", endpoint.Handle.String()), zap.Int("port", port))

	return endpoint.Handle, nil
}

// RemoveDestination stops fan-out to a destination. A dispatch already in progress may still
// deliver its datagram to it.
func (c *Channel) RemoveDestination(handle uuid.UUID) error {
	endpoint, err := c.destinations.Remove(handle)
	if err != nil {
		return err
	}
	endpoint.Value.conn.Close()
	c.metrics.SetEndpoints("telemetry_destination", c.destinations.Len())
	c.log.Info("Telemetry destination removed", zap.String("destination", handle.String()), zap.Int("port", endpoint.Port))
	return nil
}

func (c *Channel) Destinations() []DestinationInfo {
	snapshot := c.destinations.Snapshot()
	out := make([]DestinationInfo, 0, len(snapshot))
	for _, endpoint := range snapshot {
		out = append(out, DestinationInfo{Handle: endpoint.Handle, Port: endpoint.Port})
	}
	return out
}

// Close releases every destination socket. The ingress socket belongs to the caller.
func (c *Channel) Close() {
	c.cancel()
	for _, endpoint := range c.destinations.RemoveAll() {
		endpoint.Value.conn.Close()
	}
	c.metrics.SetEndpoints("telemetry_destination", 0)
}
