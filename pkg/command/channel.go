// Package command carries commands from local producers to the flight target. Every producer
// shares one egress socket; each datagram is a single write so datagrams never interleave.
package command

import (
	"context"
	goerrs "errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/groundsys/cmdtlm-router/internal"
	"github.com/groundsys/cmdtlm-router/pkg/errors"
	"github.com/groundsys/cmdtlm-router/pkg/metrics"
	"github.com/groundsys/cmdtlm-router/pkg/packet"
	"go.uber.org/zap"
)

// Egress is the single socket toward the flight target. An unconnected *net.UDPConn satisfies
// it; a target that restarts does not leave a pending refusal on the socket.
type Egress interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

type ChannelParams struct {
	Codec  *packet.Codec
	Egress Egress
	// Target is the flight target's command address every datagram is written to.
	Target *net.UDPAddr

	// ListenHost is the address command source listeners bind to. Defaults to loopback.
	ListenHost      string
	ReceiveTimeout  time.Duration
	MaxDatagramSize int
	MaxSources      int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Channel struct {
	params  ChannelParams
	log     *zap.Logger
	metrics *metrics.Metrics

	encoder *Encoder
	egress  Egress
	target  *net.UDPAddr

	ctx    context.Context
	cancel context.CancelFunc

	sources *internal.EndpointStore[*source]
}

// SourceInfo describes a registered command source.
type SourceInfo struct {
	Handle uuid.UUID
	Port   int
}

func CreateChannel(params ChannelParams) (*Channel, error) {
	if params.Codec == nil {
		return nil, fmt.Errorf("command channel needs a packet codec")
	}
	if params.Egress == nil {
		return nil, fmt.Errorf("command channel needs an egress socket")
	}
	if params.Target == nil {
		return nil, fmt.Errorf("command channel needs a target address")
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.ListenHost == "" {
		params.ListenHost = "127.0.0.1"
	}
	if params.ReceiveTimeout <= 0 {
		params.ReceiveTimeout = 500 * time.Millisecond
	}
	if params.MaxDatagramSize <= 0 {
		params.MaxDatagramSize = 65535
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Channel{
		params:  params,
		log:     logger.With(zap.String("handler", "CommandChannel")),
		metrics: params.Metrics,
		encoder: CreateEncoder(params.Codec, params.Now),
		egress:  params.Egress,
		target:  params.Target,
		ctx:     ctx,
		cancel:  cancel,
		sources: internal.CreateEndpointStore[*source](params.MaxSources),
	}, nil
}

// Send resolves and encodes req, then writes it to the egress socket. Catalog and field errors
// are reported through the status string without touching the network.
func (c *Channel) Send(req Request) (bool, string) {
	log := c.log.With(zap.String("target", req.Target), zap.String("command", req.Command))

	dg, err := c.encoder.Build(req)
	if err != nil {
		var unknownCommand *errors.UnknownCommand
		var invalidField *errors.InvalidField
		switch {
		case goerrs.As(err, &unknownCommand):
			c.metrics.IncCommandsRejected("unknown_command")
		case goerrs.As(err, &invalidField):
			c.metrics.IncCommandsRejected("invalid_field")
		default:
			c.metrics.IncCommandsRejected("encode_error")
		}
		log.Info("Command rejected", zap.Error(err))
		return false, err.Error()
	}
	dg.Destination = c.target

	if _, err := c.egress.WriteToUDP(dg.Bytes, c.target); err != nil {
		c.metrics.IncCommandsRejected("egress_error")
		log.Error("Failed to write command to egress socket", zap.Error(err))
		return false, fmt.Sprintf("%s %s command not sent: %v", req.Target, req.Command, err)
	}

	c.metrics.IncCommandsSent()
	log.Debug("Command sent", zap.Uint32("identifier", uint32(dg.Identifier)), zap.Int("size", len(dg.Bytes)))
	return true, fmt.Sprintf("%s %s command sent", req.Target, req.Command)
}

// Forward writes a preformed datagram to the egress socket unchanged.
func (c *Channel) Forward(datagram []byte) error {
	if _, err := c.egress.WriteToUDP(datagram, c.target); err != nil {
		return err
	}
	c.metrics.IncCommandsForwarded()
	return nil
}

// Encoder exposes the channel's request encoder so other producers share its sequence counts.
func (c *Channel) Encoder() *Encoder {
	return c.encoder
}

func (c *Channel) Sources() []SourceInfo {
	snapshot := c.sources.Snapshot()
	out := make([]SourceInfo, 0, len(snapshot))
	for _, endpoint := range snapshot {
		out = append(out, SourceInfo{Handle: endpoint.Handle, Port: endpoint.Port})
	}
	return out
}

// Close stops every command source. The egress socket belongs to the caller.
func (c *Channel) Close() {
	c.cancel()
	for _, endpoint := range c.sources.RemoveAll() {
		endpoint.Value.stop(c.params.ReceiveTimeout)
	}
	c.metrics.SetEndpoints("command_source", 0)
}
