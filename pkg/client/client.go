// Package client is the process side of the router: a local tool encodes commands and sends
// them to one of the router's command sources, and receives telemetry on its own destination
// port, dispatching it to a private subscription registry.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/groundsys/cmdtlm-router/pkg/command"
	"github.com/groundsys/cmdtlm-router/pkg/metrics"
	"github.com/groundsys/cmdtlm-router/pkg/packet"
	"github.com/groundsys/cmdtlm-router/pkg/registry"
	"github.com/groundsys/cmdtlm-router/pkg/telemetry"
	"go.uber.org/zap"
)

type ClientParams struct {
	Codec *packet.Codec

	// RouterHost:CommandPort is a command source registered with the router.
	RouterHost  string
	CommandPort int

	// TelemetryHost:TelemetryPort is where this client listens for fan-out telemetry. Port 0
	// picks a free port; register it with the router as a telemetry destination.
	TelemetryHost string
	TelemetryPort int

	ReceiveTimeout  time.Duration
	MaxDatagramSize int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Client struct {
	log *zap.Logger

	commands  *command.Channel
	cmdConn   *net.UDPConn
	telemetry *telemetry.Channel
	tlmConn   *net.UDPConn

	mut_state sync.Mutex
	started   bool
	closed    bool
	cancel    context.CancelFunc
	loopDone  chan struct{}
	closeOnce sync.Once
}

func CreateClient(params ClientParams) (*Client, error) {
	if params.Codec == nil {
		return nil, fmt.Errorf("client needs a packet codec")
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.RouterHost == "" {
		params.RouterHost = "127.0.0.1"
	}
	if params.TelemetryHost == "" {
		params.TelemetryHost = "127.0.0.1"
	}
	log := logger.With(zap.String("handler", "ProcessClient"))

	cmdAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", params.RouterHost, params.CommandPort))
	if err != nil {
		return nil, err
	}
	cmdConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("failed to open command socket: %w", err)
	}

	tlmAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", params.TelemetryHost, params.TelemetryPort))
	if err != nil {
		cmdConn.Close()
		return nil, err
	}
	tlmConn, err := net.ListenUDP("udp", tlmAddr)
	if err != nil {
		cmdConn.Close()
		return nil, fmt.Errorf("failed to bind telemetry socket: %w", err)
	}

	commands, err := command.CreateChannel(command.ChannelParams{
		Codec:   params.Codec,
		Egress:  cmdConn,
		Target:  cmdAddr,
		Logger:  log,
		Metrics: params.Metrics,
		Now:     params.Now,
	})
	if err != nil {
		cmdConn.Close()
		tlmConn.Close()
		return nil, err
	}

	tlm, err := telemetry.CreateChannel(telemetry.ChannelParams{
		Codec:           params.Codec,
		Registry:        registry.CreateRegistry(registry.RegistryParams{Logger: log}),
		ReceiveTimeout:  params.ReceiveTimeout,
		MaxDatagramSize: params.MaxDatagramSize,
		Logger:          log,
		Metrics:         params.Metrics,
	})
	if err != nil {
		commands.Close()
		cmdConn.Close()
		tlmConn.Close()
		return nil, err
	}

	return &Client{
		log:       log,
		commands:  commands,
		cmdConn:   cmdConn,
		telemetry: tlm,
		tlmConn:   tlmConn,
		loopDone:  make(chan struct{}),
	}, nil
}

// Start runs the telemetry server on its own goroutine until ctx is cancelled or Close is called.
// A client runs at most once.
func (c *Client) Start(ctx context.Context) error {
	c.mut_state.Lock()
	defer c.mut_state.Unlock()
	if c.started || c.closed {
		return fmt.Errorf("client can only be started once")
	}
	c.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	go func() {
		defer close(c.loopDone)
		c.log.Info("Client telemetry server started", zap.Int("port", c.TelemetryPort()))
		c.telemetry.Run(loopCtx, c.tlmConn)
	}()
	return nil
}

// TelemetryPort is the bound telemetry listener port.
func (c *Client) TelemetryPort() int {
	return c.tlmConn.LocalAddr().(*net.UDPAddr).Port
}

// SendCommand encodes req and sends it to the router's command source.
func (c *Client) SendCommand(req command.Request) (bool, string) {
	return c.commands.Send(req)
}

// SendDatagram sends a preformed command datagram.
func (c *Client) SendDatagram(datagram []byte) error {
	return c.commands.Forward(datagram)
}

func (c *Client) Registry() *registry.Registry {
	return c.telemetry.Registry()
}

func (c *Client) Subscribe(topic string, observer registry.Observer) {
	c.telemetry.Registry().Subscribe(topic, observer)
}

func (c *Client) Unsubscribe(topic string, observer registry.Observer) {
	c.telemetry.Registry().Unsubscribe(topic, observer)
}

// Close stops the telemetry server and releases both sockets.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mut_state.Lock()
		c.closed = true
		cancel := c.cancel
		c.mut_state.Unlock()

		if cancel != nil {
			cancel()
		}
		c.tlmConn.Close()
		c.commands.Close()
		c.telemetry.Close()
		c.cmdConn.Close()

		if cancel != nil {
			select {
			case <-c.loopDone:
			case <-time.After(time.Second):
				c.log.Warn("Client telemetry server did not exit in time")
			}
		}
	})
}
