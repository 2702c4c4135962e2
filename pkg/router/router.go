// Package router ties the command and telemetry channels to one flight target. It owns the
// ingress and egress sockets and the subscription registry, and exposes endpoint management for
// local client processes.
package router

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/groundsys/cmdtlm-router/pkg/catalog"
	"github.com/groundsys/cmdtlm-router/pkg/command"
	"github.com/groundsys/cmdtlm-router/pkg/errors"
	"github.com/groundsys/cmdtlm-router/pkg/metrics"
	"github.com/groundsys/cmdtlm-router/pkg/packet"
	"github.com/groundsys/cmdtlm-router/pkg/registry"
	"github.com/groundsys/cmdtlm-router/pkg/telemetry"
	"go.uber.org/zap"
)

type Params struct {
	Catalog catalog.Catalog
	// Layout defaults to packet.DefaultLayout when its byte order is unset.
	Layout packet.Layout

	// TargetHost:UplinkPort receives commands. Telemetry is read on DownlinkHost:DownlinkPort.
	TargetHost   string
	UplinkPort   int
	DownlinkHost string
	DownlinkPort int

	// ListenHost is where command sources bind and telemetry destinations are addressed.
	ListenHost string

	ReceiveTimeout  time.Duration
	ShutdownTimeout time.Duration
	MaxDatagramSize int
	MaxCmdSources   int
	MaxTlmDests     int

	// Endpoints registered as soon as the router starts.
	CmdSourcePorts []int
	TlmDestPorts   []int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Router struct {
	params   Params
	log      *zap.Logger
	metrics  *metrics.Metrics
	codec    *packet.Codec
	registry *registry.Registry

	mut_state sync.RWMutex
	running   bool
	stopped   bool

	cancel    context.CancelFunc
	ingress   *net.UDPConn
	egress    *net.UDPConn
	uplink    *net.UDPAddr
	commands  *command.Channel
	telemetry *telemetry.Channel
	loopDone  chan struct{}

	shutdownOnce sync.Once
}

func New(params Params) (*Router, error) {
	if params.Catalog == nil {
		return nil, fmt.Errorf("router needs a message catalog")
	}
	if params.Layout.ByteOrder == nil {
		params.Layout = packet.DefaultLayout
	}
	codec, err := packet.NewCodec(params.Layout, params.Catalog)
	if err != nil {
		return nil, fmt.Errorf("invalid packet layout: %w", err)
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.TargetHost == "" {
		params.TargetHost = "127.0.0.1"
	}
	if params.DownlinkHost == "" {
		params.DownlinkHost = "127.0.0.1"
	}
	if params.ListenHost == "" {
		params.ListenHost = "127.0.0.1"
	}
	if params.ReceiveTimeout <= 0 {
		params.ReceiveTimeout = 500 * time.Millisecond
	}
	if params.ShutdownTimeout <= 0 {
		params.ShutdownTimeout = params.ReceiveTimeout + 250*time.Millisecond
	}
	if params.MaxDatagramSize <= 0 {
		params.MaxDatagramSize = 65535
	}

	r := &Router{
		params:   params,
		log:      logger.With(zap.String("handler", "Router")),
		metrics:  params.Metrics,
		codec:    codec,
		loopDone: make(chan struct{}),
	}
	r.registry = registry.CreateRegistry(registry.RegistryParams{
		Logger: logger,
		OnObserverFailure: func(err *errors.ObserverFailure) {
			r.metrics.IncObserverFailures()
		},
	})
	return r, nil
}

// Start binds the ingress and egress sockets and starts the telemetry loop. Bind failures are
// returned and leave the router stopped. Cancelling ctx shuts the router down.
func (r *Router) Start(ctx context.Context) error {
	r.mut_state.Lock()
	defer r.mut_state.Unlock()

	if r.running || r.stopped {
		return fmt.Errorf("router can only be started once")
	}

	ingressAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", r.params.DownlinkHost, r.params.DownlinkPort))
	if err != nil {
		return fmt.Errorf("resolve downlink address: %w", err)
	}
	ingress, err := net.ListenUDP("udp", ingressAddr)
	if err != nil {
		return &errors.EndpointIOError{Endpoint: "telemetry_ingress", Port: r.params.DownlinkPort, Err: err}
	}

	egressAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", r.params.TargetHost, r.params.UplinkPort))
	if err != nil {
		ingress.Close()
		return fmt.Errorf("resolve uplink address: %w", err)
	}
	// Unconnected: a refusal from a restarting target must not fail a later write.
	egress, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		ingress.Close()
		return &errors.EndpointIOError{Endpoint: "command_egress", Port: r.params.UplinkPort, Err: err}
	}

	commands, err := command.CreateChannel(command.ChannelParams{
		Codec:           r.codec,
		Egress:          egress,
		Target:          egressAddr,
		ListenHost:      r.params.ListenHost,
		ReceiveTimeout:  r.params.ReceiveTimeout,
		MaxDatagramSize: r.params.MaxDatagramSize,
		MaxSources:      r.params.MaxCmdSources,
		Logger:          r.log,
		Metrics:         r.metrics,
		Now:             r.params.Now,
	})
	if err != nil {
		ingress.Close()
		egress.Close()
		return err
	}

	tlm, err := telemetry.CreateChannel(telemetry.ChannelParams{
		Codec:           r.codec,
		Registry:        r.registry,
		DestinationHost: r.params.ListenHost,
		ReceiveTimeout:  r.params.ReceiveTimeout,
		MaxDatagramSize: r.params.MaxDatagramSize,
		MaxDestinations: r.params.MaxTlmDests,
		Logger:          r.log,
		Metrics:         r.metrics,
	})
	if err != nil {
		commands.Close()
		ingress.Close()
		egress.Close()
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.ingress = ingress
	r.egress = egress
	r.uplink = egressAddr
	r.commands = commands
	r.telemetry = tlm
	r.running = true

	go func() {
		defer close(r.loopDone)
		tlm.Run(loopCtx, ingress)
	}()
	context.AfterFunc(loopCtx, r.Shutdown)

	r.log.Info("Router started",
		zap.String("downlink", ingress.LocalAddr().String()),
		zap.String("uplink", egressAddr.String()))

	for _, port := range r.params.CmdSourcePorts {
		if _, err := commands.AddSource(port); err != nil {
			r.log.Error("Failed to add configured command source", zap.Int("port", port), zap.Error(err))
		}
	}
	for _, port := range r.params.TlmDestPorts {
		if _, err := tlm.AddDestination(port); err != nil {
			r.log.Error("Failed to add configured telemetry destination", zap.Int("port", port), zap.Error(err))
		}
	}

	return nil
}

// Shutdown stops the telemetry loop and releases every socket. It waits at most the shutdown
// timeout for the loop to exit and is safe to call more than once.
func (r *Router) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.mut_state.Lock()
		wasRunning := r.running
		r.running = false
		r.stopped = true
		r.mut_state.Unlock()

		if !wasRunning {
			return
		}

		r.cancel()
		r.ingress.Close()
		r.commands.Close()
		r.telemetry.Close()
		r.egress.Close()

		select {
		case <-r.loopDone:
			r.log.Info("Router stopped")
		case <-time.After(r.params.ShutdownTimeout):
			r.log.Warn("Telemetry loop did not exit before the shutdown timeout",
				zap.Duration("timeout", r.params.ShutdownTimeout))
		}
	})
}

// Done is closed once the telemetry loop has exited.
func (r *Router) Done() <-chan struct{} {
	return r.loopDone
}

func (r *Router) Registry() *registry.Registry {
	return r.registry
}

func (r *Router) Codec() *packet.Codec {
	return r.codec
}

// DownlinkAddr is the bound telemetry ingress address, or nil before Start.
func (r *Router) DownlinkAddr() *net.UDPAddr {
	r.mut_state.RLock()
	defer r.mut_state.RUnlock()
	if r.ingress == nil {
		return nil
	}
	return r.ingress.LocalAddr().(*net.UDPAddr)
}

// UplinkAddr is the flight target's command address, or nil before Start.
func (r *Router) UplinkAddr() *net.UDPAddr {
	r.mut_state.RLock()
	defer r.mut_state.RUnlock()
	return r.uplink
}

func (r *Router) channels(operation string) (*command.Channel, *telemetry.Channel, error) {
	r.mut_state.RLock()
	defer r.mut_state.RUnlock()
	if !r.running {
		return nil, nil, &errors.RouterNotRunning{Operation: operation}
	}
	return r.commands, r.telemetry, nil
}

func (r *Router) AddCmdSource(port int) (uuid.UUID, error) {
	commands, _, err := r.channels("add command source")
	if err != nil {
		return uuid.Nil, err
	}
	return commands.AddSource(port)
}

func (r *Router) RemoveCmdSource(handle uuid.UUID) error {
	commands, _, err := r.channels("remove command source")
	if err != nil {
		return err
	}
	return commands.RemoveSource(handle)
}

func (r *Router) CmdSources() []command.SourceInfo {
	commands, _, err := r.channels("list command sources")
	if err != nil {
		return nil
	}
	return commands.Sources()
}

func (r *Router) AddTlmDest(port int) (uuid.UUID, error) {
	_, tlm, err := r.channels("add telemetry destination")
	if err != nil {
		return uuid.Nil, err
	}
	return tlm.AddDestination(port)
}

func (r *Router) RemoveTlmDest(handle uuid.UUID) error {
	_, tlm, err := r.channels("remove telemetry destination")
	if err != nil {
		return err
	}
	return tlm.RemoveDestination(handle)
}

func (r *Router) TlmDests() []telemetry.DestinationInfo {
	_, tlm, err := r.channels("list telemetry destinations")
	if err != nil {
		return nil
	}
	return tlm.Destinations()
}

func (r *Router) Subscribe(topic string, observer registry.Observer) {
	r.registry.Subscribe(topic, observer)
}

func (r *Router) Unsubscribe(topic string, observer registry.Observer) {
	r.registry.Unsubscribe(topic, observer)
}

// SendCommand encodes req and writes it to the flight target.
func (r *Router) SendCommand(req command.Request) (bool, string) {
	commands, _, err := r.channels("send command")
	if err != nil {
		return false, err.Error()
	}
	return commands.Send(req)
}

// ForwardCommand writes a preformed command datagram to the flight target unchanged.
func (r *Router) ForwardCommand(datagram []byte) error {
	commands, _, err := r.channels("forward command")
	if err != nil {
		return err
	}
	return commands.Forward(datagram)
}

// ProcessTelemetry dispatches a datagram as if it had arrived on the downlink.
func (r *Router) ProcessTelemetry(datagram []byte) bool {
	_, tlm, err := r.channels("process telemetry")
	if err != nil {
		return false
	}
	return tlm.Process(datagram)
}
