package router

import (
	"context"
	goerrs "errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/groundsys/cmdtlm-router/pkg/catalog"
	"github.com/groundsys/cmdtlm-router/pkg/command"
	"github.com/groundsys/cmdtlm-router/pkg/errors"
	"github.com/groundsys/cmdtlm-router/pkg/message"
	"github.com/groundsys/cmdtlm-router/pkg/metrics"
	"github.com/groundsys/cmdtlm-router/pkg/packet"
	"github.com/groundsys/cmdtlm-router/pkg/registry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testTimeout = 50 * time.Millisecond

var loopback = net.IPv4(127, 0, 0, 1)

func listener(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: loopback})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func portOf(conn *net.UDPConn) int {
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func readDatagram(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()
	buf := make([]byte, 2048)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return buf[:n]
}

func sendTo(t *testing.T, addr *net.UDPAddr, datagram []byte) {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(datagram)
	require.NoError(t, err)
}

type collector struct {
	mut      sync.Mutex
	messages []*message.TelemetryMessage
	notify   chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 16)}
}

func (c *collector) Observe(msg *message.TelemetryMessage) error {
	c.mut.Lock()
	c.messages = append(c.messages, msg)
	c.mut.Unlock()
	c.notify <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T) *message.TelemetryMessage {
	t.Helper()
	select {
	case <-c.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("observer was not called")
	}
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.messages[len(c.messages)-1]
}

// startRouter starts a router whose uplink is a local listener standing in for the flight target.
func startRouter(t *testing.T, m *metrics.Metrics) (*Router, *net.UDPConn) {
	t.Helper()
	cat, err := catalog.Load("../../schemas/samplemission.yaml")
	require.NoError(t, err)

	target := listener(t)
	r, err := New(Params{
		Catalog:        cat,
		UplinkPort:     portOf(target),
		ReceiveTimeout: testTimeout,
		Logger:         zaptest.NewLogger(t),
		Metrics:        m,
		Now:            func() time.Time { return time.Unix(7000, 0) },
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Shutdown)
	return r, target
}

func hkDatagram(t *testing.T, r *Router, seconds uint32) []byte {
	t.Helper()
	raw, err := r.Codec().Encode(0x0806, packet.HeaderFields{Sequence: 5, Seconds: seconds}, catalog.Fields{
		"CommandCounter": 1, "CommandErrorCounter": 0, "Seconds": seconds,
	})
	require.NoError(t, err)
	return raw
}

func TestHousekeepingReachesObserverAndBothDestinations(t *testing.T) {
	r, _ := startRouter(t, nil)
	display, logger := listener(t), listener(t)

	_, err := r.AddTlmDest(portOf(display))
	require.NoError(t, err)
	_, err = r.AddTlmDest(portOf(logger))
	require.NoError(t, err)

	obs := newCollector()
	r.Subscribe("CFE_ES/HK_TLM", obs)

	raw := hkDatagram(t, r, 1234)
	sendTo(t, r.DownlinkAddr(), raw)

	msg := obs.wait(t)
	assert.Equal(t, "CFE_ES/HK_TLM", msg.Topic)
	assert.Equal(t, catalog.Identifier(0x0806), msg.Header.Identifier)
	assert.Equal(t, uint32(5), msg.Header.Sequence)
	assert.Equal(t, uint32(1234), msg.Header.Seconds)
	seconds, ok := msg.Field("Seconds")
	require.True(t, ok)
	assert.Equal(t, uint64(1234), seconds)

	assert.Equal(t, raw, readDatagram(t, display))
	assert.Equal(t, raw, readDatagram(t, logger))
}

func TestCommandsReachTarget(t *testing.T) {
	r, target := startRouter(t, nil)

	sent, status := r.SendCommand(command.Request{Target: "CFE_ES", Command: "NOOP"})
	require.True(t, sent, status)
	assert.Equal(t, "CFE_ES NOOP command sent", status)

	raw := readDatagram(t, target)
	hdr, err := r.Codec().ParseHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, catalog.Identifier(0x1806), hdr.Identifier)
	assert.Equal(t, uint32(7000), hdr.Seconds)

	_, err = r.AddCmdSource(0)
	require.NoError(t, err)
	sources := r.CmdSources()
	require.Len(t, sources, 1)

	preformed := append([]byte(nil), raw...)
	sendTo(t, &net.UDPAddr{IP: loopback, Port: sources[0].Port}, preformed)
	assert.Equal(t, preformed, readDatagram(t, target))

	require.NoError(t, r.RemoveCmdSource(sources[0].Handle))
	assert.Empty(t, r.CmdSources())
}

func TestCommandsSurviveTargetRestart(t *testing.T) {
	r, target := startRouter(t, nil)
	uplink := r.UplinkAddr()
	require.NotNil(t, uplink)

	// The flight target is down: the command is lost, and the refusal must not reach the next one.
	require.NoError(t, target.Close())
	sent, status := r.SendCommand(command.Request{Target: "CFE_ES", Command: "NOOP"})
	require.True(t, sent, status)
	time.Sleep(50 * time.Millisecond)

	restarted, err := net.ListenUDP("udp", &net.UDPAddr{IP: loopback, Port: uplink.Port})
	require.NoError(t, err)
	defer restarted.Close()

	sent, status = r.SendCommand(command.Request{Target: "CFE_ES", Command: "NOOP"})
	require.True(t, sent, status)
	hdr, err := r.Codec().ParseHeader(readDatagram(t, restarted))
	require.NoError(t, err)
	assert.Equal(t, catalog.Identifier(0x1806), hdr.Identifier)
	assert.Equal(t, uint32(1), hdr.Sequence)

	// Forwarded datagrams from a command source take the same path.
	_, err = r.AddCmdSource(0)
	require.NoError(t, err)
	preformed := []byte{0x18, 0x06, 0xC0, 0x07, 0x00, 0x01}
	sendTo(t, &net.UDPAddr{IP: loopback, Port: r.CmdSources()[0].Port}, preformed)
	assert.Equal(t, preformed, readDatagram(t, restarted))
}

func TestRemovedCmdSourceStopsWhileOthersForward(t *testing.T) {
	r, target := startRouter(t, nil)

	first, err := r.AddCmdSource(0)
	require.NoError(t, err)
	_, err = r.AddCmdSource(0)
	require.NoError(t, err)

	var removedPort, keptPort int
	for _, src := range r.CmdSources() {
		if src.Handle == first {
			removedPort = src.Port
		} else {
			keptPort = src.Port
		}
	}
	require.NotZero(t, removedPort)
	require.NotZero(t, keptPort)

	require.NoError(t, r.RemoveCmdSource(first))
	require.Len(t, r.CmdSources(), 1)

	sendTo(t, &net.UDPAddr{IP: loopback, Port: removedPort}, []byte{0x01, 0x02})

	kept := []byte{0x18, 0x06, 0xC0, 0x08, 0x00, 0x01, 0x7E}
	sendTo(t, &net.UDPAddr{IP: loopback, Port: keptPort}, kept)
	assert.Equal(t, kept, readDatagram(t, target))

	require.NoError(t, target.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = target.ReadFromUDP(make([]byte, 64))
	var netErr net.Error
	assert.True(t, goerrs.As(err, &netErr) && netErr.Timeout(), "removed source still forwarded: err=%v", err)
}

func TestUnknownIdentifierDoesNotDisturbRouting(t *testing.T) {
	m := metrics.New()
	r, _ := startRouter(t, m)
	dest := listener(t)
	_, err := r.AddTlmDest(portOf(dest))
	require.NoError(t, err)

	obs := newCollector()
	r.Subscribe("CFE_ES/HK_TLM", obs)

	unknown, err := r.Codec().Frame(0x0FFF, packet.HeaderFields{}, []byte{0, 0})
	require.NoError(t, err)
	sendTo(t, r.DownlinkAddr(), unknown)

	raw := hkDatagram(t, r, 5)
	sendTo(t, r.DownlinkAddr(), raw)

	obs.wait(t)
	assert.Equal(t, raw, readDatagram(t, dest))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.TelemetryDropped.WithLabelValues("unknown_identifier")) == 1.0
	}, time.Second, 10*time.Millisecond)
}

func TestObserverFailuresAreCounted(t *testing.T) {
	m := metrics.New()
	r, _ := startRouter(t, m)

	r.Subscribe("CFE_ES/HK_TLM", registry.Func(func(msg *message.TelemetryMessage) error {
		panic("display gone")
	}))
	obs := newCollector()
	r.Subscribe("CFE_ES/HK_TLM", obs)

	require.True(t, r.ProcessTelemetry(hkDatagram(t, r, 1)))
	obs.wait(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ObserverFailures))
}

func TestEndpointsRequireRunningRouter(t *testing.T) {
	cat, err := catalog.Load("../../schemas/samplemission.yaml")
	require.NoError(t, err)
	r, err := New(Params{Catalog: cat, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	var notRunning *errors.RouterNotRunning
	_, err = r.AddCmdSource(0)
	assert.True(t, goerrs.As(err, &notRunning))
	_, err = r.AddTlmDest(9200)
	assert.True(t, goerrs.As(err, &notRunning))
	sent, _ := r.SendCommand(command.Request{Target: "CFE_ES", Command: "NOOP"})
	assert.False(t, sent)

	// Subscriptions do not need a running router.
	obs := newCollector()
	r.Subscribe("CFE_ES/HK_TLM", obs)
	assert.Equal(t, 1, r.Registry().Count("CFE_ES/HK_TLM"))

	r.Shutdown()
	assert.Error(t, r.Start(context.Background()))
}

func TestShutdownIsBoundedAndFinal(t *testing.T) {
	r, _ := startRouter(t, nil)
	dest := listener(t)
	_, err := r.AddTlmDest(portOf(dest))
	require.NoError(t, err)
	downlink := r.DownlinkAddr()

	obs := newCollector()
	r.Subscribe("CFE_ES/HK_TLM", obs)

	started := time.Now()
	r.Shutdown()
	assert.Less(t, time.Since(started), testTimeout+250*time.Millisecond+100*time.Millisecond)

	select {
	case <-r.Done():
	default:
		t.Fatal("telemetry loop still running after Shutdown")
	}

	r.Shutdown()

	var notRunning *errors.RouterNotRunning
	_, err = r.AddTlmDest(portOf(dest))
	assert.True(t, goerrs.As(err, &notRunning))
	assert.Nil(t, r.TlmDests())

	// The ingress socket is closed; nothing sent afterwards is dispatched.
	sendTo(t, downlink, hkDatagram(t, r, 1))
	select {
	case <-obs.notify:
		t.Fatal("datagram dispatched after Shutdown")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestContextCancellationShutsDown(t *testing.T) {
	cat, err := catalog.Load("../../schemas/samplemission.yaml")
	require.NoError(t, err)
	target := listener(t)

	r, err := New(Params{
		Catalog:        cat,
		UplinkPort:     portOf(target),
		ReceiveTimeout: testTimeout,
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	cancel()

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("router did not stop after its context was cancelled")
	}
	require.Eventually(t, func() bool {
		_, err := r.AddCmdSource(0)
		var notRunning *errors.RouterNotRunning
		return goerrs.As(err, &notRunning)
	}, time.Second, 10*time.Millisecond)
}

func TestStartFailsWhenDownlinkPortBusy(t *testing.T) {
	cat, err := catalog.Load("../../schemas/samplemission.yaml")
	require.NoError(t, err)
	busy := listener(t)

	r, err := New(Params{
		Catalog:      cat,
		DownlinkPort: portOf(busy),
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	err = r.Start(context.Background())
	var ioErr *errors.EndpointIOError
	require.True(t, goerrs.As(err, &ioErr))
	assert.Equal(t, "telemetry_ingress", ioErr.Endpoint)
}

func TestConfiguredEndpointsAddedOnStart(t *testing.T) {
	cat, err := catalog.Load("../../schemas/samplemission.yaml")
	require.NoError(t, err)
	target, dest := listener(t), listener(t)

	r, err := New(Params{
		Catalog:        cat,
		UplinkPort:     portOf(target),
		ReceiveTimeout: testTimeout,
		TlmDestPorts:   []int{portOf(dest)},
		CmdSourcePorts: []int{0},
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer r.Shutdown()

	assert.Len(t, r.TlmDests(), 1)
	assert.Len(t, r.CmdSources(), 1)
}

func TestNewValidatesParams(t *testing.T) {
	_, err := New(Params{})
	assert.Error(t, err)

	cat, err := catalog.Load("../../schemas/samplemission.yaml")
	require.NoError(t, err)
	layout := packet.DefaultLayout
	layout.IdentifierSize = 3
	_, err = New(Params{Catalog: cat, Layout: layout})
	assert.Error(t, err)
}
