package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/groundsys/cmdtlm-router/pkg/catalog"
	"github.com/groundsys/cmdtlm-router/pkg/command"
	"github.com/groundsys/cmdtlm-router/pkg/message"
	"github.com/groundsys/cmdtlm-router/pkg/packet"
	"github.com/groundsys/cmdtlm-router/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testCodec(t *testing.T) *packet.Codec {
	t.Helper()
	cat, err := catalog.Load("../../schemas/samplemission.yaml")
	require.NoError(t, err)
	codec, err := packet.NewCodec(packet.DefaultLayout, cat)
	require.NoError(t, err)
	return codec
}

func TestClientSendsAndReceives(t *testing.T) {
	codec := testCodec(t)

	// Stands in for the router's command source listener.
	source, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer source.Close()

	c, err := CreateClient(ClientParams{
		Codec:          codec,
		CommandPort:    source.LocalAddr().(*net.UDPAddr).Port,
		ReceiveTimeout: 50 * time.Millisecond,
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))

	sent, status := c.SendCommand(command.Request{
		Target:  "FILE_MGR",
		Command: "SEND_DIR_PKT",
		Fields:  catalog.Fields{"DirName": "/cf"},
	})
	require.True(t, sent, status)

	buf := make([]byte, 2048)
	require.NoError(t, source.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := source.ReadFromUDP(buf)
	require.NoError(t, err)
	hdr, err := codec.ParseHeader(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, catalog.Identifier(0x198C), hdr.Identifier)

	received := make(chan *message.TelemetryMessage, 1)
	c.Subscribe("CFE_ES/HK_TLM", registry.Func(func(msg *message.TelemetryMessage) error {
		received <- msg
		return nil
	}))

	raw, err := codec.Encode(0x0806, packet.HeaderFields{Seconds: 10}, catalog.Fields{
		"CommandCounter": 2, "CommandErrorCounter": 0, "Seconds": 10,
	})
	require.NoError(t, err)

	sender, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: c.TelemetryPort()})
	require.NoError(t, err)
	defer sender.Close()
	_, err = sender.Write(raw)
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, raw, msg.Raw())
		v, ok := msg.Field("CommandCounter")
		require.True(t, ok)
		assert.Equal(t, uint64(2), v)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not dispatch telemetry")
	}
}

func TestClientRejectsUnknownCommand(t *testing.T) {
	c, err := CreateClient(ClientParams{
		Codec:       testCodec(t),
		CommandPort: 9,
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	defer c.Close()

	sent, status := c.SendCommand(command.Request{Target: "CFE_ES", Command: "FORMAT_DISK"})
	assert.False(t, sent)
	assert.Contains(t, status, "FORMAT_DISK")
}

func TestClientCloseWithoutStart(t *testing.T) {
	c, err := CreateClient(ClientParams{Codec: testCodec(t), CommandPort: 9, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	c.Close()
	c.Close()
}

func TestClientStartsOnce(t *testing.T) {
	c, err := CreateClient(ClientParams{
		Codec:          testCodec(t),
		CommandPort:    9,
		ReceiveTimeout: 50 * time.Millisecond,
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()))
	c.Close()
	assert.Error(t, c.Start(context.Background()))
}
