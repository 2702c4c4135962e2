package command

import (
	goerrs "errors"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/groundsys/cmdtlm-router/pkg/catalog"
	"github.com/groundsys/cmdtlm-router/pkg/errors"
	"github.com/groundsys/cmdtlm-router/pkg/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testTimeout = 50 * time.Millisecond

func testCodec(t *testing.T) *packet.Codec {
	t.Helper()
	cat, err := catalog.Load("../../schemas/samplemission.yaml")
	require.NoError(t, err)
	codec, err := packet.NewCodec(packet.DefaultLayout, cat)
	require.NoError(t, err)
	return codec
}

var loopback = net.IPv4(127, 0, 0, 1)

func listen(t *testing.T, port int) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: loopback, Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// fakeTarget stands in for the flight software command port. The egress socket is unconnected,
// like the router's.
func fakeTarget(t *testing.T) (*net.UDPConn, *net.UDPConn) {
	t.Helper()
	return listen(t, 0), listen(t, 0)
}

func addrOf(conn *net.UDPConn) *net.UDPAddr {
	return conn.LocalAddr().(*net.UDPAddr)
}

func sendFrom(t *testing.T, port int, datagram []byte) {
	t.Helper()
	producer, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: loopback, Port: port})
	require.NoError(t, err)
	defer producer.Close()
	_, err = producer.Write(datagram)
	require.NoError(t, err)
}

func readDatagram(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()
	buf := make([]byte, 2048)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return buf[:n]
}

func expectNoDatagram(t *testing.T, conn *net.UDPConn) {
	t.Helper()
	buf := make([]byte, 2048)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := conn.ReadFromUDP(buf)
	var netErr net.Error
	require.True(t, goerrs.As(err, &netErr) && netErr.Timeout(), "expected no datagram, got err=%v", err)
}

func testChannel(t *testing.T, egress Egress, target *net.UDPConn) *Channel {
	t.Helper()
	now := time.Unix(5000, 0)
	ch, err := CreateChannel(ChannelParams{
		Codec:          testCodec(t),
		Egress:         egress,
		Target:         addrOf(target),
		ReceiveTimeout: testTimeout,
		Logger:         zaptest.NewLogger(t),
		Now:            func() time.Time { return now },
	})
	require.NoError(t, err)
	t.Cleanup(ch.Close)
	return ch
}

func TestSendEncodesAndWrites(t *testing.T) {
	target, egress := fakeTarget(t)
	ch := testChannel(t, egress, target)

	sent, status := ch.Send(Request{Target: "CFE_TIME", Command: "SET_CLOCK_FLYWHEEL", Fields: catalog.Fields{"Enable": "ENABLE"}})
	require.True(t, sent, status)
	assert.Equal(t, "CFE_TIME SET_CLOCK_FLYWHEEL command sent", status)

	raw := readDatagram(t, target)
	codec := ch.params.Codec
	hdr, err := codec.ParseHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, catalog.Identifier(0x1805), hdr.Identifier)
	assert.Equal(t, uint32(0), hdr.Sequence)
	assert.Equal(t, uint32(5000), hdr.Seconds)
	assert.True(t, codec.VerifyChecksum(raw))

	fields, err := codec.DecodePayload(hdr.Identifier, raw)
	require.NoError(t, err)
	assert.Equal(t, "ENABLE", fields["Enable"])

	sent, _ = ch.Send(Request{Target: "CFE_TIME", Command: "SET_CLOCK_FLYWHEEL"})
	require.True(t, sent)
	hdr, err = codec.ParseHeader(readDatagram(t, target))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), hdr.Sequence)
}

func TestSendRejectsWithoutIO(t *testing.T) {
	target, egress := fakeTarget(t)
	ch := testChannel(t, egress, target)

	sent, status := ch.Send(Request{Target: "CFE_ES", Command: "SELF_DESTRUCT"})
	assert.False(t, sent)
	assert.Contains(t, status, "SELF_DESTRUCT")

	sent, status = ch.Send(Request{Target: "CFE_TIME", Command: "SET_CLOCK_FLYWHEEL", Fields: catalog.Fields{"Enable": "SOMETIMES"}})
	assert.False(t, sent)
	assert.Contains(t, status, "Enable")

	sent, _ = ch.Send(Request{Target: "CFE_EVS", Command: "ENABLE_APP_EVENT_TYPE", Fields: catalog.Fields{"BitMask": "DEBUG"}})
	assert.False(t, sent, "AppName is required")

	expectNoDatagram(t, target)
}

func TestSequenceWrapsAt14Bits(t *testing.T) {
	enc := CreateEncoder(testCodec(t), nil)
	id := catalog.Identifier(0x1806)

	for i := 0; i < 0x4000; i++ {
		enc.nextSequence(id)
	}
	assert.Equal(t, uint32(0), enc.nextSequence(id))
	assert.Equal(t, uint32(1), enc.nextSequence(id))
}

func TestSourceForwardsVerbatim(t *testing.T) {
	target, egress := fakeTarget(t)
	ch := testChannel(t, egress, target)

	handle, err := ch.AddSource(0)
	require.NoError(t, err)
	require.Len(t, ch.Sources(), 1)
	port := ch.Sources()[0].Port
	assert.NotZero(t, port)

	producer, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	defer producer.Close()

	// Forwarding does not interpret the bytes.
	preformed := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01}
	_, err = producer.Write(preformed)
	require.NoError(t, err)
	assert.Equal(t, preformed, readDatagram(t, target))

	require.NoError(t, ch.RemoveSource(handle))
	assert.Empty(t, ch.Sources())

	var unknown *errors.UnknownEndpoint
	assert.True(t, goerrs.As(ch.RemoveSource(handle), &unknown))
	assert.True(t, goerrs.As(ch.RemoveSource(uuid.New()), &unknown))
}

func TestMultipleSourcesShareEgress(t *testing.T) {
	target, egress := fakeTarget(t)
	ch := testChannel(t, egress, target)

	var producers []*net.UDPConn
	for i := 0; i < 3; i++ {
		_, err := ch.AddSource(0)
		require.NoError(t, err)
	}
	for _, src := range ch.Sources() {
		producer, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: src.Port})
		require.NoError(t, err)
		defer producer.Close()
		producers = append(producers, producer)
	}

	for i, producer := range producers {
		_, err := producer.Write([]byte{byte(i), byte(i), byte(i)})
		require.NoError(t, err)
	}

	seen := map[byte]bool{}
	for range producers {
		raw := readDatagram(t, target)
		require.Len(t, raw, 3)
		assert.Equal(t, raw[0], raw[1])
		assert.Equal(t, raw[1], raw[2])
		seen[raw[0]] = true
	}
	assert.Len(t, seen, 3)
}

func TestAddSourceAfterClose(t *testing.T) {
	target, egress := fakeTarget(t)
	ch := testChannel(t, egress, target)
	ch.Close()

	_, err := ch.AddSource(0)
	var notRunning *errors.RouterNotRunning
	assert.True(t, goerrs.As(err, &notRunning))
}

func TestAddSourcePortInUse(t *testing.T) {
	target, egress := fakeTarget(t)
	ch := testChannel(t, egress, target)

	occupied, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer occupied.Close()

	_, err = ch.AddSource(occupied.LocalAddr().(*net.UDPAddr).Port)
	var ioErr *errors.EndpointIOError
	assert.True(t, goerrs.As(err, &ioErr))
}

func TestCreateChannelRequiresCodecEgressAndTarget(t *testing.T) {
	target, egress := fakeTarget(t)
	_, err := CreateChannel(ChannelParams{Egress: egress, Target: addrOf(target)})
	assert.Error(t, err)
	_, err = CreateChannel(ChannelParams{Codec: testCodec(t), Target: addrOf(target)})
	assert.Error(t, err)
	_, err = CreateChannel(ChannelParams{Codec: testCodec(t), Egress: egress})
	assert.Error(t, err)
}

func TestRemovingOneSourceLeavesOthersForwarding(t *testing.T) {
	target, egress := fakeTarget(t)
	ch := testChannel(t, egress, target)

	removed, err := ch.AddSource(0)
	require.NoError(t, err)
	_, err = ch.AddSource(0)
	require.NoError(t, err)

	ports := map[uuid.UUID]int{}
	for _, src := range ch.Sources() {
		ports[src.Handle] = src.Port
	}
	require.Len(t, ports, 2)
	var keptPort int
	for handle, port := range ports {
		if handle != removed {
			keptPort = port
		}
	}

	require.NoError(t, ch.RemoveSource(removed))
	require.Len(t, ch.Sources(), 1)

	sendFrom(t, ports[removed], []byte{0x01, 0x02, 0x03})
	expectNoDatagram(t, target)

	kept := []byte{0x18, 0x06, 0xC0, 0x00, 0x00, 0x01, 0xFF}
	sendFrom(t, keptPort, kept)
	assert.Equal(t, kept, readDatagram(t, target))
	expectNoDatagram(t, target)
}

func TestSendSurvivesTargetRestart(t *testing.T) {
	target, egress := fakeTarget(t)
	targetAddr := addrOf(target)
	ch := testChannel(t, egress, target)

	// Target goes away; the datagram is lost but the refusal must not stick to the socket.
	require.NoError(t, target.Close())
	sent, status := ch.Send(Request{Target: "CFE_ES", Command: "NOOP"})
	require.True(t, sent, status)
	time.Sleep(50 * time.Millisecond)

	restarted := listen(t, targetAddr.Port)
	sent, status = ch.Send(Request{Target: "CFE_ES", Command: "NOOP"})
	require.True(t, sent, status)

	hdr, err := ch.params.Codec.ParseHeader(readDatagram(t, restarted))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), hdr.Sequence)

	require.NoError(t, ch.Forward([]byte{0xAA, 0xBB}))
	assert.Equal(t, []byte{0xAA, 0xBB}, readDatagram(t, restarted))
}
