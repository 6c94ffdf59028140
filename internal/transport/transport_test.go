package transport_test

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tomb "gopkg.in/tomb.v2"

	"tradearena/internal/protocol"
	"tradearena/internal/transport"
)

type fakeSubmitter struct{}

func (fakeSubmitter) SubmitOrder(req protocol.OrderRequest) protocol.Event {
	return protocol.NewOrderAccepted(1, req.TraderID, req.ClientOrderID)
}

type fakeEventSource struct {
	events chan protocol.Event
}

func newFakeEventSource() *fakeEventSource {
	return &fakeEventSource{events: make(chan protocol.Event, 8)}
}

func (f *fakeEventSource) Subscribe() (uint64, <-chan protocol.Event) {
	return 1, f.events
}

func (f *fakeEventSource) Unsubscribe(uint64) {}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestGateway_WelcomeThenOrderRoundTrip(t *testing.T) {
	addr := freeAddr(t)
	status := func() (uint64, bool, uint64, uint64) { return 3, true, 300, 120 }
	gw := transport.NewGateway(addr, "ARENA", fakeSubmitter{}, status)

	tb := &tomb.Tomb{}
	tb.Go(func() error { return gw.Run(tb) })
	waitListening(t, addr)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	reader := bufio.NewReader(conn)
	welcomeLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, welcomeLine, `"type":"welcome"`)
	assert.Contains(t, welcomeLine, `"symbol":"ARENA"`)
	assert.Contains(t, welcomeLine, `"session_round":3`)

	_, err = conn.Write([]byte(`{"type":"order","trader_id":"t1","side":"buy","order_type":"market","qty":1}` + "\n"))
	require.NoError(t, err)

	replyLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, replyLine, `"type":"order_accepted"`)
	assert.Contains(t, replyLine, `"trader_id":"t1"`)

	tb.Kill(nil)
	_ = tb.Wait()
}

func TestGateway_MalformedFrameGetsInvalidJSONReject(t *testing.T) {
	addr := freeAddr(t)
	status := func() (uint64, bool, uint64, uint64) { return 0, false, 300, 0 }
	gw := transport.NewGateway(addr, "ARENA", fakeSubmitter{}, status)

	tb := &tomb.Tomb{}
	tb.Go(func() error { return gw.Run(tb) })
	waitListening(t, addr)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	reader := bufio.NewReader(conn)
	_, err = reader.ReadString('\n') // welcome
	require.NoError(t, err)

	_, err = conn.Write([]byte("not json\n"))
	require.NoError(t, err)

	replyLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, replyLine, `"type":"order_rejected"`)
	assert.Contains(t, replyLine, `"reason":"invalid_json"`)

	tb.Kill(nil)
	_ = tb.Wait()
}

func TestStream_BroadcastsToSubscriber(t *testing.T) {
	addr := freeAddr(t)
	src := newFakeEventSource()
	st := transport.NewStream(addr, src)

	tb := &tomb.Tomb{}
	tb.Go(func() error { return st.Run(tb) })
	waitListening(t, addr)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	src.events <- protocol.NewSessionStartEvent(1, 300)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"type":"session_start"`)
	assert.Contains(t, line, `"round":1`)

	tb.Kill(nil)
	_ = tb.Wait()
}

// waitListening polls until addr accepts connections, bounding the test's
// wait on the listener goroutine actually having bound the port.
func waitListening(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("listener on %s never came up", addr)
}
