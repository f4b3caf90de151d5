package directory

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/legato-project/messaging/message"
	unixtransport "github.com/legato-project/messaging/transport/unix"
	"github.com/stretchr/testify/require"
)

const testMaxPayload = 128

func newTestMessage() *message.Message {
	return message.New(testMaxPayload)
}

func startTestBroker(t *testing.T) *Broker {
	t.Helper()
	dir := t.TempDir()
	b, err := New(Config{
		OffersSocketPath: filepath.Join(dir, "offers"),
		OpensSocketPath:  filepath.Join(dir, "opens"),
		Backlog:          8,
	}, nil)
	require.NoError(t, err)
	go b.Run()
	t.Cleanup(b.Stop)
	return b
}

// advertise dials the offers socket, sends an advertise record, and
// returns the live offer connection plus a channel that yields every
// clientArrived fd forwarded to it.
func advertise(t *testing.T, b *Broker, protocol, instance string) (*unixtransport.Conn, chan int) {
	t.Helper()
	conn, err := unixtransport.Dial(b.OffersSocketPath(), testMaxPayload, newTestMessage, nil)
	require.NoError(t, err)

	arrivals := make(chan int, 4)
	conn.OnReceive(func(m *message.Message) {
		var notice clientArrived
		require.NoError(t, decodeRecord(m, &notice))
		require.True(t, m.HasFd())
		arrivals <- m.TakeFd()
	})

	req, err := encodeRecord(advertiseRequest{Protocol: protocol, Instance: instance, MaxPayload: testMaxPayload})
	require.NoError(t, err)
	require.NoError(t, sendOne(conn, req))

	resp, err := recvOne(conn)
	require.NoError(t, err)
	var ack advertiseResponse
	require.NoError(t, decodeRecord(resp, &ack))
	require.True(t, ack.OK)

	// recvOne consumed the first OnReceive slot; re-register it for the
	// clientArrived notices the broker sends afterward.
	conn.OnReceive(func(m *message.Message) {
		var notice clientArrived
		require.NoError(t, decodeRecord(m, &notice))
		require.True(t, m.HasFd())
		arrivals <- m.TakeFd()
	})

	return conn, arrivals
}

func openClient(t *testing.T, b *Broker, protocol, instance string) (int, error) {
	t.Helper()
	conn, err := unixtransport.Dial(b.OpensSocketPath(), testMaxPayload, newTestMessage, nil)
	require.NoError(t, err)

	req, err := encodeRecord(openRequest{Protocol: protocol, Instance: instance, MaxPayload: testMaxPayload})
	require.NoError(t, err)
	require.NoError(t, sendOne(conn, req))

	resp, err := recvOne(conn)
	require.NoError(t, err)
	var ack openResponse
	require.NoError(t, decodeRecord(resp, &ack))
	if !ack.OK {
		return -1, &openError{ack.Error}
	}
	require.True(t, resp.HasFd())
	return resp.TakeFd(), nil
}

type openError struct{ msg string }

func (e *openError) Error() string { return e.msg }

func TestAdvertiseThenOpenHandsOffSocketpair(t *testing.T) {
	b := startTestBroker(t)

	_, arrivals := advertise(t, b, "com.legato.echo", "primary")

	clientFd, err := openClient(t, b, "com.legato.echo", "primary")
	require.NoError(t, err)
	require.GreaterOrEqual(t, clientFd, 0)

	var serverFd int
	select {
	case serverFd = <-arrivals:
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the matched client")
	}

	clientConn := unixtransport.FromFd(clientFd, testMaxPayload, newTestMessage, nil)
	serverConn := unixtransport.FromFd(serverFd, testMaxPayload, newTestMessage, nil)
	defer clientConn.Close()
	defer serverConn.Close()

	received := make(chan *message.Message, 1)
	serverConn.OnReceive(func(m *message.Message) { received <- m })

	hello := message.New(testMaxPayload)
	copy(hello.Payload(), []byte("hi"))
	require.NoError(t, clientConn.Send(hello))

	select {
	case m := <-received:
		require.Equal(t, byte('h'), m.Payload()[0])
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the client's message over the handed-off socketpair")
	}
}

func TestOpenBeforeAdvertiseQueuesAndMatchesLater(t *testing.T) {
	b := startTestBroker(t)

	var clientFd int
	var openErr error
	done := make(chan struct{})
	go func() {
		clientFd, openErr = openClient(t, b, "com.legato.late", "primary")
		close(done)
	}()

	time.Sleep(50 * time.Millisecond) // give the open request time to queue

	_, arrivals := advertise(t, b, "com.legato.late", "primary")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("open never completed after a late advertise")
	}
	require.NoError(t, openErr)
	require.GreaterOrEqual(t, clientFd, 0)

	select {
	case <-arrivals:
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the queued client after advertising")
	}
}

func TestDuplicateAdvertiseRejected(t *testing.T) {
	b := startTestBroker(t)
	advertise(t, b, "com.legato.dup", "primary")

	conn, err := unixtransport.Dial(b.OffersSocketPath(), testMaxPayload, newTestMessage, nil)
	require.NoError(t, err)
	defer conn.Close()

	req, err := encodeRecord(advertiseRequest{Protocol: "com.legato.dup", Instance: "primary", MaxPayload: testMaxPayload})
	require.NoError(t, err)
	require.NoError(t, sendOne(conn, req))

	resp, err := recvOne(conn)
	require.NoError(t, err)
	var ack advertiseResponse
	require.NoError(t, decodeRecord(resp, &ack))
	require.False(t, ack.OK)
}

func TestMaxPayloadMismatchRejected(t *testing.T) {
	b := startTestBroker(t)
	advertise(t, b, "com.legato.mismatch", "primary")

	conn, err := unixtransport.Dial(b.OpensSocketPath(), testMaxPayload, newTestMessage, nil)
	require.NoError(t, err)
	defer conn.Close()

	req, err := encodeRecord(openRequest{Protocol: "com.legato.mismatch", Instance: "primary", MaxPayload: testMaxPayload + 1})
	require.NoError(t, err)
	require.NoError(t, sendOne(conn, req))

	resp, err := recvOne(conn)
	require.NoError(t, err)
	var ack openResponse
	require.NoError(t, decodeRecord(resp, &ack))
	require.False(t, ack.OK)
}

func TestSnapshotListsAdvertisedInterfaces(t *testing.T) {
	b := startTestBroker(t)
	advertise(t, b, "com.legato.snap", "primary")

	require.Eventually(t, func() bool {
		snap := b.Snapshot()
		for _, s := range snap {
			if s.Protocol == "com.legato.snap" && s.Instance == "primary" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
