package unix

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/legato-project/messaging/message"
	"github.com/stretchr/testify/require"
)

const testMaxPayload = 64

func newTestMessage() *message.Message {
	return message.New(testMaxPayload)
}

func dialAndAccept(t *testing.T) (client, server *Conn) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sock")

	ln, err := Listen(path, 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	var wg sync.WaitGroup
	wg.Add(1)
	var acceptErr error
	go func() {
		defer wg.Done()
		server, _, acceptErr = ln.Accept(testMaxPayload, newTestMessage, nil)
	}()

	client, err = Dial(path, testMaxPayload, newTestMessage, nil)
	require.NoError(t, err)

	wg.Wait()
	require.NoError(t, acceptErr)
	require.NotNil(t, server)

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestSendReceiveRoundTrip(t *testing.T) {
	client, server := dialAndAccept(t)

	received := make(chan *message.Message, 1)
	server.OnReceive(func(m *message.Message) { received <- m })

	req := message.New(testMaxPayload)
	copy(req.Payload(), []byte("hello"))
	req.SetTransactionID(42)

	require.NoError(t, client.Send(req))

	select {
	case m := <-received:
		require.Equal(t, uint32(42), m.TransactionID())
		require.Equal(t, byte('h'), m.Payload()[0])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestSendPassesFd(t *testing.T) {
	client, server := dialAndAccept(t)

	received := make(chan *message.Message, 1)
	server.OnReceive(func(m *message.Message) { received <- m })

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	req := message.New(testMaxPayload)
	req.SetFd(int(r.Fd()))

	require.NoError(t, client.Send(req))

	select {
	case m := <-received:
		require.True(t, m.HasFd())
		fd := m.TakeFd()
		require.GreaterOrEqual(t, fd, 0)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestCloseInvokesOnClosePeer(t *testing.T) {
	client, server := dialAndAccept(t)

	closed := make(chan struct{})
	server.OnClose(func(err error) { close(closed) })

	require.NoError(t, client.Close())

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer close notification")
	}
}

func TestOnWritableFiresWhenWritable(t *testing.T) {
	client, _ := dialAndAccept(t)

	fired := make(chan struct{}, 1)
	client.OnWritable(func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("OnWritable never fired on an idle, writable socket")
	}
}
