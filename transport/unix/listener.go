package unix

import (
	"os"
	"time"

	lerrors "github.com/legato-project/messaging/errors"
	"github.com/legato-project/messaging/eventloop"
	"github.com/legato-project/messaging/message"

	"golang.org/x/sys/unix"
)

// Listener accepts connections on a bound, listening SOCK_SEQPACKET socket.
// The Directory Broker (package directory) opens two of these, one for the
// offers socket and one for the opens socket, per spec.md §6.
type Listener struct {
	fd int
}

// Listen creates, binds, and listens on a SOCK_SEQPACKET socket at path.
// An existing socket file at path is removed first (the broker owns these
// paths exclusively and recreates them on every start).
func Listen(path string, backlog int) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, &lerrors.CommError{Cause: err}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, &lerrors.CommError{Cause: err}
	}
	_ = os.Remove(path)
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, &lerrors.CommError{Cause: err}
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, &lerrors.CommError{Cause: err}
	}
	return &Listener{fd: fd}, nil
}

// Accept blocks until a connection arrives and returns it wrapped as a
// Conn. maxPayload and newMsg configure the returned Conn's framing and
// receive-side message allocation exactly as Dial does.
func (l *Listener) Accept(maxPayload int, newMsg func() *message.Message, log eventloop.Logger) (*Conn, PeerCredentials, error) {
	for {
		connFd, _, err := unix.Accept4(l.fd, 0)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if waitErr := l.waitReadable(); waitErr != nil {
				return nil, PeerCredentials{}, waitErr
			}
			continue
		}
		if err != nil {
			return nil, PeerCredentials{}, &lerrors.CommError{Cause: err}
		}
		if err := unix.SetNonblock(connFd, true); err != nil {
			_ = unix.Close(connFd)
			return nil, PeerCredentials{}, &lerrors.CommError{Cause: err}
		}
		creds, err := peerCredentials(connFd)
		if err != nil {
			_ = unix.Close(connFd)
			return nil, PeerCredentials{}, err
		}
		return newConn(connFd, maxPayload, newMsg, log), creds, nil
	}
}

func (l *Listener) waitReadable() error {
	fds := []unix.PollFd{{Fd: int32(l.fd), Events: unix.POLLIN}}
	for {
		fds[0].Revents = 0
		n, err := unix.Poll(fds, int(pollInterval/time.Millisecond))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return &lerrors.CommError{Cause: err}
		}
		if n > 0 {
			return nil
		}
	}
}

// Close closes the listening socket. It does not remove the socket path,
// and neither does the broker's Stop; Listen removes a stale path the next
// time one is bound there.
func (l *Listener) Close() error {
	return unix.Close(l.fd)
}

// Dial connects to a listening SOCK_SEQPACKET socket at path and returns
// the connection wrapped as a Conn. maxPayload must match the max_payload
// agreed at advertise/open time: decodeFrame treats any other size as a
// protocol fault.
func Dial(path string, maxPayload int, newMsg func() *message.Message, log eventloop.Logger) (*Conn, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, &lerrors.CommError{Cause: err}
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Connect(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, &lerrors.CommError{Cause: err}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, &lerrors.CommError{Cause: err}
	}
	return newConn(fd, maxPayload, newMsg, log), nil
}
