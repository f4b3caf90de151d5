package directory

import (
	"encoding/json"

	lerrors "github.com/legato-project/messaging/errors"
	"github.com/legato-project/messaging/message"
	unixtransport "github.com/legato-project/messaging/transport/unix"
)

// controlMaxPayload bounds the JSON-encoded advertise/open records
// exchanged with the broker. Protocol ids are capped at
// protocol.MaxIDLen (127) bytes and instance names are expected to be
// similarly short, so 512 bytes leaves comfortable headroom.
const controlMaxPayload = 512

// advertiseRequest is sent by a server connecting to the offers socket.
type advertiseRequest struct {
	Protocol   string `json:"protocol"`
	Instance   string `json:"instance"`
	MaxPayload int    `json:"max_payload"`
}

type advertiseResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// openRequest is sent by a client connecting to the opens socket.
type openRequest struct {
	Protocol   string `json:"protocol"`
	Instance   string `json:"instance"`
	MaxPayload int    `json:"max_payload"`
}

type openResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// clientArrived is pushed to an advertising server's offer connection each
// time a client is matched to it; the ancillary fd on the carrying message
// is the server's end of the fresh socketpair the client will talk on.
// MatchID correlates this notice with the broker's own log lines for the
// same match, since the server never sees the client's connection.
type clientArrived struct {
	Instance string `json:"instance"`
	MatchID  string `json:"match_id"`
}

func newControlMessage() *message.Message {
	return message.New(controlMaxPayload)
}

func encodeRecord(v any) (*message.Message, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, &lerrors.CommError{Cause: err}
	}
	if len(b) > controlMaxPayload {
		lerrors.Fatalf("directory: control record of %d bytes exceeds control payload limit %d", len(b), controlMaxPayload)
	}
	m := newControlMessage()
	copy(m.Payload(), b)
	return m, nil
}

func decodeRecord(m *message.Message, v any) error {
	// Records are JSON objects padded with trailing NUL bytes up to
	// controlMaxPayload; json.Unmarshal stops at the closing brace and
	// ignores the rest only when given exactly the object's bytes, so
	// trim at the first NUL.
	payload := m.Payload()
	end := len(payload)
	for i, b := range payload {
		if b == 0 {
			end = i
			break
		}
	}
	if err := json.Unmarshal(payload[:end], v); err != nil {
		return &lerrors.CommError{Cause: err}
	}
	return nil
}

// recvOne waits for exactly one message on conn, or reports the
// connection closing first.
func recvOne(conn *unixtransport.Conn) (*message.Message, error) {
	msgCh := make(chan *message.Message, 1)
	closeCh := make(chan error, 1)
	conn.OnReceive(func(m *message.Message) { msgCh <- m })
	conn.OnClose(func(err error) { closeCh <- err })
	select {
	case m := <-msgCh:
		return m, nil
	case err := <-closeCh:
		if err == nil {
			return nil, &lerrors.ClosedError{Reason: "peer closed before sending"}
		}
		return nil, err
	}
}

// sendOne performs a single blocking-style send, retrying through
// OnWritable if the transport reports WouldBlock. Control traffic is low
// volume and latency-insensitive, so a simple channel handoff is enough;
// there is no need for the session package's queueing discipline here.
func sendOne(conn *unixtransport.Conn, m *message.Message) error {
	err := conn.Send(m)
	if _, ok := err.(*lerrors.WouldBlockError); !ok {
		return err
	}
	done := make(chan error, 1)
	conn.OnWritable(func() { done <- conn.Send(m) })
	return <-done
}
