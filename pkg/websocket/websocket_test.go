package websocket

import (
	"bytes"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipe(t *testing.T) (*Conn, net.Conn) {
	srv, cli := net.Pipe()
	c := NewConn("c1", srv)
	t.Cleanup(func() {
		_ = c.Close()
		_ = cli.Close()
	})
	return c, cli
}

func TestNewMessageAndDecode(t *testing.T) {
	m, err := NewMessage("participant_left", map[string]string{"connId": "a"})
	require.NoError(t, err)
	assert.Equal(t, "participant_left", m.Event)
	assert.JSONEq(t, `{"connId":"a"}`, string(m.Data))

	var out struct {
		ConnID string `json:"connId"`
	}
	require.NoError(t, m.Decode(&out))
	assert.Equal(t, "a", out.ConnID)

	empty, err := NewMessage("ping", nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Data)
	assert.Error(t, empty.Decode(&out))

	bad := &Message{Event: "join_meeting", Data: json.RawMessage(`[1,2]`)}
	assert.Error(t, bad.Decode(&out))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, (&Message{Event: "offer"}).Validate())
	assert.Error(t, (&Message{Event: "  "}).Validate())
}

func TestSendIsDeliveredInOrder(t *testing.T) {
	c, cli := newPipe(t)
	go c.WriteLoop(time.Hour)

	for _, ev := range []string{"first", "second", "third"} {
		m, _ := NewMessage(ev, nil)
		require.NoError(t, c.Send(m))
	}

	for _, want := range []string{"first", "second", "third"} {
		b, err := wsutil.ReadServerText(cli)
		require.NoError(t, err)
		var m Message
		require.NoError(t, json.Unmarshal(b, &m))
		assert.Equal(t, want, m.Event)
	}
}

func TestReadMessageAnswersPing(t *testing.T) {
	c, cli := newPipe(t)

	clientErr := make(chan error, 1)
	go func() {
		if err := wsutil.WriteClientMessage(cli, ws.OpPing, []byte("hi")); err != nil {
			clientErr <- err
			return
		}
		f, err := ws.ReadFrame(cli)
		if err != nil {
			clientErr <- err
			return
		}
		if f.Header.OpCode != ws.OpPong {
			clientErr <- assert.AnError
			return
		}
		if err = wsutil.WriteClientText(cli, []byte(`not json`)); err != nil {
			clientErr <- err
			return
		}
		clientErr <- wsutil.WriteClientText(cli, []byte(`{"event":"leave_meeting","data":{"meetingId":"M1"}}`))
	}()

	_, err := c.ReadMessage()
	assert.Equal(t, ErrMalformedJSON, err)

	m, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "leave_meeting", m.Event)
	assert.JSONEq(t, `{"meetingId":"M1"}`, string(m.Data))
	assert.NoError(t, <-clientErr)
}

func TestSendAfterClose(t *testing.T) {
	c, _ := newPipe(t)
	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())

	m, _ := NewMessage("chat_message", nil)
	assert.Equal(t, ErrClosed, c.Send(m))
	select {
	case <-c.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestSendQueueFull(t *testing.T) {
	c, _ := newPipe(t)
	m, _ := NewMessage("chat_message", nil)
	for i := 0; i < sendQueueSize; i++ {
		require.NoError(t, c.Send(m))
	}
	assert.Equal(t, ErrSlowConsumer, c.Send(m))
}

func TestReadMessageReassemblesFragments(t *testing.T) {
	c, cli := newPipe(t)

	clientErr := make(chan error, 1)
	go func() {
		first := ws.NewFrame(ws.OpText, false, []byte(`{"event":"leave_meeting",`))
		if err := ws.WriteFrame(cli, ws.MaskFrameInPlace(first)); err != nil {
			clientErr <- err
			return
		}
		if err := wsutil.WriteClientMessage(cli, ws.OpPing, nil); err != nil {
			clientErr <- err
			return
		}
		if _, err := ws.ReadFrame(cli); err != nil {
			clientErr <- err
			return
		}
		last := ws.NewFrame(ws.OpContinuation, true, []byte(`"data":{"meetingId":"M1"}}`))
		clientErr <- ws.WriteFrame(cli, ws.MaskFrameInPlace(last))
	}()

	m, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "leave_meeting", m.Event)
	assert.NoError(t, <-clientErr)
}

func TestReadMessageRejectsOversizedFragmentedMessage(t *testing.T) {
	c, cli := newPipe(t)

	chunk := bytes.Repeat([]byte("a"), 200<<10)
	go func() {
		for i := 0; i < 5; i++ {
			op := ws.OpContinuation
			if i == 0 {
				op = ws.OpText
			}
			f := ws.NewFrame(op, i == 4, append([]byte(nil), chunk...))
			if err := ws.WriteFrame(cli, ws.MaskFrameInPlace(f)); err != nil {
				return
			}
		}
	}()

	_, err := c.ReadMessage()
	assert.Equal(t, ErrTooLarge, err)
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	c, cli := newPipe(t)

	go func() {
		_ = wsutil.WriteClientText(cli, bytes.Repeat([]byte("a"), MaxMessageSize+1))
	}()

	_, err := c.ReadMessage()
	assert.Equal(t, ErrTooLarge, err)
}
