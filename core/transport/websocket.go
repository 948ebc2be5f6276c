package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned once the underlying connection is gone; receive
// loops treat it as end of stream.
var ErrClosed = errors.New("transport connection closed")

// Sender sends outbound frames to the client. Sends are cancellable so an
// interruption can abort an in-flight delivery between frames.
type Sender interface {
	SendText(ctx context.Context, text string) error
	SendJSON(ctx context.Context, payload any) error
}

// Receiver yields inbound messages until the connection closes.
type Receiver interface {
	Receive(ctx context.Context) (Message, error)
}

// Conn wraps a websocket connection for use by the conversation core.
// Gorilla connections support one concurrent writer, so all sends serialize
// on a mutex; reads are only ever issued from the demux loop.
type Conn struct {
	writeMu sync.Mutex
	ws      *websocket.Conn

	closeOnce sync.Once
}

var (
	_ Sender   = (*Conn)(nil)
	_ Receiver = (*Conn)(nil)
)

func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

func (c *Conn) SendText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return errors.Join(ErrClosed, err)
	}
	return nil
}

func (c *Conn) SendJSON(ctx context.Context, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.SendText(ctx, string(raw))
}

func (c *Conn) Receive(ctx context.Context) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return Message{}, errors.Join(ErrClosed, err)
	}
	return ParseMessage(raw)
}

// Close tears the connection down. Safe to call multiple times.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close()
	})
	return err
}
