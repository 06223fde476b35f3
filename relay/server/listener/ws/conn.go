package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/coder/websocket"

	"github.com/netbirdio/sockrelay/relay/server/listener"
)

type Conn struct {
	*websocket.Conn
	rAddr net.Addr
}

func NewConn(wsConn *websocket.Conn, rAddr net.Addr) *Conn {
	return &Conn{
		Conn:  wsConn,
		rAddr: rAddr,
	}
}

func (c *Conn) ReadMessage(ctx context.Context) ([]byte, error) {
	t, data, err := c.Read(ctx)
	if err != nil {
		return nil, ioErrHandling(err)
	}

	if t != websocket.MessageBinary {
		return nil, fmt.Errorf("%w: %s", listener.ErrUnexpectedMessageType, t)
	}
	return data, nil
}

func (c *Conn) WriteMessage(ctx context.Context, msg []byte) error {
	return c.Write(ctx, websocket.MessageBinary, msg)
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.rAddr
}

func (c *Conn) Close() error {
	err := c.Conn.Close(websocket.StatusNormalClosure, "")
	if err != nil && isClosedErr(err) {
		return nil
	}
	return err
}

func ioErrHandling(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return io.EOF
	}
	return err
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1
}
