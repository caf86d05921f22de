package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Remote writes JSON envelopes to a websocket. Writes go straight to the
// connection; nothing is queued for a peer that is gone.
type Remote struct {
	sender
	conn *websocket.Conn

	writeMu   sync.Mutex // gorilla allows one concurrent writer
	done      chan struct{}
	closeOnce sync.Once
}

func NewRemote(name string, conn *websocket.Conn) *Remote {
	r := &Remote{conn: conn, done: make(chan struct{})}
	r.sender = sender{name: name, d: r}
	return r
}

func (r *Remote) deliver(t MessageType, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return r.write(websocket.TextMessage, data)
}

func (r *Remote) write(kind int, data []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	select {
	case <-r.done:
		return ErrClosed
	default:
	}
	r.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return r.conn.WriteMessage(kind, data)
}

// Done is closed once the connection is gone.
func (r *Remote) Done() <-chan struct{} {
	return r.done
}

func (r *Remote) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.writeMu.Lock()
		close(r.done)
		r.writeMu.Unlock()
		err = r.conn.Close()
	})
	return err
}

// Serve reads requests from the peer and hands them to in until the
// connection fails or ctx is done. The connection is closed on return.
func (r *Remote) Serve(ctx context.Context, in Inbound) error {
	defer r.Close()

	r.conn.SetPongHandler(func(string) error {
		return r.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	r.conn.SetReadDeadline(time.Now().Add(pongTimeout))

	go r.pingLoop(ctx)
	go func() {
		select {
		case <-ctx.Done():
			r.Close()
		case <-r.done:
		}
	}()

	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			select {
			case <-r.done:
				return ErrClosed
			default:
			}
			return err
		}

		var env struct {
			Type MessageType     `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			glog.Warningf("%s: undecodable frame: %v", r.name, err)
			continue
		}
		decode := func(v any) error {
			if len(env.Data) == 0 || string(env.Data) == "null" {
				return nil
			}
			return json.Unmarshal(env.Data, v)
		}
		if err := dispatch(in, env.Type, decode); err != nil {
			glog.Warningf("%s: bad %s request: %v", r.name, env.Type, err)
		}
	}
}

func (r *Remote) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			if err := r.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
