// Package transport carries protocol messages between window sessions and
// their display surfaces, either in-process (Local) or over a websocket
// (Remote). Sends never block on a missing peer and never return errors:
// display state is corrected by the next full resync.
package transport

import (
	"errors"

	"github.com/golang/glog"

	"github.com/shellkit/wmd/internal/patch"
)

var (
	ErrClosed    = errors.New("transport closed")
	ErrMalformed = errors.New("malformed message")
)

// Channel is the uniform send surface of both transports.
type Channel interface {
	SendState(u patch.Update)
	SendBackendInfo(branch string, info any)
	SendRoute(path string)
	SendAction(action any)
	SendCommandRegistry(names []string)
	SendConnectionStatus(s ConnectionStatus)
	SendBeginRender(labID string)
	Close() error
}

type deliverer interface {
	deliver(t MessageType, msg any) error
}

// sender implements the Channel send methods over a deliverer and logs
// failures instead of returning them.
type sender struct {
	name string
	d    deliverer
}

func (s sender) send(t MessageType, msg any) {
	err := s.d.deliver(t, msg)
	switch {
	case err == nil:
	case errors.Is(err, ErrClosed):
		glog.V(1).Infof("%s: dropped %s: %v", s.name, t, err)
	default:
		glog.Warningf("%s: send %s failed: %v", s.name, t, err)
	}
}

func (s sender) SendState(u patch.Update) {
	s.send(MsgBackendState, StateMessage{Type: MsgBackendState, TransitState: u})
}

func (s sender) SendBackendInfo(branch string, info any) {
	s.send(MsgBackendInfos, BackendInfoMessage{Type: MsgBackendInfos, Branch: branch, Info: info})
}

func (s sender) SendRoute(path string) {
	s.send(MsgPushPath, PathMessage{Type: MsgPushPath, Path: path})
}

func (s sender) SendAction(action any) {
	s.send(MsgDispatchInApp, ActionMessage{Type: MsgDispatchInApp, Action: action})
}

func (s sender) SendCommandRegistry(names []string) {
	if names == nil {
		names = []string{}
	}
	s.send(MsgCommandsRegistry, CommandsMessage{Type: MsgCommandsRegistry, Commands: names})
}

func (s sender) SendConnectionStatus(st ConnectionStatus) {
	st.Type = MsgConnectionStatus
	s.send(MsgConnectionStatus, st)
}

func (s sender) SendBeginRender(labID string) {
	s.send(MsgBeginRender, BeginRenderMessage{Type: MsgBeginRender, LabID: labID})
}
