package transport

import (
	"github.com/shellkit/wmd/internal/patch"
)

type MessageType string

// Display surface -> core.
const (
	MsgQuest        MessageType = "QUEST"
	MsgResend       MessageType = "RESEND"
	MsgDataTransfer MessageType = "DATA_TRANSFER"
	MsgSetLang      MessageType = "SET_LANG"
)

// Core -> display surface.
const (
	MsgBackendState     MessageType = "NEW_BACKEND_STATE"
	MsgBackendInfos     MessageType = "NEW_BACKEND_INFOS"
	MsgPushPath         MessageType = "PUSH_PATH"
	MsgDispatchInApp    MessageType = "DISPATCH_IN_APP"
	MsgCommandsRegistry MessageType = "COMMANDS_REGISTRY"
	MsgConnectionStatus MessageType = "CONNECTION_STATUS"
	MsgBeginRender      MessageType = "BEGIN_RENDER"
)

// Envelope is the inbound wire frame of the remote transport.
type Envelope struct {
	Type MessageType    `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

type StateMessage struct {
	Type         MessageType  `json:"type"`
	TransitState patch.Update `json:"transitState"`
}

type BackendInfoMessage struct {
	Type   MessageType `json:"type"`
	Branch string      `json:"branch"`
	Info   any         `json:"info"`
}

type PathMessage struct {
	Type MessageType `json:"type"`
	Path string      `json:"path"`
}

type ActionMessage struct {
	Type   MessageType `json:"type"`
	Action any         `json:"action"`
}

type CommandsMessage struct {
	Type     MessageType `json:"type"`
	Commands []string    `json:"commands"`
}

// ConnectionStatus tells the display surface how healthy the link to a
// horde is. Overlay asks the surface to block input behind a message.
type ConnectionStatus struct {
	Type    MessageType `json:"type"`
	Horde   string      `json:"horde"`
	Lag     bool        `json:"lag"`
	Delta   int64       `json:"delta"`
	Overlay bool        `json:"overlay"`
	Message string      `json:"message"`
}

type BeginRenderMessage struct {
	Type  MessageType `json:"type"`
	LabID string      `json:"labId"`
}
