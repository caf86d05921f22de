package transport

import (
	"fmt"

	"github.com/shellkit/wmd/internal/store"
)

// Inbound receives the requests of a display surface.
type Inbound interface {
	Quest(cmd store.Command)
	Resend()
	DataTransfer(data map[string]any)
	SetLang(data map[string]any)
}

// decodeFunc fills v from the payload of an inbound message.
type decodeFunc func(v any) error

var inboundHandlers = map[MessageType]func(Inbound, decodeFunc) error{
	MsgQuest: func(in Inbound, decode decodeFunc) error {
		var cmd store.Command
		if err := decode(&cmd); err != nil {
			return err
		}
		if cmd.Name == "" {
			return fmt.Errorf("%w: quest without cmd", ErrMalformed)
		}
		in.Quest(cmd)
		return nil
	},
	MsgResend: func(in Inbound, _ decodeFunc) error {
		in.Resend()
		return nil
	},
	MsgDataTransfer: func(in Inbound, decode decodeFunc) error {
		data := map[string]any{}
		if err := decode(&data); err != nil {
			return err
		}
		in.DataTransfer(data)
		return nil
	},
	MsgSetLang: func(in Inbound, decode decodeFunc) error {
		data := map[string]any{}
		if err := decode(&data); err != nil {
			return err
		}
		in.SetLang(data)
		return nil
	},
}

// InboundTypes lists the message types a display surface may send.
func InboundTypes() []MessageType {
	return []MessageType{MsgQuest, MsgResend, MsgDataTransfer, MsgSetLang}
}

func dispatch(in Inbound, t MessageType, decode decodeFunc) error {
	h, ok := inboundHandlers[t]
	if !ok {
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, t)
	}
	return h(in, decode)
}
