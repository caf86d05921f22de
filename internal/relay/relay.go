// Package relay forwards display-surface requests to the store and store
// notifications back to display surfaces.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/golang/glog"

	"github.com/shellkit/wmd/internal/store"
)

// ErrMalformed is returned for a command without a name.
var ErrMalformed = errors.New("malformed command")

// Commands the relay builds itself out of protocol messages.
const (
	CmdDataTransfer = "client.data-transfer"
	CmdSetLocale    = "client.try-set-locale"
)

// Relay runs commands on behalf of window sessions.
type Relay struct {
	store store.Store
	trace bool
}

// New returns a relay dispatching to s. With trace set every successful
// command is logged as a line that can be pasted into a test script.
func New(s store.Store, trace bool) *Relay {
	return &Relay{store: s, trace: trace}
}

// Run dispatches cmd with origin attached to the context and waits for the
// result. A failing command is logged with its name and error; the error is
// also returned for callers that can report it.
func (r *Relay) Run(ctx context.Context, origin store.Origin, cmd store.Command) (any, error) {
	if cmd.Name == "" {
		glog.Warningf("Failed UI command: <empty>, %v", ErrMalformed)
		return nil, ErrMalformed
	}
	if cmd.Data == nil {
		cmd.Data = map[string]any{}
	}

	result, err := r.store.Dispatch(store.WithOrigin(ctx, origin), cmd)
	if err != nil {
		glog.Warningf("Failed UI command: %s, %v", cmd.Name, err)
		return nil, err
	}
	if r.trace {
		glog.Info(TraceLine(cmd))
	}
	return result, nil
}

// DataTransfer turns a DATA_TRANSFER payload into a store command.
func DataTransfer(origin store.Origin, desktopID string, payload map[string]any) store.Command {
	data := map[string]any{
		"id":        "client",
		"labId":     origin.LabID,
		"desktopId": desktopID,
	}
	for k, v := range payload {
		data[k] = v
	}
	return store.Command{Name: CmdDataTransfer, Data: data}
}

// SetLocale turns a SET_LANG payload into a store command.
func SetLocale(origin store.Origin, desktopID string, payload map[string]any) store.Command {
	data := map[string]any{
		"id":              "client",
		"labId":           origin.LabID,
		"desktopId":       desktopID,
		"clientSessionId": origin.ClientSessionID,
	}
	for k, v := range payload {
		data[k] = v
	}
	return store.Command{Name: CmdSetLocale, Data: data}
}

var desktopRef = regexp.MustCompile(`desktop@.*`)

// TraceLine renders cmd with its context-dependent ids replaced by
// placeholders.
func TraceLine(cmd store.Command) string {
	data := make(map[string]any, len(cmd.Data))
	for k, v := range cmd.Data {
		switch k {
		case "id":
			if s, ok := v.(string); ok {
				v = desktopRef.ReplaceAllLiteralString(s, "${desktopId}")
			}
		case "labId":
			v = "${labId}"
		}
		data[k] = v
	}

	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte(fmt.Sprintf("%q", err.Error()))
	}
	return fmt.Sprintf("cmd('%s', %s)", cmd.Name, payload)
}
