package transport

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}
	// Generic maps come back as map[string]any and every integer as int64,
	// whatever its sign. Floats stay float64. The patch package compares
	// numbers by value, so int64(3) and 3.0 still diff as equal.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic("transport: CBOR decoder initialization failed: " + err.Error())
	}
}

// Clone returns a deep copy of v that shares no memory with it, the way a
// message crossing a process boundary would.
func Clone(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	out := reflect.New(reflect.TypeOf(v))
	if err := cloneInto(v, out.Interface()); err != nil {
		return nil, err
	}
	return out.Elem().Interface(), nil
}

// cloneInto copies src into the value dst points to.
func cloneInto(src, dst any) error {
	data, err := encMode.Marshal(src)
	if err != nil {
		return err
	}
	return decMode.Unmarshal(data, dst)
}
