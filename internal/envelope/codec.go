package envelope

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so equal payloads always produce
// identical bytes.
var encMode cbor.EncMode

// decMode decodes untyped maps as map[string]any so payloads handed back to
// the embedding application interoperate with encoding/json.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("envelope: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("envelope: CBOR decoder initialization failed: " + err.Error())
	}
}

// RawMessage is an encoded payload whose decoding is deferred.
type RawMessage = cbor.RawMessage

// Marshal encodes v as a CBOR payload.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a CBOR payload into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Diagnose renders a payload in CBOR diagnostic notation. Used for logs and
// the HTTP message feed where the payload type is unknown.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
