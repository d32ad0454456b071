package envelope

import "fmt"

// Control is a decoded control payload: a CBOR array whose first element is
// the command tag and whose second element is the associated value.
type Control struct {
	Tag   string
	Value RawMessage
}

// DecodeValue decodes the control value into v.
func (c Control) DecodeValue(v any) error {
	if err := Unmarshal(c.Value, v); err != nil {
		return fmt.Errorf("%w: %s value: %v", ErrMalformedPayload, c.Tag, err)
	}
	return nil
}

// EncodeControl encodes [tag, value].
func EncodeControl(tag string, value any) ([]byte, error) {
	b, err := Marshal([]any{tag, value})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return b, nil
}

// DecodeControl parses a [tag, value] payload.
func DecodeControl(payload []byte) (Control, error) {
	var parts []RawMessage
	if err := Unmarshal(payload, &parts); err != nil {
		return Control{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(parts) != 2 {
		return Control{}, fmt.Errorf("%w: control payload has %d elements", ErrMalformedPayload, len(parts))
	}
	var tag string
	if err := Unmarshal(parts[0], &tag); err != nil || tag == "" {
		return Control{}, fmt.Errorf("%w: control tag is not a string", ErrMalformedPayload)
	}
	return Control{Tag: tag, Value: parts[1]}, nil
}

// CommandKind is what the manager asks of a unit.
type CommandKind int

const (
	CommandStop CommandKind = iota + 1
	CommandImplementation
)

// Command is a decoded manager-to-unit message.
type Command struct {
	Kind    CommandKind
	Payload []byte
}

// StopFrames builds the shutdown request sent to a unit.
func StopFrames() [][]byte {
	return [][]byte{[]byte(TagService), []byte(TagStop)}
}

// ImplementationFrames builds an application message for a unit's
// HandleMessage hook.
func ImplementationFrames(payload any) ([][]byte, error) {
	body, err := Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return [][]byte{[]byte(TagImplementation), body}, nil
}

// ParseCommand classifies frames received on a unit's peer socket.
func ParseCommand(frames [][]byte) (Command, error) {
	if len(frames) == 0 {
		return Command{}, fmt.Errorf("%w: empty message", ErrMalformedFrames)
	}
	switch string(frames[0]) {
	case TagService:
		if len(frames) == 2 && string(frames[1]) == TagStop {
			return Command{Kind: CommandStop}, nil
		}
		return Command{}, fmt.Errorf("%w: unknown service command", ErrMalformedFrames)
	case TagImplementation:
		if len(frames) != 2 {
			return Command{}, fmt.Errorf("%w: implementation message has %d frames", ErrMalformedFrames, len(frames))
		}
		return Command{Kind: CommandImplementation, Payload: frames[1]}, nil
	default:
		return Command{}, fmt.Errorf("%w: unknown tag %q", ErrMalformedFrames, frames[0])
	}
}
