package tracker

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	frameRegister   = "register"
	frameRegistered = "registered"
	frameSignal     = "signal"
	frameError      = "error"
)

var ErrMalformedFrame = errors.New("malformed frame")

// envelope is one websocket frame, carried as a protobuf Struct so the
// schema can grow without regenerating code. Payload must be valid UTF-8.
type envelope struct {
	Type    string
	ID      string
	To      string
	From    string
	Kind    string
	Payload string
	Message string
}

func (e envelope) marshal() ([]byte, error) {
	fields := map[string]any{"type": e.Type}
	for k, v := range map[string]string{
		"id":      e.ID,
		"to":      e.To,
		"from":    e.From,
		"kind":    e.Kind,
		"payload": e.Payload,
		"message": e.Message,
	} {
		if v != "" {
			fields[k] = v
		}
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s frame: %w", e.Type, err)
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s frame: %w", e.Type, err)
	}
	return data, nil
}

func unmarshalEnvelope(data []byte) (envelope, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return envelope{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	fields := s.GetFields()
	str := func(key string) string {
		return fields[key].GetStringValue()
	}

	env := envelope{
		Type:    str("type"),
		ID:      str("id"),
		To:      str("to"),
		From:    str("from"),
		Kind:    str("kind"),
		Payload: str("payload"),
		Message: str("message"),
	}
	if env.Type == "" {
		return envelope{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return env, nil
}
