package fleetrpc

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// TallyTrigger asks the backend to run one cycle tally pass. It travels over
// RabbitMQ as a binary encoded google.protobuf.Struct.
type TallyTrigger struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	RequestedAt time.Time `json:"requested_at"`
}

// MarshalTrigger encodes a trigger for the queue.
func MarshalTrigger(t TallyTrigger) ([]byte, error) {
	s, err := Encode(t)
	if err != nil {
		return nil, err
	}

	data, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal trigger: %w", err)
	}
	return data, nil
}

// UnmarshalTrigger decodes a trigger read from the queue.
func UnmarshalTrigger(data []byte) (TallyTrigger, error) {
	if len(data) == 0 {
		return TallyTrigger{}, errors.New("empty trigger payload")
	}

	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return TallyTrigger{}, fmt.Errorf("unmarshal trigger: %w", err)
	}

	var t TallyTrigger
	if err := Decode(s, &t); err != nil {
		return TallyTrigger{}, err
	}
	if t.ID == "" {
		return TallyTrigger{}, errors.New("trigger id cannot be empty")
	}
	return t, nil
}
