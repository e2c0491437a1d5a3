package fleetrpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Encode converts a JSON-tagged message into a protobuf Struct.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("convert message to struct: %w", err)
	}
	return out, nil
}

// Decode fills the JSON-tagged message v from a protobuf Struct.
// A nil Struct leaves v unchanged.
func Decode(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}

	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("convert struct to json: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
