package governance

import (
	"encoding/json"
	"fmt"
)

// Param describes one governed parameter of value type V.
type Param[V any] struct {
	Key string
	// Critical parameters fail resolution instead of degrading to a zero value
	// when neither an active rule nor a fallback exists.
	Critical bool
	Fallback *V
	Validate func(V) error
}

type Schema[V any] struct {
	Name   string
	Params []Param[V]
}

func (s Schema[V]) param(key string) (Param[V], bool) {
	for _, p := range s.Params {
		if p.Key == key {
			return p, true
		}
	}
	return Param[V]{}, false
}

func (s Schema[V]) Keys() []string {
	keys := make([]string, 0, len(s.Params))
	for _, p := range s.Params {
		keys = append(keys, p.Key)
	}
	return keys
}

func (s Schema[V]) validate(key string, value V) error {
	p, ok := s.param(key)
	if !ok {
		return &SchemaValidationError{ParamKey: key, Reason: fmt.Sprintf("unknown %s parameter", s.Name)}
	}
	if p.Validate != nil {
		if err := p.Validate(value); err != nil {
			return &SchemaValidationError{ParamKey: key, Reason: err.Error()}
		}
	}
	return nil
}

func encodeValue[V any](key string, value V) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, &SchemaValidationError{ParamKey: key, Reason: err.Error()}
	}
	return raw, nil
}

func decodeValue[V any](key string, raw []byte) (V, error) {
	var value V
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, fmt.Errorf("decode %s: %w", key, err)
	}
	return value, nil
}
