package workflow

import (
	"encoding/json"

	"github.com/pitabwire/durable/model"
)

// encode serializes v with the JSON codec. encoding/json writes map keys in
// sorted order, so equal inputs hash to equal keys.
func encode(what string, v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, model.NewSerializeError(what, err)
	}
	return b, nil
}

func decode[T any](what string, b []byte) (T, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return v, model.NewDeserializeError(what, err)
	}
	return v, nil
}
