package codec

import "encoding/json"

// JSONCodec uses encoding/json. Human-readable and cross-language, which is
// what a debugging session against a misbehaving worker wants.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
