// Package codec serializes envelopes for the frame layer.
//
// The wire contract fixes frame bodies to UTF-8 JSON, so only a JSON
// implementation exists; the interface keeps the worker and the client
// transport independent of the encoding details.
package codec

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// Default is the codec used on every connection.
var Default Codec = JSONCodec{}
