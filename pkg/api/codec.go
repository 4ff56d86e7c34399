package api

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodecName is registered as a grpc wire codec. The teacher's RPC
// layer depends on a protoc-generated package that this pack does not
// retain (no .proto or .pb.go file anywhere in the examples), and
// generating one would require running protoc, which is off-limits
// here (see DESIGN.md). A grpc encoding.Codec lets the service
// definitions below use plain Go structs as messages instead, while
// keeping every other piece of the gRPC stack — framing, streaming,
// credentials, interceptors, service routing — exactly as the
// ecosystem provides it.
const jsonCodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
