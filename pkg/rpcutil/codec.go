package rpcutil

import (
	"encoding/json"

	"github.com/pingcap/errors"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype of messages encoded by JSONCodec.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(JSONCodec{})
}

// JSONCodec encodes gRPC messages as JSON, so that plain Go structs can be
// used as request and response types.
type JSONCodec struct{}

// Marshal implements encoding.Codec.
func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	return data, errors.Trace(err)
}

// Unmarshal implements encoding.Codec.
func (JSONCodec) Unmarshal(data []byte, v interface{}) error {
	return errors.Trace(json.Unmarshal(data, v))
}

// Name implements encoding.Codec.
func (JSONCodec) Name() string {
	return CodecName
}
