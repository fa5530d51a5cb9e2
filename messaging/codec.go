package messaging

import (
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// frame flags, written as the first byte of every encoded action
const (
	frameRaw  byte = 0
	frameZstd byte = 1
)

// ErrBadFrame is returned when a frame cannot be decoded
var ErrBadFrame = errors.New("malformed action frame")

// Codec turns actions into wire frames and back. Actions travel as
// anypb.Any so the receiver can rebuild the concrete type from the global
// protobuf registry.
type Codec struct {
	compress bool
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

// CodecOpt customizes a Codec
type CodecOpt func(codec *Codec)

// WithCompression compresses outgoing frames with zstd
func WithCompression() CodecOpt {
	return func(codec *Codec) {
		codec.compress = true
	}
}

// NewCodec returns a Codec. Compressed frames are always accepted on decode,
// whether or not compression is enabled for encoding.
func NewCodec(opts ...CodecOpt) (*Codec, error) {
	codec := &Codec{}
	for _, opt := range opts {
		opt(codec)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create zstd decoder")
	}
	codec.decoder = decoder
	if codec.compress {
		encoder, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create zstd encoder")
		}
		codec.encoder = encoder
	}
	return codec, nil
}

// Encode wraps the action in an Any and marshals it into a frame
func (c *Codec) Encode(action proto.Message) ([]byte, error) {
	if action == nil {
		return nil, errors.New("cannot encode a nil action")
	}
	anyMsg, err := anypb.New(action)
	if err != nil {
		return nil, errors.Wrap(err, "failed to pack action")
	}
	payload, err := proto.Marshal(anyMsg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal action")
	}
	if c.encoder == nil {
		return append([]byte{frameRaw}, payload...), nil
	}
	return c.encoder.EncodeAll(payload, []byte{frameZstd}), nil
}

// Decode rebuilds the action carried by a frame
func (c *Codec) Decode(frame []byte) (proto.Message, error) {
	if len(frame) == 0 {
		return nil, ErrBadFrame
	}
	payload := frame[1:]
	switch frame[0] {
	case frameRaw:
	case frameZstd:
		decoded, err := c.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, errors.Wrap(err, "failed to decompress action")
		}
		payload = decoded
	default:
		return nil, errors.Wrapf(ErrBadFrame, "unknown frame flag %d", frame[0])
	}
	anyMsg := &anypb.Any{}
	if err := proto.Unmarshal(payload, anyMsg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal action")
	}
	action, err := anyMsg.UnmarshalNew()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to unpack action %s", anyMsg.GetTypeUrl())
	}
	return action, nil
}

// Close releases the compression resources
func (c *Codec) Close() {
	if c.encoder != nil {
		_ = c.encoder.Close()
	}
	c.decoder.Close()
}
