package hub

import (
	"encoding/json"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"nhooyr.io/websocket"
)

// Codec encodes outbound messages for one connection
type Codec interface {
	Name() string
	Encode(msg Outbound) ([]byte, error)
	FrameType() websocket.MessageType
}

type jsonCodec struct{}

func (jsonCodec) Name() string                        { return "json" }
func (jsonCodec) Encode(msg Outbound) ([]byte, error) { return json.Marshal(msg) }
func (jsonCodec) FrameType() websocket.MessageType    { return websocket.MessageText }

type msgpackCodec struct{}

func (msgpackCodec) Name() string                        { return "msgpack" }
func (msgpackCodec) Encode(msg Outbound) ([]byte, error) { return msgpack.Marshal(&msg) }
func (msgpackCodec) FrameType() websocket.MessageType    { return websocket.MessageBinary }

// CodecFor picks the codec requested by ?encoding=; JSON unless msgpack is asked for
func CodecFor(encoding string) Codec {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "msgpack", "messagepack":
		return msgpackCodec{}
	}
	return jsonCodec{}
}
