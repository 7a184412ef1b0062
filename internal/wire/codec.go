package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/nugget/proxyd/internal/prxerr"
)

// headerSize is the fixed-width portion of the wire frame: source address
// (16) + proxy address (16) + sequence id (4) + correlation id (8) +
// error code (4) + type (1) + body length (4).
const headerSize = 16 + 16 + 4 + 8 + 4 + 1 + 4

// Codec encodes and decodes the control-plane wire schema of spec.md §6.
// Any self-describing format that round-trips every Message the schema
// allows satisfies the contract; proxyd ships one binary framing built on
// encoding/binary for the fixed header and encoding/json for the tagged
// union body, keeping body evolution forward-compatible without a codec
// version bump.
type Codec interface {
	Encode(msg *Message) ([]byte, error)
	Decode(data []byte) (*Message, error)
}

// BinaryCodec is the shipped Codec implementation.
type BinaryCodec struct{}

// NewBinaryCodec returns the default proxyd wire codec.
func NewBinaryCodec() *BinaryCodec { return &BinaryCodec{} }

// Encode writes msg as a length-prefixed binary header followed by a JSON
// body. A nil Body encodes as a zero-length body segment.
func (BinaryCodec) Encode(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, prxerr.New(prxerr.Arg, "encode: nil message")
	}

	var body []byte
	var err error
	if msg.Body != nil {
		body, err = json.Marshal(msg.Body)
		if err != nil {
			return nil, prxerr.New(prxerr.Fault, fmt.Sprintf("encode body: %v", err))
		}
	}

	buf := bytes.NewBuffer(make([]byte, 0, headerSize+len(body)))
	buf.Write(msg.SourceAddress[:])
	buf.Write(msg.ProxyAddress[:])
	_ = binary.Write(buf, binary.BigEndian, msg.SequenceID)
	_ = binary.Write(buf, binary.BigEndian, msg.CorrelationID)
	_ = binary.Write(buf, binary.BigEndian, int32(msg.ErrorCode))
	buf.WriteByte(byte(msg.Type))
	_ = binary.Write(buf, binary.BigEndian, uint32(len(body)))
	buf.Write(body)

	return buf.Bytes(), nil
}

// Decode parses data produced by Encode. It returns *prxerr.Error wrapping
// prxerr.InvalidFormat for any truncated or malformed frame.
func (BinaryCodec) Decode(data []byte) (*Message, error) {
	if len(data) < headerSize {
		return nil, prxerr.New(prxerr.InvalidFormat, "decode: frame shorter than header")
	}

	r := bytes.NewReader(data)
	m := &Message{}

	if _, err := r.Read(m.SourceAddress[:]); err != nil {
		return nil, prxerr.New(prxerr.InvalidFormat, "decode: source address")
	}
	if _, err := r.Read(m.ProxyAddress[:]); err != nil {
		return nil, prxerr.New(prxerr.InvalidFormat, "decode: proxy address")
	}
	if err := binary.Read(r, binary.BigEndian, &m.SequenceID); err != nil {
		return nil, prxerr.New(prxerr.InvalidFormat, "decode: sequence id")
	}
	if err := binary.Read(r, binary.BigEndian, &m.CorrelationID); err != nil {
		return nil, prxerr.New(prxerr.InvalidFormat, "decode: correlation id")
	}
	var errCode int32
	if err := binary.Read(r, binary.BigEndian, &errCode); err != nil {
		return nil, prxerr.New(prxerr.InvalidFormat, "decode: error code")
	}
	m.ErrorCode = prxerr.Code(errCode)

	typeByte, err := r.ReadByte()
	if err != nil {
		return nil, prxerr.New(prxerr.InvalidFormat, "decode: type byte")
	}
	m.Type = Type(typeByte)

	var bodyLen uint32
	if err := binary.Read(r, binary.BigEndian, &bodyLen); err != nil {
		return nil, prxerr.New(prxerr.InvalidFormat, "decode: body length")
	}
	if r.Len() != int(bodyLen) {
		return nil, prxerr.New(prxerr.InvalidFormat, "decode: body length mismatch")
	}

	if bodyLen > 0 {
		body := newBody(m.Type)
		if body == nil {
			return nil, prxerr.New(prxerr.InvalidFormat, "decode: unexpected body for bodyless type")
		}
		remaining := make([]byte, bodyLen)
		if _, err := r.Read(remaining); err != nil {
			return nil, prxerr.New(prxerr.InvalidFormat, "decode: body")
		}
		if err := json.Unmarshal(remaining, body); err != nil {
			return nil, prxerr.New(prxerr.InvalidFormat, fmt.Sprintf("decode body: %v", err))
		}
		m.Body = body
	}

	return m, nil
}
