package browse

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/nugget/proxyd/internal/prxerr"
)

// RequestType is the closed set of browse-request kinds (spec.md §4.6).
type RequestType uint8

const (
	ReqCancel RequestType = iota
	ReqResolve
	ReqService
	ReqDirpath
	ReqIPScan
	ReqPortScan
)

func (t RequestType) String() string {
	switch t {
	case ReqCancel:
		return "cancel"
	case ReqResolve:
		return "resolve"
	case ReqService:
		return "service"
	case ReqDirpath:
		return "dirpath"
	case ReqIPScan:
		return "ipscan"
	case ReqPortScan:
		return "portscan"
	default:
		return "unknown"
	}
}

// Response flag bits (spec.md §6 browse-response flags).
const (
	FlagEmpty     uint32 = 1 << iota // no result this round
	FlagAllForNow                    // every result currently available has been emitted
	FlagEOS                          // stream has ended permanently
	FlagRemoved                      // item is a removal of a previously emitted entry
	FlagCacheOnly                    // result came from a local cache, not a live probe
)

// Request is the decoded form of a browse-request object.
type Request struct {
	Handle uuid.UUID   `json:"handle"`
	Type   RequestType `json:"type"`
	Item   string      `json:"item"`
	Flags  uint32      `json:"flags"`
}

// Response is the decoded form of a browse-response object.
type Response struct {
	Handle    uuid.UUID         `json:"handle"`
	ErrorCode prxerr.Code       `json:"error_code"`
	Item      string            `json:"item"`
	Props     map[string]string `json:"props,omitempty"`
	Flags     uint32            `json:"flags"`
}

// maxFrameSize bounds a single length-delimited browse-request/response
// frame, guarding against a corrupt or hostile length prefix.
const maxFrameSize = 1 << 20

// writeFrame writes a uint32 big-endian length prefix followed by v's JSON
// encoding, mirroring the control-plane wire codec's framing discipline
// (internal/wire.BinaryCodec) applied to the browse session's own schema.
func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return prxerr.New(prxerr.InvalidFormat, err.Error())
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return prxerr.New(prxerr.Comm, err.Error())
	}
	if _, err := w.Write(body); err != nil {
		return prxerr.New(prxerr.Comm, err.Error())
	}
	return nil
}

// readRequest reads one length-delimited browse-request frame from r.
func readRequest(r io.Reader) (*Request, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err // io.EOF propagates for the session loop to detect closure
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, prxerr.New(prxerr.InvalidFormat, fmt.Sprintf("browse-request frame too large: %d bytes", n))
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, prxerr.New(prxerr.Comm, err.Error())
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, prxerr.New(prxerr.InvalidFormat, err.Error())
	}
	return &req, nil
}
