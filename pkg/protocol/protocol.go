// Package protocol builds and parses LTX frames on top of the wire
// codec: message types, their required arities, and the incremental
// framer and output buffer that the event loop drives.
package protocol

import (
	"fmt"

	"github.com/lajosnagyuk/ltx/pkg/wire"
)

// MsgType identifies the kind of a frame; it is always the frame's
// first array element.
type MsgType uint8

const (
	Ping MsgType = iota
	Pong
	Env
	Exec
	Log
	Result
	GetFile
	SetFile
	Data
	Kill
	Version
	maxMsgType = Version
)

func (t MsgType) String() string {
	switch t {
	case Ping:
		return "Ping"
	case Pong:
		return "Pong"
	case Env:
		return "Env"
	case Exec:
		return "Exec"
	case Log:
		return "Log"
	case Result:
		return "Result"
	case GetFile:
		return "GetFile"
	case SetFile:
		return "SetFile"
	case Data:
		return "Data"
	case Kill:
		return "Kill"
	case Version:
		return "Version"
	default:
		return fmt.Sprintf("MsgType(%d)", uint8(t))
	}
}

// arity is the legal range for a frame's total array length, type
// element included.
type arity struct{ min, max int }

var arities = map[MsgType]arity{
	Ping:    {1, 1},
	Pong:    {2, 2},
	Env:     {4, 4},
	Exec:    {3, 14},
	Log:     {4, 4},
	Result:  {5, 5},
	GetFile: {2, 2},
	SetFile: {3, 3},
	Data:    {2, 2},
	Kill:    {2, 2},
	Version: {1, 1},
}

// MaxExecArgv is the largest number of argv-tail strings an Exec frame
// may carry: the arity ceiling (14) minus the type, slot id and path
// elements.
const MaxExecArgv = 14 - 3

// Frame is a fully parsed message: its type, its fields (everything
// after the type), and the exact bytes it occupied on the wire (needed
// for the echo law — the reply must begin with a byte-identical copy).
type Frame struct {
	Type   MsgType
	Fields []wire.Value
	Raw    []byte
}

// Error reports a frame-level protocol violation (bad arity, unknown
// type, malformed leading array). Always fatal.
type Error struct{ msg string }

func (e *Error) Error() string { return "protocol: " + e.msg }

func errorf(format string, args ...any) error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// ParseFrame decodes exactly one frame from the head of buf. It
// returns wire.ErrIncomplete when buf does not yet hold a whole frame;
// the caller must retain buf unchanged and wait for more input. Any
// other error is fatal.
func ParseFrame(buf []byte) (Frame, int, error) {
	hdr, n, err := wire.Decode(buf)
	if err != nil {
		return Frame{}, 0, err
	}
	if hdr.Kind != wire.KindArray {
		return Frame{}, 0, errorf("message should start with an array, got kind %d", hdr.Kind)
	}

	arrLen := int(hdr.Uint)
	if arrLen == 0 {
		return Frame{}, 0, errorf("empty message array")
	}

	off := n
	typeVal, tn, err := wire.Decode(buf[off:])
	if err != nil {
		return Frame{}, 0, err
	}
	if typeVal.Kind != wire.KindUint {
		return Frame{}, 0, errorf("message type must be an unsigned int, got kind %d", typeVal.Kind)
	}
	if typeVal.Uint > uint64(maxMsgType) {
		return Frame{}, 0, errorf("message type %d exceeds max %d", typeVal.Uint, maxMsgType)
	}
	off += tn

	msgType := MsgType(typeVal.Uint)
	ar := arities[msgType]
	if arrLen < ar.min || arrLen > ar.max {
		return Frame{}, 0, errorf("%s: array length %d outside [%d, %d]", msgType, arrLen, ar.min, ar.max)
	}

	fields := make([]wire.Value, 0, arrLen-1)
	for i := 0; i < arrLen-1; i++ {
		v, fn, err := wire.Decode(buf[off:])
		if err != nil {
			return Frame{}, 0, err
		}
		fields = append(fields, v)
		off += fn
	}

	return Frame{Type: msgType, Fields: fields, Raw: buf[:off]}, off, nil
}

// Build encodes a complete frame: an array header, the message type,
// then each field value in order.
func Build(dst []byte, msgType MsgType, fields ...wire.Value) []byte {
	dst = wire.AppendArrayHeader(dst, 1+len(fields))
	dst = wire.AppendUint(dst, uint64(msgType))
	for _, f := range fields {
		dst = appendValue(dst, f)
	}
	return dst
}

// BuildDataHeader encodes a Data frame carrying only a bin header of
// the given length — no payload bytes. GetFile uses this to announce
// the exact size of a file about to follow over a zero-copy transfer
// that never passes through this buffer.
func BuildDataHeader(dst []byte, length int) []byte {
	dst = wire.AppendArrayHeader(dst, 2)
	dst = wire.AppendUint(dst, uint64(Data))
	return wire.AppendBin(dst, length, nil)
}

// BuildSetFileEcho encodes the SetFile completion reply: the same
// path, and a content-less bin header declaring how many bytes were
// written, so the controller can stream the file back out afterward
// and verify the round trip.
func BuildSetFileEcho(dst []byte, path string, length int) []byte {
	dst = wire.AppendArrayHeader(dst, 3)
	dst = wire.AppendUint(dst, uint64(SetFile))
	dst = wire.AppendStr(dst, []byte(path))
	return wire.AppendBin(dst, length, nil)
}

func appendValue(dst []byte, v wire.Value) []byte {
	switch v.Kind {
	case wire.KindUint:
		return wire.AppendUint(dst, v.Uint)
	case wire.KindStr:
		return wire.AppendStr(dst, v.Data)
	case wire.KindBin:
		return wire.AppendBin(dst, len(v.Data), v.Data)
	case wire.KindNil:
		return wire.AppendNil(dst)
	default:
		panic("protocol: cannot append array-kind field values")
	}
}

// Uint wraps an unsigned integer as a field value.
func Uint(v uint64) wire.Value { return wire.Value{Kind: wire.KindUint, Uint: v} }

// Str wraps a UTF-8 string as a field value.
func Str(s string) wire.Value { return wire.Value{Kind: wire.KindStr, Data: []byte(s)} }

// Bin wraps a binary blob as a field value.
func Bin(b []byte) wire.Value { return wire.Value{Kind: wire.KindBin, Data: b} }

// Nil is the nil field value, used for the global-environment slot id
// and the slotless Log frames the executor emits about itself.
var Nil = wire.Value{Kind: wire.KindNil}

// PeekType decodes just enough of the next frame — its leading array
// header and message-type field — to tell the caller what kind of
// frame is coming, without requiring the rest of the frame to be
// buffered yet.
func PeekType(buf []byte) (MsgType, error) {
	hdr, n, err := wire.Decode(buf)
	if err != nil {
		return 0, err
	}
	if hdr.Kind != wire.KindArray {
		return 0, errorf("message should start with an array, got kind %d", hdr.Kind)
	}
	typeVal, _, err := wire.Decode(buf[n:])
	if err != nil {
		return 0, err
	}
	if typeVal.Kind != wire.KindUint || typeVal.Uint > uint64(maxMsgType) {
		return 0, errorf("message type %d is not a recognized type", typeVal.Uint)
	}
	return MsgType(typeVal.Uint), nil
}

// SetFileHeader is a SetFile frame parsed up to, but not including, the
// blob payload. It exists so a large blob can be streamed straight
// from the input source to a destination file instead of first being
// buffered whole by ParseFrame.
type SetFileHeader struct {
	Path      string
	BlobLen   int
	HeaderLen int // bytes consumed by the array/type/path/bin-header, before blob data
}

// PeekSetFileHeader decodes a SetFile frame's array header, type, and
// path, then only the bin length prefix of its blob field — it never
// requires the blob bytes themselves to be present in buf. Returns
// wire.ErrIncomplete if even the header portion is not fully buffered
// yet, or a *Error if buf's next frame is not a well-formed SetFile.
func PeekSetFileHeader(buf []byte) (SetFileHeader, error) {
	hdr, n, err := wire.Decode(buf)
	if err != nil {
		return SetFileHeader{}, err
	}
	if hdr.Kind != wire.KindArray {
		return SetFileHeader{}, errorf("message should start with an array, got kind %d", hdr.Kind)
	}
	off := n

	typeVal, tn, err := wire.Decode(buf[off:])
	if err != nil {
		return SetFileHeader{}, err
	}
	if typeVal.Kind != wire.KindUint || MsgType(typeVal.Uint) != SetFile {
		return SetFileHeader{}, errorf("PeekSetFileHeader called on a non-SetFile frame")
	}
	ar := arities[SetFile]
	if int(hdr.Uint) < ar.min || int(hdr.Uint) > ar.max {
		return SetFileHeader{}, errorf("SetFile: array length %d outside [%d, %d]", hdr.Uint, ar.min, ar.max)
	}
	off += tn

	pathVal, pn, err := wire.Decode(buf[off:])
	if err != nil {
		return SetFileHeader{}, err
	}
	if pathVal.Kind != wire.KindStr {
		return SetFileHeader{}, errorf("SetFile: path field must be a string, got kind %d", pathVal.Kind)
	}
	off += pn

	blobLen, bn, err := wire.DecodeBinHeader(buf[off:])
	if err != nil {
		return SetFileHeader{}, err
	}
	off += bn

	return SetFileHeader{Path: string(pathVal.Data), BlobLen: blobLen, HeaderLen: off}, nil
}
