package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
)

// ErrClientDisconnected is returned by ReadMessage/WriteMessage when the
// peer has gone away (EOF, connection reset, or a closed socket), as
// distinct from a framing or decode error on an otherwise-live socket.
var ErrClientDisconnected = errors.New("protocol: client disconnected")

// maxFrameLen bounds a single frame's payload so a corrupt or hostile
// peer cannot make the server allocate unbounded memory for one read.
const maxFrameLen = 64 << 20 // 64 MiB

// ReadMessage reads one length-prefixed frame from r and decodes it into
// a Command. It returns ErrClientDisconnected if the peer disconnected
// mid-read rather than a generic error.
func ReadMessage(r io.Reader) (*Command, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, disconnectOr(err, "read frame length")
	}
	total := binary.BigEndian.Uint32(lenBuf[:])
	if total < 2 || total > maxFrameLen {
		return nil, fmt.Errorf("protocol: invalid frame length %d", total)
	}

	body := make([]byte, total)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, disconnectOr(err, "read frame body")
	}

	return &Command{
		Type: MessageType(binary.BigEndian.Uint16(body[:2])),
		Data: body[2:],
	}, nil
}

// WriteMessage frames cmd and writes it to w.
func WriteMessage(w io.Writer, cmd *Command) error {
	total := uint32(2 + len(cmd.Data))
	frame := make([]byte, 4+total)
	binary.BigEndian.PutUint32(frame[:4], total)
	binary.BigEndian.PutUint16(frame[4:6], uint16(cmd.Type))
	copy(frame[6:], cmd.Data)

	if _, err := w.Write(frame); err != nil {
		return disconnectOr(err, "write frame")
	}
	return nil
}

func disconnectOr(err error, op string) error {
	if isDisconnect(err) {
		return ErrClientDisconnected
	}
	return fmt.Errorf("protocol: %s: %w", op, err)
}

func isDisconnect(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && !netErr.Timeout() {
		return true
	}
	return false
}

// EncodeString length-prefixes s as a uint32 byte count followed by its
// UTF-8 bytes, matching the shape of the Python codec this protocol
// mirrors.
func EncodeString(s string) []byte {
	b := make([]byte, 4+len(s))
	binary.BigEndian.PutUint32(b[:4], uint32(len(s)))
	copy(b[4:], s)
	return b
}

// DecodeString reads a length-prefixed string from buf starting at
// offset, returning the string and the offset of the byte following it.
func DecodeString(buf []byte, offset int) (string, int, error) {
	if offset+4 > len(buf) {
		return "", offset, fmt.Errorf("protocol: truncated string length at offset %d", offset)
	}
	n := int(binary.BigEndian.Uint32(buf[offset : offset+4]))
	start := offset + 4
	if n < 0 || start+n > len(buf) {
		return "", offset, fmt.Errorf("protocol: truncated string body at offset %d", offset)
	}
	return string(buf[start : start+n]), start + n, nil
}

// EncodeBool encodes b as a single byte.
func EncodeBool(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}

// DecodeBool reads a single bool byte from buf at offset.
func DecodeBool(buf []byte, offset int) (bool, int, error) {
	if offset+1 > len(buf) {
		return false, offset, fmt.Errorf("protocol: truncated bool at offset %d", offset)
	}
	return buf[offset] != 0, offset + 1, nil
}

// EncodeJSON marshals v and length-prefixes the resulting bytes.
func EncodeJSON(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode json: %w", err)
	}
	b := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(b[:4], uint32(len(body)))
	copy(b[4:], body)
	return b, nil
}

// DecodeJSON reads a length-prefixed JSON object from buf at offset into
// a generic map, returning it and the offset of the byte following it.
func DecodeJSON(buf []byte, offset int) (map[string]any, int, error) {
	if offset+4 > len(buf) {
		return nil, offset, fmt.Errorf("protocol: truncated json length at offset %d", offset)
	}
	n := int(binary.BigEndian.Uint32(buf[offset : offset+4]))
	start := offset + 4
	if n < 0 || start+n > len(buf) {
		return nil, offset, fmt.Errorf("protocol: truncated json body at offset %d", offset)
	}

	var out map[string]any
	if err := json.Unmarshal(buf[start:start+n], &out); err != nil {
		return nil, offset, fmt.Errorf("protocol: decode json: %w", err)
	}
	return out, start + n, nil
}

// NewReader wraps conn's read side with a buffer sized to avoid a
// syscall per small field decode during framing.
func NewReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 4096)
}
