package revtun

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Command is the closed set of frame commands carried over a link.
type Command string

// The full command set. CommandCloseTunnel is reserved: the codec parses it
// but neither side ever emits it, and FrameHandler implementations treat it
// as a no-op (see spec §9, "Open question: CloseTunnel").
const (
	CommandAuthRequire        Command = "AuthRequire"
	CommandAuthSuccess        Command = "AuthSuccess"
	CommandManagerKickOut     Command = "ManagerKickOut"
	CommandManagerEpochChange Command = "ManagerEpochChange"
	CommandNewReplier         Command = "NewReplier"
	CommandClientReady        Command = "ClientReady"
	CommandNewTunnel          Command = "NewTunnel"
	CommandCloseTunnel        Command = "CloseTunnel"
	CommandForward            Command = "Forward"
)

// Headers is the set of "Key: value" header lines of a frame, excluding the
// mandatory Command header which is carried out-of-band by FrameHandler.
type Headers map[string]string

// ParseError is returned for a malformed frame: a missing Command header, a
// non-positive ContentLength, or a malformed header line. It is link-fatal —
// callers must close the transport and stop feeding the decoder.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "revtun: frame parse error: " + e.Reason
}

// CallbackError wraps an error returned from FrameHandler.OnCommand or
// FrameHandler.OnBody; panics are not recovered. Like ParseError, it is link-fatal: the decoder does
// not retry delivery and the caller must tear down the link.
type CallbackError struct {
	Err error
}

func (e *CallbackError) Error() string {
	return "revtun: frame callback error: " + e.Err.Error()
}

func (e *CallbackError) Unwrap() error { return e.Err }

// FrameHandler receives decoded frame events from a Decoder. OnBody may be
// invoked multiple times for a single frame's body, since bodies are
// streamed rather than buffered whole.
type FrameHandler interface {
	OnCommand(cmd Command, headers Headers) error
	OnBody(chunk []byte) error
}

type decodeState int

const (
	stateHeaderParse decodeState = iota
	stateBodyStream
)

// Decoder is a two-state (HeaderParse, BodyStream) incremental parser that
// turns a raw byte stream into a sequence of (command, headers, body)
// events. It is not safe for concurrent use — each link owns exactly one
// Decoder, fed from that link's single reader goroutine.
type Decoder struct {
	handler FrameHandler

	state         decodeState
	unprocessed   []byte
	command       Command
	headers       Headers
	bodyRemaining int
}

// NewDecoder creates a Decoder that reports decoded frames to handler.
func NewDecoder(handler FrameHandler) *Decoder {
	return &Decoder{
		handler: handler,
		state:   stateHeaderParse,
		headers: Headers{},
	}
}

func (d *Decoder) reset() {
	d.state = stateHeaderParse
	d.command = ""
	d.headers = Headers{}
	d.unprocessed = nil
	d.bodyRemaining = 0
}

// Feed consumes an arbitrary chunk of bytes read from the transport,
// emitting zero or more complete frames to the handler. Unconsumed partial
// header bytes are retained across calls. Frames may be split at any byte
// boundary and arbitrary chunking must not change the resulting event
// sequence.
func (d *Decoder) Feed(data []byte) error {
	switch d.state {
	case stateHeaderParse:
		buf := append(d.unprocessed, data...)
		d.unprocessed = nil
		return d.parseHeader(buf)
	case stateBodyStream:
		return d.parseBody(data)
	default:
		return &ParseError{Reason: "unknown decoder state"}
	}
}

func (d *Decoder) parseHeader(buf []byte) error {
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			d.unprocessed = buf
			return nil
		}
		line := buf[:idx]
		buf = buf[idx+1:]

		if len(line) == 0 {
			// blank line: end of headers
			if d.command == "" {
				d.reset()
				return &ParseError{Reason: "header block ended without a Command header"}
			}
			if cl, ok := d.headers["ContentLength"]; ok {
				n, err := strconv.Atoi(cl)
				if err != nil || n <= 0 {
					d.reset()
					return &ParseError{Reason: "ContentLength must be a positive integer"}
				}
				d.bodyRemaining = n
				d.state = stateBodyStream
			}

			cmd, headers := d.command, d.headers
			if err := d.callOnCommand(cmd, headers); err != nil {
				d.reset()
				return err
			}

			if d.state == stateBodyStream {
				return d.parseBody(buf)
			}
			d.reset()
			if len(buf) > 0 {
				return d.parseHeader(buf)
			}
			return nil
		}

		headerLine := string(line)
		k, v, ok := splitHeaderLine(headerLine)
		if !ok {
			d.reset()
			return &ParseError{Reason: fmt.Sprintf("malformed header line %q", headerLine)}
		}
		if k == "Command" {
			d.command = Command(v)
		} else {
			d.headers[k] = v
		}
	}
}

func splitHeaderLine(line string) (key, value string, ok bool) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	if key == "" {
		return "", "", false
	}
	return key, value, true
}

func (d *Decoder) parseBody(data []byte) error {
	n := d.bodyRemaining
	chunk := data
	if len(chunk) > n {
		chunk = chunk[:n]
	}
	if len(chunk) > 0 {
		if err := d.callOnBody(chunk); err != nil {
			d.reset()
			return err
		}
	}

	if len(data) < n {
		d.bodyRemaining -= len(data)
		return nil
	}

	rest := data[len(chunk):]
	d.reset()
	if len(rest) > 0 {
		return d.parseHeader(rest)
	}
	return nil
}

func (d *Decoder) callOnCommand(cmd Command, headers Headers) error {
	if err := d.handler.OnCommand(cmd, headers); err != nil {
		return &CallbackError{Err: err}
	}
	return nil
}

func (d *Decoder) callOnBody(chunk []byte) error {
	if err := d.handler.OnBody(chunk); err != nil {
		return &CallbackError{Err: err}
	}
	return nil
}

// EncodeFrame renders a (command, headers, body) triple to the wire format:
// "Command: X\n", each header line (ContentLength included as an ordinary
// header when body is non-empty), a single blank line ending the header
// block, then the raw body bytes if any.
func EncodeFrame(cmd Command, headers Headers, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("Command: ")
	buf.WriteString(string(cmd))
	buf.WriteByte('\n')
	for k, v := range headers {
		buf.WriteString(k)
		buf.WriteString(": ")
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	if len(body) > 0 {
		buf.WriteString("ContentLength: ")
		buf.WriteString(strconv.Itoa(len(body)))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	if len(body) > 0 {
		buf.Write(body)
	}
	return buf.Bytes()
}
