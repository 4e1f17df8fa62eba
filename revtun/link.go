package revtun

import (
	"errors"
	"io"
	"net"
	"sync"
)

// FrameLink is the transport half shared by ManagerLink and RelayLink: a
// net.Conn plus a write mutex (multiple goroutines may call SendFrame
// concurrently — the tunnel forwarder and the link's own housekeeping) and
// an AuthGate guarding everything past the handshake.
type FrameLink struct {
	Conn   net.Conn
	Auth   *AuthGate
	Logger Logger

	writeMu sync.Mutex
}

// NewFrameLink wraps conn; callers attach an AuthGate separately via the
// Auth field once the gate is constructed.
func NewFrameLink(conn net.Conn, logger Logger) *FrameLink {
	return &FrameLink{Conn: conn, Logger: logger}
}

// SendFrame encodes and writes a single frame, serialized against any
// concurrent sender on this link.
func (l *FrameLink) SendFrame(cmd Command, headers Headers, body []byte) error {
	wire := EncodeFrame(cmd, headers, body)
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_, err := l.Conn.Write(wire)
	return err
}

// Close closes the underlying transport. Safe to call more than once.
func (l *FrameLink) Close() error {
	return l.Conn.Close()
}

// RemoteAddr reports the peer address, used for logging.
func (l *FrameLink) RemoteAddr() net.Addr {
	return l.Conn.RemoteAddr()
}

// pump reads from conn in a loop, feeding dec, until the connection closes
// or dec.Feed returns a link-fatal error (in which case the connection is
// closed to match the source's "malformed input closes the transport"
// behavior). onDone runs exactly once after the loop exits, with the
// terminal error (nil on plain EOF).
func pump(conn net.Conn, dec *Decoder, onDone func(err error)) {
	buf := make([]byte, 32*1024)
	var finalErr error
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if ferr := dec.Feed(buf[:n]); ferr != nil {
				finalErr = ferr
				conn.Close()
				break
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				finalErr = err
			}
			break
		}
	}
	onDone(finalErr)
}
