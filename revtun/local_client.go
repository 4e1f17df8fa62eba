package revtun

import "net"

// localLink is the client-side socket dialed to the local service once a
// NewTunnel names an endpoint. Grounded on the source's
// client.local_client.LocalProtocol — it is deliberately the simplest
// TunnelEndpoint in the package: raw bytes in, raw bytes out, no framing.
type localLink struct {
	conn   net.Conn
	tunnel TunnelHandle
}

func newLocalLink(conn net.Conn) *localLink {
	return &localLink{conn: conn, tunnel: FakeClosed}
}

// OnTunnelBuild implements TunnelEndpoint. Called synchronously by
// Tunnel.Build before readLoop starts, so no locking is needed around the
// tunnel field.
func (l *localLink) OnTunnelBuild(t TunnelHandle) {
	l.tunnel = t
}

// OnTunnelClose implements TunnelEndpoint.
func (l *localLink) OnTunnelClose(err error) {
	l.conn.Close()
}

// OnTunnelWrite implements TunnelEndpoint.
func (l *localLink) OnTunnelWrite(data []byte) {
	l.conn.Write(data)
}

// readLoop forwards bytes read from the local service into the tunnel
// until the connection closes, then closes the tunnel from this side.
func (l *localLink) readLoop(tun *Tunnel) {
	buf := make([]byte, 32*1024)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			tun.Write(l, append([]byte{}, buf[:n]...))
		}
		if err != nil {
			break
		}
	}
	tun.Close(l, nil)
}
