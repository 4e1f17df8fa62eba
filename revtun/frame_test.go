package revtun

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedFrame struct {
	cmd     Command
	headers Headers
	body    []byte
}

type recordingHandler struct {
	frames []recordedFrame
	cur    *recordedFrame
	onBody func([]byte) error
}

func (h *recordingHandler) OnCommand(cmd Command, headers Headers) error {
	if h.cur != nil {
		h.frames = append(h.frames, *h.cur)
	}
	cp := Headers{}
	for k, v := range headers {
		cp[k] = v
	}
	h.cur = &recordedFrame{cmd: cmd, headers: cp}
	return nil
}

func (h *recordingHandler) OnBody(chunk []byte) error {
	if h.onBody != nil {
		return h.onBody(chunk)
	}
	h.cur.body = append(h.cur.body, chunk...)
	return nil
}

func (h *recordingHandler) flush() []recordedFrame {
	if h.cur != nil {
		h.frames = append(h.frames, *h.cur)
		h.cur = nil
	}
	return h.frames
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		cmd     Command
		headers Headers
		body    []byte
	}{
		{"no headers no body", CommandClientReady, Headers{}, nil},
		{"headers no body", CommandAuthRequire, Headers{"AuthToken": "secret"}, nil},
		{"headers and body", CommandForward, Headers{"X": "1"}, []byte("hello world")},
		{"body only", CommandForward, Headers{}, []byte{0x00, 0x01, 0x02}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			wire := EncodeFrame(c.cmd, c.headers, c.body)
			h := &recordingHandler{}
			d := NewDecoder(h)
			require.NoError(t, d.Feed(wire))
			frames := h.flush()
			require.Len(t, frames, 1)
			assert.Equal(t, c.cmd, frames[0].cmd)
			assert.Equal(t, string(c.headers["AuthToken"]), frames[0].headers["AuthToken"])
			assert.Equal(t, c.body, frames[0].body)
		})
	}
}

func TestDecoderArbitraryChunking(t *testing.T) {
	wire1 := EncodeFrame(CommandAuthRequire, Headers{"AuthToken": "tok"}, nil)
	wire2 := EncodeFrame(CommandForward, Headers{}, []byte("payload-body"))
	full := append(append([]byte{}, wire1...), wire2...)

	for split := 0; split <= len(full); split++ {
		h := &recordingHandler{}
		d := NewDecoder(h)
		require.NoError(t, d.Feed(full[:split]))
		require.NoError(t, d.Feed(full[split:]))
		frames := h.flush()
		require.Lenf(t, frames, 2, "split at %d", split)
		assert.Equal(t, CommandAuthRequire, frames[0].cmd)
		assert.Equal(t, "tok", frames[0].headers["AuthToken"])
		assert.Equal(t, CommandForward, frames[1].cmd)
		assert.Equal(t, []byte("payload-body"), frames[1].body)
	}
}

func TestDecoderByteAtATime(t *testing.T) {
	wire := EncodeFrame(CommandForward, Headers{"A": "b"}, []byte("chunked-body-data"))
	h := &recordingHandler{}
	d := NewDecoder(h)
	for i := range wire {
		require.NoError(t, d.Feed(wire[i:i+1]))
	}
	frames := h.flush()
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("chunked-body-data"), frames[0].body)
}

func TestDecoderMissingCommand(t *testing.T) {
	h := &recordingHandler{}
	d := NewDecoder(h)
	err := d.Feed([]byte("Foo: bar\n\n"))
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
}

func TestDecoderNonPositiveContentLength(t *testing.T) {
	h := &recordingHandler{}
	d := NewDecoder(h)
	err := d.Feed([]byte("Command: Forward\nContentLength: 0\n\n"))
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
}

func TestDecoderMalformedHeaderLine(t *testing.T) {
	h := &recordingHandler{}
	d := NewDecoder(h)
	err := d.Feed([]byte("Command: Forward\nNoColonHere\n\n"))
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
}

func TestDecoderCallbackErrorWraps(t *testing.T) {
	boom := assert.AnError
	h := &recordingHandler{onBody: func([]byte) error { return boom }}
	d := NewDecoder(h)
	err := d.Feed([]byte("Command: Forward\nContentLength: 4\n\nabcd"))
	require.Error(t, err)
	var ce *CallbackError
	require.ErrorAs(t, err, &ce)
}

func TestDecoderMultipleFramesInOneSegment(t *testing.T) {
	wire1 := EncodeFrame(CommandClientReady, Headers{}, nil)
	wire2 := EncodeFrame(CommandNewTunnel, Headers{"Endpoint": "127.0.0.1:9000"}, nil)
	h := &recordingHandler{}
	d := NewDecoder(h)
	require.NoError(t, d.Feed(append(append([]byte{}, wire1...), wire2...)))
	frames := h.flush()
	require.Len(t, frames, 2)
	assert.Equal(t, CommandClientReady, frames[0].cmd)
	assert.Equal(t, CommandNewTunnel, frames[1].cmd)
	assert.Equal(t, "127.0.0.1:9000", frames[1].headers["Endpoint"])
}
