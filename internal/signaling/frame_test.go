package signaling

import (
	"bytes"
	"testing"
)

// TestFrameRoundTrip verifies that marshaling and parsing are inverse
// operations for the frame shapes the broker session uses.
func TestFrameRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		f    *frame
	}{
		{
			name: "SUBSCRIBE with id and destination",
			f: &frame{
				command: cmdSubscribe,
				headers: []string{hdrID, "sub-0", hdrDestination, "/topic/meeting.demo.chat"},
			},
		},
		{
			name: "SEND with JSON body",
			f: &frame{
				command: cmdSend,
				headers: []string{hdrDestination, "/app/meeting.chat", hdrContentType, "application/json"},
				body:    []byte(`{"text":"hello"}`),
			},
		},
		{
			name: "SEND with empty body",
			f: &frame{
				command: cmdSend,
				headers: []string{hdrDestination, "/app/meeting.leave"},
				body:    []byte{},
			},
		},
		{
			name: "MESSAGE with NUL bytes in body",
			f: &frame{
				command: cmdMessage,
				headers: []string{hdrDestination, "/topic/meeting.demo.file", hdrSubscription, "sub-3"},
				body:    []byte{0x00, 0x01, 0x00, 0xFF},
			},
		},
		{
			name: "DISCONNECT with no headers",
			f:    &frame{command: cmdDisconnect},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			parsed, err := parseFrame(marshalFrame(tc.f))
			if err != nil {
				t.Fatalf("parseFrame failed: %v", err)
			}

			if parsed.command != tc.f.command {
				t.Errorf("command mismatch: got %q, want %q", parsed.command, tc.f.command)
			}
			for i := 0; i+1 < len(tc.f.headers); i += 2 {
				name, want := tc.f.headers[i], tc.f.headers[i+1]
				if got := parsed.header(name); got != want {
					t.Errorf("header %s mismatch: got %q, want %q", name, got, want)
				}
			}
			if !bytes.Equal(parsed.body, tc.f.body) {
				t.Errorf("body mismatch: got %v, want %v", parsed.body, tc.f.body)
			}
		})
	}
}

// TestHeaderEscaping verifies STOMP 1.2 escaping survives a round trip for
// values carrying the reserved characters.
func TestHeaderEscaping(t *testing.T) {
	values := []string{
		"plain",
		"colon:inside",
		"back\\slash",
		"new\nline",
		"carriage\rreturn",
		"all\\:of\nthe\rabove",
	}

	for _, v := range values {
		t.Run(v, func(t *testing.T) {
			f := &frame{command: cmdSend, headers: []string{hdrDestination, v}}
			parsed, err := parseFrame(marshalFrame(f))
			if err != nil {
				t.Fatalf("parseFrame failed: %v", err)
			}
			if got := parsed.header(hdrDestination); got != v {
				t.Errorf("escaped header mismatch: got %q, want %q", got, v)
			}
		})
	}
}

// TestUnescapeHeaderRejectsInvalid verifies that undefined escape sequences
// fail parsing instead of being passed through.
func TestUnescapeHeaderRejectsInvalid(t *testing.T) {
	testCases := []struct {
		name  string
		value string
	}{
		{"undefined escape", "bad\\tescape"},
		{"dangling escape", "trailing\\"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := unescapeHeader(tc.value); err == nil {
				t.Fatalf("expected error for %q, got nil", tc.value)
			}
		})
	}
}

// TestParseFrameMalformed verifies that broken frames are rejected rather
// than misread.
func TestParseFrameMalformed(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"no separator", []byte("MESSAGE\ndestination:/x")},
		{"no command", []byte("\nrest\n\nbody")},
		{"header without colon", []byte("MESSAGE\nnocolonhere\n\nbody\x00")},
		{"negative content-length", []byte("MESSAGE\ncontent-length:-5\n\nbody\x00")},
		{"content-length past body", []byte("MESSAGE\ncontent-length:999\n\nshort\x00")},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseFrame(tc.data); err == nil {
				t.Fatalf("expected error for %q, got nil", tc.data)
			}
		})
	}
}

// TestParseFrameFirstHeaderWins pins the duplicate-header rule: the first
// occurrence of a header name is the one that counts.
func TestParseFrameFirstHeaderWins(t *testing.T) {
	data := []byte("MESSAGE\ndestination:/topic/a\ndestination:/topic/b\n\nhi\x00")
	f, err := parseFrame(data)
	if err != nil {
		t.Fatalf("parseFrame failed: %v", err)
	}
	if got := f.header(hdrDestination); got != "/topic/a" {
		t.Errorf("duplicate header resolution: got %q, want %q", got, "/topic/a")
	}
}

// TestParseFrameWithoutContentLength verifies the NUL-delimited body path
// used by brokers that omit content-length.
func TestParseFrameWithoutContentLength(t *testing.T) {
	data := []byte("MESSAGE\ndestination:/topic/meeting.demo.chat\nsubscription:sub-1\n\n{\"text\":\"hi\"}\x00")
	f, err := parseFrame(data)
	if err != nil {
		t.Fatalf("parseFrame failed: %v", err)
	}
	if string(f.body) != `{"text":"hi"}` {
		t.Errorf("body mismatch: got %q", f.body)
	}
}

// TestParseFrameCRLF verifies that CRLF line endings are accepted, as
// STOMP 1.2 requires of servers and clients alike.
func TestParseFrameCRLF(t *testing.T) {
	data := []byte("CONNECTED\r\nversion:1.2\r\nheart-beat:10000,10000\r\n\r\n\x00")
	f, err := parseFrame(data)
	if err != nil {
		t.Fatalf("parseFrame failed: %v", err)
	}
	if f.command != cmdConnected {
		t.Errorf("command mismatch: got %q", f.command)
	}
	if got := f.header(hdrVersion); got != "1.2" {
		t.Errorf("version header mismatch: got %q", got)
	}
}

// TestHeartbeatDetection distinguishes keepalive frames from real ones.
func TestHeartbeatDetection(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
		want bool
	}{
		{"bare LF", []byte("\n"), true},
		{"CRLF", []byte("\r\n"), true},
		{"empty", []byte{}, true},
		{"real frame", []byte("MESSAGE\n\nx\x00"), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isHeartbeat(tc.data); got != tc.want {
				t.Errorf("isHeartbeat(%q) = %v, want %v", tc.data, got, tc.want)
			}
		})
	}
}
