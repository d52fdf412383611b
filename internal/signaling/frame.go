// Package signaling maintains the client's connection to the meeting broker:
// a STOMP 1.2 session carried over a single WebSocket, with topic
// subscription, publish, heartbeats, and bounded auto-reconnect.
package signaling

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// STOMP frame commands used by the client. The broker is a Spring simple
// broker; only the 1.2 subset it speaks is implemented.
const (
	cmdConnect     = "CONNECT"
	cmdConnected   = "CONNECTED"
	cmdSend        = "SEND"
	cmdSubscribe   = "SUBSCRIBE"
	cmdUnsubscribe = "UNSUBSCRIBE"
	cmdDisconnect  = "DISCONNECT"
	cmdMessage     = "MESSAGE"
	cmdReceipt     = "RECEIPT"
	cmdError       = "ERROR"
)

// Well-known header names.
const (
	hdrAcceptVersion = "accept-version"
	hdrVersion       = "version"
	hdrHost          = "host"
	hdrHeartBeat     = "heart-beat"
	hdrDestination   = "destination"
	hdrID            = "id"
	hdrSubscription  = "subscription"
	hdrContentType   = "content-type"
	hdrContentLength = "content-length"
	hdrMessage       = "message"
)

// frame is a single STOMP frame. Headers preserve insertion order; on
// duplicate names the first occurrence wins, per STOMP 1.2.
type frame struct {
	command string
	headers []string // flat name/value pairs
	body    []byte
}

func newFrame(command string, headers ...string) *frame {
	return &frame{command: command, headers: headers}
}

// header returns the first value for name, or "" when absent.
func (f *frame) header(name string) string {
	for i := 0; i+1 < len(f.headers); i += 2 {
		if f.headers[i] == name {
			return f.headers[i+1]
		}
	}
	return ""
}

// escapeHeader applies STOMP 1.2 header escaping. CONNECT/CONNECTED frames
// are exempt (the caller never puts escapable characters in those).
func escapeHeader(v string) string {
	r := strings.NewReplacer("\\", "\\\\", "\r", "\\r", "\n", "\\n", ":", "\\c")
	return r.Replace(v)
}

func unescapeHeader(v string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(v) {
			return "", fmt.Errorf("dangling escape in header value %q", v)
		}
		switch v[i] {
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 'c':
			b.WriteByte(':')
		case '\\':
			b.WriteByte('\\')
		default:
			return "", fmt.Errorf("invalid escape \\%c in header value %q", v[i], v)
		}
	}
	return b.String(), nil
}

// marshalFrame serializes a frame for transmission. A content-length header
// is always emitted so NUL bytes in bodies survive.
func marshalFrame(f *frame) []byte {
	var buf bytes.Buffer
	buf.WriteString(f.command)
	buf.WriteByte('\n')

	literal := f.command == cmdConnect || f.command == cmdConnected
	for i := 0; i+1 < len(f.headers); i += 2 {
		name, value := f.headers[i], f.headers[i+1]
		if !literal {
			name, value = escapeHeader(name), escapeHeader(value)
		}
		buf.WriteString(name)
		buf.WriteByte(':')
		buf.WriteString(value)
		buf.WriteByte('\n')
	}
	buf.WriteString(hdrContentLength)
	buf.WriteByte(':')
	buf.WriteString(strconv.Itoa(len(f.body)))
	buf.WriteByte('\n')

	buf.WriteByte('\n')
	buf.Write(f.body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// heartbeatFrame is the EOL-only frame sent to keep the session alive.
var heartbeatFrame = []byte("\n")

// isHeartbeat reports whether data is a heartbeat rather than a frame.
func isHeartbeat(data []byte) bool {
	trimmed := bytes.TrimLeft(data, "\r\n")
	return len(trimmed) == 0
}

// parseFrame deserializes a single frame. The trailing NUL (and any EOLs
// after it) are tolerated but not required, since the WebSocket transport
// already delimits frames.
func parseFrame(data []byte) (*frame, error) {
	head, body, found := bytes.Cut(data, []byte("\n\n"))
	if !found {
		return nil, fmt.Errorf("frame has no header/body separator")
	}

	lines := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("frame has no command")
	}

	f := &frame{command: lines[0]}
	literal := f.command == cmdConnect || f.command == cmdConnected
	seen := map[string]bool{}
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		if !literal {
			var err error
			if name, err = unescapeHeader(name); err != nil {
				return nil, err
			}
			if value, err = unescapeHeader(value); err != nil {
				return nil, err
			}
		}
		// First occurrence wins.
		if seen[name] {
			continue
		}
		seen[name] = true
		f.headers = append(f.headers, name, value)
	}

	if cl := f.header(hdrContentLength); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid content-length %q", cl)
		}
		if n > len(body) {
			return nil, fmt.Errorf("content-length %d exceeds body of %d bytes", n, len(body))
		}
		f.body = body[:n]
	} else {
		// Body runs to the NUL terminator.
		if i := bytes.IndexByte(body, 0); i >= 0 {
			f.body = body[:i]
		} else {
			f.body = body
		}
	}
	return f, nil
}
