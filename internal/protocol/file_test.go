package protocol_test

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/ttcs/connectme-client/internal/protocol"
)

// TestEncodeDecodeFileRoundTrip verifies that a relayed file decodes back
// to the exact original bytes across a range of sizes.
func TestEncodeDecodeFileRoundTrip(t *testing.T) {
	sizes := []int{
		0,
		1,
		1024,            // 1 KB
		256 * 1024,      // 256 KB
		5 * 1024 * 1024, // 5 MB
	}

	for _, size := range sizes {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			data := make([]byte, size)
			for i := range data {
				data[i] = byte(i % 251)
			}

			ft, err := protocol.EncodeFile("report.pdf", "application/pdf", data, "alice", "Alice", "demo-meeting", 0)
			if err != nil {
				t.Fatalf("EncodeFile failed: %v", err)
			}

			if ft.FileSize != int64(size) {
				t.Errorf("FileSize mismatch: got %d, want %d", ft.FileSize, size)
			}
			if ft.FileID == "" {
				t.Error("FileID must be assigned")
			}

			decoded, err := protocol.DecodeFile(ft)
			if err != nil {
				t.Fatalf("DecodeFile failed: %v", err)
			}
			if !bytes.Equal(decoded, data) {
				t.Errorf("decoded bytes differ from original for size %d", size)
			}
		})
	}
}

// TestEncodeFileSizeCap verifies that payloads over the cap are rejected
// with ErrFileTooLarge and that the boundary itself is accepted.
func TestEncodeFileSizeCap(t *testing.T) {
	testCases := []struct {
		name    string
		size    int
		maxSize int
		wantErr bool
	}{
		{"under cap", 100, 1024, false},
		{"exactly at cap", 1024, 1024, false},
		{"one over cap", 1025, 1024, true},
		{"over default cap", protocol.DefaultMaxFileSize + 1, 0, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data := make([]byte, tc.size)
			_, err := protocol.EncodeFile("big.bin", "application/octet-stream", data, "bob", "Bob", "demo", tc.maxSize)

			if !tc.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}

			var tooLarge *protocol.ErrFileTooLarge
			if !errors.As(err, &tooLarge) {
				t.Fatalf("expected ErrFileTooLarge, got %v", err)
			}
			if tooLarge.Size != tc.size {
				t.Errorf("reported size mismatch: got %d, want %d", tooLarge.Size, tc.size)
			}
		})
	}
}

// TestDecodeFileRejectsCorruption verifies that tampered payloads and
// size mismatches are caught before the file reaches the consumer.
func TestDecodeFileRejectsCorruption(t *testing.T) {
	ft, err := protocol.EncodeFile("note.txt", "text/plain", []byte("hello world"), "alice", "Alice", "demo", 0)
	if err != nil {
		t.Fatalf("EncodeFile failed: %v", err)
	}

	t.Run("corrupt base64", func(t *testing.T) {
		bad := *ft
		bad.FileData = "!!!not-base64!!!"
		if _, err := protocol.DecodeFile(&bad); err == nil {
			t.Fatal("expected error for corrupt base64, got nil")
		}
	})

	t.Run("declared size mismatch", func(t *testing.T) {
		bad := *ft
		bad.FileSize = ft.FileSize + 1
		if _, err := protocol.DecodeFile(&bad); err == nil {
			t.Fatal("expected error for size mismatch, got nil")
		}
	})
}

// TestTopicScheme pins the broker topic and destination naming so a broker
// upgrade that silently changes routing is caught here first.
func TestTopicScheme(t *testing.T) {
	testCases := []struct {
		name string
		got  string
		want string
	}{
		{"user joined", protocol.TopicUserJoined("abc123"), "/topic/meeting.abc123.user.joined"},
		{"user left", protocol.TopicUserLeft("abc123"), "/topic/meeting.abc123.user.left"},
		{"chat", protocol.TopicChat("abc123"), "/topic/meeting.abc123.chat"},
		{"file", protocol.TopicFile("abc123"), "/topic/meeting.abc123.file"},
		{"media state", protocol.TopicMediaState("abc123"), "/topic/meeting.abc123.media.state"},
		{"signal", protocol.TopicSignal("user-1", "abc123"), "/user/user-1/topic/meeting.abc123.signal"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Errorf("topic mismatch: got %q, want %q", tc.got, tc.want)
			}
		})
	}
}

// TestSignalMessageJSONShape pins the wire field names the broker routes
// on.
func TestSignalMessageJSONShape(t *testing.T) {
	msg := protocol.SignalMessage{
		Type:         protocol.SignalOffer,
		From:         "alice",
		TargetUserID: "bob",
		MeetingCode:  "demo",
		Payload:      `{"type":"offer","sdp":"v=0"}`,
	}

	data, err := protocol.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	for _, field := range []string{`"type":"offer"`, `"from":"alice"`, `"targetUserId":"bob"`, `"meetingCode":"demo"`} {
		if !bytes.Contains(data, []byte(field)) {
			t.Errorf("encoded signal missing %s: %s", field, data)
		}
	}

	var back protocol.SignalMessage
	if err := protocol.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if back != msg {
		t.Errorf("round trip mismatch: got %+v, want %+v", back, msg)
	}
}
