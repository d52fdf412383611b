// Package protocol defines the wire messages exchanged with the meeting
// broker and the topic/destination naming scheme they travel on.
package protocol

import "encoding/json"

// SignalType discriminates point-to-point signaling payloads.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "ice-candidate"
)

// MediaType discriminates media-state broadcasts.
type MediaType string

const (
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
)

// SignalMessage is the addressed envelope for offer/answer/ICE exchange.
// Payload carries a JSON-encoded SDP or ICE candidate; it stays opaque to
// the broker, which only routes on TargetUserID.
type SignalMessage struct {
	Type         SignalType `json:"type"`
	From         string     `json:"from"`
	TargetUserID string     `json:"targetUserId"`
	MeetingCode  string     `json:"meetingCode"`
	Payload      string     `json:"payload"`
}

// JoinRequest announces presence on the /app/meeting.join destination.
type JoinRequest struct {
	UserID      string `json:"userId"`
	MeetingCode string `json:"meetingCode"`
}

// LeaveRequest announces departure on the /app/meeting.leave destination.
type LeaveRequest struct {
	UserID      string `json:"userId"`
	MeetingCode string `json:"meetingCode"`
}

// UserJoinedEvent is broadcast by the broker when a participant joins.
type UserJoinedEvent struct {
	UserID      string `json:"userId"`
	MeetingCode string `json:"meetingCode"`
}

// UserLeftEvent is broadcast by the broker when a participant leaves.
type UserLeftEvent struct {
	UserID      string `json:"userId"`
	MeetingCode string `json:"meetingCode"`
}

// ChatMessage is broadcast on the meeting chat topic. Type is "user" for
// participant messages and "system" for broker-originated notices.
type ChatMessage struct {
	ID          string `json:"id,omitempty"`
	SenderID    string `json:"senderId"`
	SenderName  string `json:"senderName,omitempty"`
	MeetingCode string `json:"meetingCode"`
	Text        string `json:"text"`
	Timestamp   string `json:"timestamp"`
	Type        string `json:"type,omitempty"`
}

// MediaStateUpdate is broadcast when a participant toggles audio or video.
// Presentation metadata only; it does not affect connection state.
type MediaStateUpdate struct {
	UserID      string    `json:"userId"`
	MeetingCode string    `json:"meetingCode"`
	MediaType   MediaType `json:"mediaType"`
	Enabled     bool      `json:"enabled"`
}

// FileTransfer carries a complete file as a base64 payload over the meeting
// file topic. See EncodeFile for the size policy.
type FileTransfer struct {
	FileID      string `json:"fileId"`
	FileName    string `json:"fileName"`
	FileType    string `json:"fileType"`
	FileSize    int64  `json:"fileSize"`
	FileData    string `json:"fileData"`
	SenderID    string `json:"senderId"`
	SenderName  string `json:"senderName,omitempty"`
	MeetingCode string `json:"meetingCode"`
	Timestamp   string `json:"timestamp"`
}

// Marshal encodes any wire message as JSON.
func Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes a wire message from JSON.
func Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
