package protocol

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxFileSize caps file payloads before base64 encoding. The broker
// relays files as single STOMP frames, so this is a policy limit, not a
// protocol one; oversized files are rejected, never truncated.
const DefaultMaxFileSize = 8 << 20

// ErrFileTooLarge is returned by EncodeFile when the raw payload exceeds
// the configured cap.
type ErrFileTooLarge struct {
	Size int
	Max  int
}

func (e *ErrFileTooLarge) Error() string {
	return fmt.Sprintf("file of %d bytes exceeds the %d byte transfer cap", e.Size, e.Max)
}

// EncodeFile builds a FileTransfer message from raw bytes. maxSize <= 0
// selects DefaultMaxFileSize.
func EncodeFile(name, mimeType string, data []byte, senderID, senderName, meetingCode string, maxSize int) (*FileTransfer, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	if len(data) > maxSize {
		return nil, &ErrFileTooLarge{Size: len(data), Max: maxSize}
	}

	return &FileTransfer{
		FileID:      uuid.NewString(),
		FileName:    name,
		FileType:    mimeType,
		FileSize:    int64(len(data)),
		FileData:    base64.StdEncoding.EncodeToString(data),
		SenderID:    senderID,
		SenderName:  senderName,
		MeetingCode: meetingCode,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// DecodeFile recovers the raw bytes of a received FileTransfer. The declared
// FileSize is checked against the decoded length so corrupted relays are
// caught before the file reaches the consumer.
func DecodeFile(ft *FileTransfer) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ft.FileData)
	if err != nil {
		return nil, fmt.Errorf("file %q: corrupt base64 payload: %w", ft.FileName, err)
	}
	if int64(len(data)) != ft.FileSize {
		return nil, fmt.Errorf("file %q: declared size %d but decoded %d bytes", ft.FileName, ft.FileSize, len(data))
	}
	return data, nil
}
