package protocol

import "fmt"

// Application destinations (client → broker).
const (
	DestJoin       = "/app/meeting.join"
	DestLeave      = "/app/meeting.leave"
	DestSignal     = "/app/meeting.signal"
	DestChat       = "/app/meeting.chat"
	DestFile       = "/app/meeting.file"
	DestMediaState = "/app/meeting.media.state"
)

// Broadcast topics (broker → all participants of a meeting).

func TopicUserJoined(meetingCode string) string {
	return fmt.Sprintf("/topic/meeting.%s.user.joined", meetingCode)
}

func TopicUserLeft(meetingCode string) string {
	return fmt.Sprintf("/topic/meeting.%s.user.left", meetingCode)
}

func TopicChat(meetingCode string) string {
	return fmt.Sprintf("/topic/meeting.%s.chat", meetingCode)
}

func TopicFile(meetingCode string) string {
	return fmt.Sprintf("/topic/meeting.%s.file", meetingCode)
}

func TopicMediaState(meetingCode string) string {
	return fmt.Sprintf("/topic/meeting.%s.media.state", meetingCode)
}

// TopicSignal is the user-scoped queue carrying addressed offer/answer/ICE
// messages. The broker resolves the /user prefix per session.
func TopicSignal(userID, meetingCode string) string {
	return fmt.Sprintf("/user/%s/topic/meeting.%s.signal", userID, meetingCode)
}
