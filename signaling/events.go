package signaling

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/IchuRisco/mitopia-backend/model"
	"github.com/IchuRisco/mitopia-backend/pkg/utils"
)

// Inbound events.
const (
	EventJoinMeeting   = "join_meeting"
	EventLeaveMeeting  = "leave_meeting"
	EventOffer         = "offer"
	EventAnswer        = "answer"
	EventICECandidate  = "ice_candidate"
	EventChatMessage   = "chat_message"
	EventNotesEnabled  = "notes_enabled"
	EventNotesDisabled = "notes_disabled"
	EventMediaState    = "media_state"
)

// Outbound events.
const (
	EventConnected         = "connected"
	EventJoinedMeeting     = "joined_meeting"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventError             = "error"
)

const maxChatLength = 4000

type (
	JoinRequest struct {
		MeetingID string `json:"meetingId"`
		UserID    string `json:"userId,omitempty"`
		Name      string `json:"name"`
		IsHost    bool   `json:"isHost,omitempty"`
	}

	MeetingRequest struct {
		MeetingID string `json:"meetingId"`
	}

	// RelayRequest covers offer, answer and ice_candidate; exactly the field
	// matching the event has to be present.
	RelayRequest struct {
		MeetingID    string          `json:"meetingId"`
		TargetConnID string          `json:"targetConnId"`
		SDPOffer     json.RawMessage `json:"sdpOffer,omitempty"`
		SDPAnswer    json.RawMessage `json:"sdpAnswer,omitempty"`
		Candidate    json.RawMessage `json:"candidate,omitempty"`
	}

	ChatRequest struct {
		MeetingID string          `json:"meetingId"`
		Message   string          `json:"message"`
		Timestamp json.RawMessage `json:"timestamp,omitempty"`
	}

	MediaStateRequest struct {
		MeetingID string `json:"meetingId"`
		model.MediaStatePatch
	}
)

type (
	ConnectedPayload struct {
		ConnID string `json:"connId"`
	}

	JoinedPayload struct {
		MeetingID         string                     `json:"meetingId"`
		ConnID            string                     `json:"connId"`
		Participants      []model.ParticipantSummary `json:"participants"`
		TotalParticipants int                        `json:"totalParticipants"`
		NotesEnabled      bool                       `json:"notesEnabled"`
	}

	ParticipantJoinedPayload struct {
		MeetingID         string                   `json:"meetingId"`
		Participant       model.ParticipantSummary `json:"participant"`
		TotalParticipants int                      `json:"totalParticipants"`
	}

	ParticipantLeftPayload struct {
		MeetingID         string `json:"meetingId"`
		ConnID            string `json:"connId"`
		TotalParticipants int    `json:"totalParticipants,omitempty"`
	}

	RelayPayload struct {
		FromConnID string          `json:"fromConnId"`
		MeetingID  string          `json:"meetingId"`
		SDPOffer   json.RawMessage `json:"sdpOffer,omitempty"`
		SDPAnswer  json.RawMessage `json:"sdpAnswer,omitempty"`
		Candidate  json.RawMessage `json:"candidate,omitempty"`
	}

	ChatPayload struct {
		FromConnID string          `json:"fromConnId"`
		MeetingID  string          `json:"meetingId"`
		Message    string          `json:"message"`
		Timestamp  json.RawMessage `json:"timestamp"`
	}

	MediaStatePayload struct {
		FromConnID string `json:"fromConnId"`
		MeetingID  string `json:"meetingId"`
		model.MediaStatePatch
	}

	NotesPayload struct {
		FromConnID string `json:"fromConnId"`
		MeetingID  string `json:"meetingId"`
		Enabled    bool   `json:"enabled"`
	}

	ErrorPayload struct {
		Code    Code   `json:"code"`
		Message string `json:"message"`
	}
)

func validateMeetingID(id string) error {
	if !utils.IsMeetingIDValid(id) {
		return fmt.Errorf("invalid meetingId")
	}
	return nil
}

func (r *JoinRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	if err := validateMeetingID(r.MeetingID); err != nil {
		return err
	}
	if !utils.IsNameValid(r.Name) {
		return fmt.Errorf("invalid name")
	}
	if !utils.IsLengthValid(r.UserID, 0, 128) {
		return fmt.Errorf("invalid userId")
	}
	return nil
}

func (r *MeetingRequest) Validate() error {
	return validateMeetingID(r.MeetingID)
}

// validateFor checks the request carries the payload field of event.
func (r *RelayRequest) validateFor(event string) error {
	if err := validateMeetingID(r.MeetingID); err != nil {
		return err
	}
	if strings.TrimSpace(r.TargetConnID) == "" {
		return fmt.Errorf("missing targetConnId")
	}
	var field string
	var value json.RawMessage
	switch event {
	case EventOffer:
		field, value = "sdpOffer", r.SDPOffer
	case EventAnswer:
		field, value = "sdpAnswer", r.SDPAnswer
	case EventICECandidate:
		field, value = "candidate", r.Candidate
	}
	if len(value) == 0 || string(value) == "null" {
		return fmt.Errorf("missing %s", field)
	}
	return nil
}

func (r *ChatRequest) Validate() error {
	if err := validateMeetingID(r.MeetingID); err != nil {
		return err
	}
	if strings.TrimSpace(r.Message) == "" || !utils.IsLengthValid(r.Message, 1, maxChatLength) {
		return fmt.Errorf("invalid message")
	}
	return nil
}

func (r *MediaStateRequest) Validate() error {
	if err := validateMeetingID(r.MeetingID); err != nil {
		return err
	}
	if r.Empty() {
		return fmt.Errorf("media_state needs at least one of muted, videoEnabled, screenSharing")
	}
	return nil
}
