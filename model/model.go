package model

import (
	"sort"
	"time"
)

type (
	Room struct {
		MeetingID       string                  `json:"meeting_id"`
		CreatedAt       time.Time               `json:"created_at"`
		LastActivity    time.Time               `json:"last_activity"`
		Participants    map[string]*Participant `json:"participants"`
		MaxParticipants int                     `json:"max_participants"`
		Active          bool                    `json:"active"`
		NotesEnabled    bool                    `json:"notes_enabled"`
	}

	Participant struct {
		ConnID   string     `json:"conn_id"`
		UserID   string     `json:"user_id,omitempty"`
		Name     string     `json:"name"`
		IsHost   bool       `json:"is_host"`
		JoinedAt time.Time  `json:"joined_at"`
		Media    MediaState `json:"media"`
	}

	MediaState struct {
		Muted         bool `json:"muted"`
		VideoEnabled  bool `json:"video_enabled"`
		ScreenSharing bool `json:"screen_sharing"`
	}

	// MediaStatePatch carries a partial media-state update; nil fields are left untouched.
	MediaStatePatch struct {
		Muted         *bool `json:"muted,omitempty"`
		VideoEnabled  *bool `json:"videoEnabled,omitempty"`
		ScreenSharing *bool `json:"screenSharing,omitempty"`
	}

	// ParticipantSummary is the client-facing view of a Participant.
	ParticipantSummary struct {
		ConnID        string    `json:"connId"`
		UserID        string    `json:"userId,omitempty"`
		Name          string    `json:"name"`
		IsHost        bool      `json:"isHost"`
		JoinedAt      time.Time `json:"joinedAt"`
		Muted         bool      `json:"muted"`
		VideoEnabled  bool      `json:"videoEnabled"`
		ScreenSharing bool      `json:"screenSharing"`
	}
)

func NewRoom(meetingID string, maxParticipants int, now time.Time) *Room {
	return &Room{
		MeetingID:       meetingID,
		CreatedAt:       now,
		LastActivity:    now,
		Participants:    make(map[string]*Participant),
		MaxParticipants: maxParticipants,
		Active:          true,
	}
}

func (r *Room) Count() int {
	return len(r.Participants)
}

func (r *Room) Has(connID string) bool {
	_, ok := r.Participants[connID]
	return ok
}

// Full reports whether another participant would exceed the room capacity.
// A non-positive MaxParticipants means unlimited.
func (r *Room) Full() bool {
	return r.MaxParticipants > 0 && len(r.Participants) >= r.MaxParticipants
}

func (r *Room) Put(p *Participant) {
	if r.Participants == nil {
		r.Participants = make(map[string]*Participant)
	}
	r.Participants[p.ConnID] = p
}

// Remove deletes the participant and reports whether it was present.
func (r *Room) Remove(connID string) bool {
	if _, ok := r.Participants[connID]; !ok {
		return false
	}
	delete(r.Participants, connID)
	return true
}

func (r *Room) Touch(now time.Time) {
	r.LastActivity = now
}

// Roster returns participant summaries ordered by join time, skipping exclude.
func (r *Room) Roster(exclude string) []ParticipantSummary {
	list := make([]ParticipantSummary, 0, len(r.Participants))
	for id, p := range r.Participants {
		if id == exclude {
			continue
		}
		list = append(list, p.Summary())
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].JoinedAt.Equal(list[j].JoinedAt) {
			return list[i].ConnID < list[j].ConnID
		}
		return list[i].JoinedAt.Before(list[j].JoinedAt)
	})
	return list
}

func (p *Participant) Summary() ParticipantSummary {
	return ParticipantSummary{
		ConnID:        p.ConnID,
		UserID:        p.UserID,
		Name:          p.Name,
		IsHost:        p.IsHost,
		JoinedAt:      p.JoinedAt,
		Muted:         p.Media.Muted,
		VideoEnabled:  p.Media.VideoEnabled,
		ScreenSharing: p.Media.ScreenSharing,
	}
}

func (m *MediaState) Apply(patch MediaStatePatch) {
	if patch.Muted != nil {
		m.Muted = *patch.Muted
	}
	if patch.VideoEnabled != nil {
		m.VideoEnabled = *patch.VideoEnabled
	}
	if patch.ScreenSharing != nil {
		m.ScreenSharing = *patch.ScreenSharing
	}
}

func (m MediaStatePatch) Empty() bool {
	return m.Muted == nil && m.VideoEnabled == nil && m.ScreenSharing == nil
}

// Meeting event types published for collaborators such as the notes service.
const (
	EventRoomOpened        = "room_opened"
	EventRoomClosed        = "room_closed"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventNotesEnabled      = "notes_enabled"
	EventNotesDisabled     = "notes_disabled"
)

// MeetingEvent is a lifecycle notification about one meeting room.
type MeetingEvent struct {
	Type              string    `json:"type"`
	MeetingID         string    `json:"meeting_id"`
	ConnID            string    `json:"conn_id,omitempty"`
	UserID            string    `json:"user_id,omitempty"`
	TotalParticipants int       `json:"total_participants"`
	At                time.Time `json:"at"`
}
