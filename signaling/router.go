package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/IchuRisco/mitopia-backend/meeting"
	"github.com/IchuRisco/mitopia-backend/metrics"
	"github.com/IchuRisco/mitopia-backend/model"
	"github.com/IchuRisco/mitopia-backend/pkg/websocket"
	"github.com/IchuRisco/mitopia-backend/registry"
	"github.com/IchuRisco/mitopia-backend/storage"
	"github.com/labstack/gommon/log"
)

// EventPublisher receives meeting lifecycle events for external collaborators.
type EventPublisher interface {
	PublishMeetingEvent(ev *model.MeetingEvent)
}

type Options struct {
	MaxParticipants        int
	StrictSingleRoom       bool
	RelayRequireMembership bool
	StoreTimeout           time.Duration
	StoreRetryDelay        time.Duration
	VerifyTimeout          time.Duration
}

// Router applies inbound signaling events to the room store and connection
// registry and emits the resulting events to the right peers. Handlers of one
// connection must be called sequentially; different connections may call
// concurrently.
type Router struct {
	store    storage.Storage
	verifier meeting.Verifier
	registry *registry.Registry
	events   EventPublisher
	opts     Options
	now      func() time.Time
}

func NewRouter(s storage.Storage, v meeting.Verifier, reg *registry.Registry, events EventPublisher, opts Options) *Router {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 3 * time.Second
	}
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = 5 * time.Second
	}
	return &Router{
		store:    s,
		verifier: v,
		registry: reg,
		events:   events,
		opts:     opts,
		now:      time.Now,
	}
}

// Connect registers a freshly opened connection and tells it its id.
func (r *Router) Connect(p registry.Peer) {
	r.registry.Register(p)
	metrics.ConnectionsActive.Inc()
	r.send(p, EventConnected, ConnectedPayload{ConnID: p.ID()})
}

// Disconnect cleans up after a lost connection exactly as an explicit leave would.
func (r *Router) Disconnect(ctx context.Context, connID string) {
	if meetingID, ok := r.registry.Room(connID); ok {
		if err := r.leave(ctx, connID, meetingID, true); err != nil {
			log.Warnf("connection %s: cleanup of meeting %s: %v", connID, meetingID, err)
		}
	}
	r.registry.Unregister(connID)
	metrics.ConnectionsActive.Dec()
}

// Handle processes one inbound message. Failures are reported to p as an
// error event and never propagate further.
func (r *Router) Handle(ctx context.Context, p registry.Peer, m *websocket.Message) {
	if err := m.Validate(); err != nil {
		r.Fail(p, newError(CodeInvalidMessage, err.Error()))
		return
	}
	metrics.RecordEvent(m.Event)

	var err error
	switch m.Event {
	case EventJoinMeeting:
		var req JoinRequest
		if err = decode(m, &req, req.Validate); err == nil {
			err = r.join(ctx, p, &req)
		}
	case EventLeaveMeeting:
		var req MeetingRequest
		if err = decode(m, &req, req.Validate); err == nil {
			err = r.leave(ctx, p.ID(), req.MeetingID, false)
		}
	case EventOffer, EventAnswer, EventICECandidate:
		var req RelayRequest
		if err = decode(m, &req, func() error { return req.validateFor(m.Event) }); err == nil {
			err = r.relay(p.ID(), m.Event, &req)
		}
	case EventChatMessage:
		var req ChatRequest
		if err = decode(m, &req, req.Validate); err == nil {
			err = r.chat(p.ID(), &req)
		}
	case EventMediaState:
		var req MediaStateRequest
		if err = decode(m, &req, req.Validate); err == nil {
			err = r.mediaState(ctx, p.ID(), &req)
		}
	case EventNotesEnabled, EventNotesDisabled:
		var req MeetingRequest
		if err = decode(m, &req, req.Validate); err == nil {
			err = r.notes(ctx, p.ID(), req.MeetingID, m.Event == EventNotesEnabled)
		}
	default:
		err = newError(CodeInvalidMessage, "unknown event '%s'", m.Event)
	}

	if err != nil {
		r.Fail(p, err)
	}
}

// Fail sends err to p as an error event.
func (r *Router) Fail(p registry.Peer, err error) {
	e := toError(err)
	if e.Code == CodeServiceUnavailable {
		log.Errorf("connection %s: %v", p.ID(), err)
	} else {
		log.Debugf("connection %s: %v", p.ID(), err)
	}
	metrics.RecordError(string(e.Code))
	r.send(p, EventError, ErrorPayload{Code: e.Code, Message: e.Message})
}

func (r *Router) join(ctx context.Context, p registry.Peer, req *JoinRequest) error {
	connID := p.ID()
	if current, ok := r.registry.Room(connID); ok && current != req.MeetingID {
		if r.opts.StrictSingleRoom {
			return newError(CodeAlreadyInRoom, "already in meeting %s, leave it first", current)
		}
		if err := r.leave(ctx, connID, current, false); err != nil {
			return err
		}
	}

	vctx, cancel := context.WithTimeout(ctx, r.opts.VerifyTimeout)
	joinable := r.verifier.Verify(vctx, req.MeetingID)
	cancel()
	if !joinable {
		return newError(CodeMeetingNotFound, "meeting %s does not exist or is not joinable", req.MeetingID)
	}

	unlock := r.registry.LockRoom(req.MeetingID)
	defer unlock()

	now := r.now()
	var created, added bool
	var room *model.Room
	err := r.withStore(ctx, func(ctx context.Context) error {
		var err error
		room, err = r.store.UpdateRoom(ctx, req.MeetingID, func(room *model.Room) (*model.Room, error) {
			created, added = false, false
			if room == nil {
				room = model.NewRoom(req.MeetingID, r.opts.MaxParticipants, now)
				created = true
			}
			participant, ok := room.Participants[connID]
			if !ok {
				if room.Full() {
					return nil, newError(CodeRoomFull, "meeting %s is full", req.MeetingID)
				}
				participant = &model.Participant{ConnID: connID, JoinedAt: now}
				added = true
			}
			participant.UserID = req.UserID
			participant.Name = req.Name
			participant.IsHost = req.IsHost
			room.Put(participant)
			room.Touch(now)
			return room, nil
		})
		return err
	})
	if err != nil {
		return err
	}

	r.registry.SetRoom(connID, req.MeetingID)
	self := room.Participants[connID]
	total := room.Count()
	log.Infof("connection %s joined meeting %s (%d participants)", connID, req.MeetingID, total)

	if added {
		r.broadcast(req.MeetingID, connID, EventParticipantJoined, ParticipantJoinedPayload{
			MeetingID:         req.MeetingID,
			Participant:       self.Summary(),
			TotalParticipants: total,
		})
	}
	r.send(p, EventJoinedMeeting, JoinedPayload{
		MeetingID:         req.MeetingID,
		ConnID:            connID,
		Participants:      room.Roster(connID),
		TotalParticipants: total,
		NotesEnabled:      room.NotesEnabled,
	})

	if created {
		metrics.RoomsLifecycleTotal.WithLabelValues("opened").Inc()
		r.publish(model.EventRoomOpened, req.MeetingID, connID, self.UserID, total)
	}
	if added {
		r.publish(model.EventParticipantJoined, req.MeetingID, connID, self.UserID, total)
	}
	return nil
}

// leave removes connID from meetingID. Leaving a room the connection is not
// in is a no-op. When the store write fails the connection stays bound so the
// client can retry, unless force is set because the connection is gone.
func (r *Router) leave(ctx context.Context, connID, meetingID string, force bool) error {
	if current, ok := r.registry.Room(connID); !ok || current != meetingID {
		return nil
	}

	unlock := r.registry.LockRoom(meetingID)
	defer unlock()

	now := r.now()
	var removed, closed bool
	var remaining int
	var userID string
	err := r.withStore(ctx, func(ctx context.Context) error {
		_, err := r.store.UpdateRoom(ctx, meetingID, func(room *model.Room) (*model.Room, error) {
			removed, closed, remaining, userID = false, false, 0, ""
			if room == nil || !room.Has(connID) {
				return room, storage.ErrNoChange
			}
			userID = room.Participants[connID].UserID
			room.Remove(connID)
			removed = true
			if room.Count() == 0 {
				closed = true
				return nil, nil
			}
			room.Touch(now)
			remaining = room.Count()
			return room, nil
		})
		return err
	})

	if err != nil && !force {
		return err
	}
	// A lost connection is out of the room locally even if the store write
	// failed; its snapshot entry remains until the room is idle for the TTL.
	r.registry.ClearRoom(connID)
	r.broadcast(meetingID, connID, EventParticipantLeft, ParticipantLeftPayload{
		MeetingID:         meetingID,
		ConnID:            connID,
		TotalParticipants: remaining,
	})
	log.Infof("connection %s left meeting %s", connID, meetingID)

	if err != nil {
		return err
	}
	if removed {
		r.publish(model.EventParticipantLeft, meetingID, connID, userID, remaining)
	}
	if closed {
		metrics.RoomsLifecycleTotal.WithLabelValues("closed").Inc()
		r.publish(model.EventRoomClosed, meetingID, connID, userID, 0)
	}
	return nil
}

func (r *Router) relay(from, event string, req *RelayRequest) error {
	if req.TargetConnID == from {
		metrics.RecordRelay(event, "rejected")
		return newError(CodeInvalidTarget, "cannot relay %s to yourself", event)
	}
	if r.opts.RelayRequireMembership {
		if current, ok := r.registry.Room(from); !ok || current != req.MeetingID {
			metrics.RecordRelay(event, "rejected")
			return newError(CodeNotInRoom, "not in meeting %s", req.MeetingID)
		}
	}

	target, ok := r.registry.Peer(req.TargetConnID)
	if !ok {
		// Target most likely disconnected mid-handshake.
		metrics.RecordRelay(event, "dropped")
		log.Debugf("connection %s: %s target %s is gone, dropping", from, event, req.TargetConnID)
		return nil
	}
	if r.opts.RelayRequireMembership && !r.registry.SameRoom(from, req.TargetConnID) {
		metrics.RecordRelay(event, "rejected")
		return newError(CodeInvalidTarget, "connection %s is not in meeting %s", req.TargetConnID, req.MeetingID)
	}

	payload := RelayPayload{FromConnID: from, MeetingID: req.MeetingID}
	switch event {
	case EventOffer:
		payload.SDPOffer = req.SDPOffer
	case EventAnswer:
		payload.SDPAnswer = req.SDPAnswer
	case EventICECandidate:
		payload.Candidate = req.Candidate
	}
	if r.send(target, event, payload) {
		metrics.RecordRelay(event, "delivered")
	} else {
		metrics.RecordRelay(event, "dropped")
	}
	return nil
}

func (r *Router) chat(from string, req *ChatRequest) error {
	if err := r.requireRoom(from, req.MeetingID); err != nil {
		return err
	}
	ts := req.Timestamp
	if len(ts) == 0 || string(ts) == "null" {
		var err error
		if ts, err = json.Marshal(r.now().UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	r.broadcast(req.MeetingID, from, EventChatMessage, ChatPayload{
		FromConnID: from,
		MeetingID:  req.MeetingID,
		Message:    req.Message,
		Timestamp:  ts,
	})
	return nil
}

// mediaState broadcasts first; the snapshot update only keeps rosters of
// later joiners accurate.
func (r *Router) mediaState(ctx context.Context, from string, req *MediaStateRequest) error {
	if err := r.requireRoom(from, req.MeetingID); err != nil {
		return err
	}
	r.broadcast(req.MeetingID, from, EventMediaState, MediaStatePayload{
		FromConnID:      from,
		MeetingID:       req.MeetingID,
		MediaStatePatch: req.MediaStatePatch,
	})

	now := r.now()
	return r.withStore(ctx, func(ctx context.Context) error {
		_, err := r.store.UpdateRoom(ctx, req.MeetingID, func(room *model.Room) (*model.Room, error) {
			if room == nil || !room.Has(from) {
				return room, storage.ErrNoChange
			}
			room.Participants[from].Media.Apply(req.MediaStatePatch)
			room.Touch(now)
			return room, nil
		})
		return err
	})
}

func (r *Router) notes(ctx context.Context, from, meetingID string, enabled bool) error {
	if err := r.requireRoom(from, meetingID); err != nil {
		return err
	}

	now := r.now()
	var total int
	var written bool
	err := r.withStore(ctx, func(ctx context.Context) error {
		room, err := r.store.UpdateRoom(ctx, meetingID, func(room *model.Room) (*model.Room, error) {
			written = false
			if room == nil {
				return room, storage.ErrNoChange
			}
			room.NotesEnabled = enabled
			room.Touch(now)
			written = true
			return room, nil
		})
		if room != nil {
			total = room.Count()
		}
		return err
	})
	if err != nil {
		return err
	}
	if !written {
		log.Debugf("connection %s: meeting %s has no snapshot, ignoring notes toggle", from, meetingID)
		return nil
	}

	event, evType := EventNotesDisabled, model.EventNotesDisabled
	if enabled {
		event, evType = EventNotesEnabled, model.EventNotesEnabled
	}
	r.broadcast(meetingID, from, event, NotesPayload{FromConnID: from, MeetingID: meetingID, Enabled: enabled})
	r.publish(evType, meetingID, from, "", total)
	return nil
}

func (r *Router) requireRoom(connID, meetingID string) error {
	if current, ok := r.registry.Room(connID); !ok || current != meetingID {
		return newError(CodeNotInRoom, "not in meeting %s", meetingID)
	}
	return nil
}

// withStore runs op with a bounded timeout, retrying once after a fixed
// delay when the backing store is unavailable.
func (r *Router) withStore(ctx context.Context, op func(ctx context.Context) error) error {
	err := r.storeAttempt(ctx, op)
	if err == nil || !errors.Is(err, storage.ErrStoreUnavailable) {
		return err
	}
	log.Warnf("room store unavailable, retrying: %v", err)

	timer := time.NewTimer(r.opts.StoreRetryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return err
	}
	return r.storeAttempt(ctx, op)
}

func (r *Router) storeAttempt(ctx context.Context, op func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	return op(ctx)
}

func (r *Router) broadcast(meetingID, except, event string, payload interface{}) {
	msg, err := websocket.NewMessage(event, payload)
	if err != nil {
		log.Error(err)
		return
	}
	for _, p := range r.registry.Members(meetingID) {
		if p.ID() == except {
			continue
		}
		if err := p.Send(msg); err != nil {
			log.Debugf("connection %s: dropping '%s': %v", p.ID(), event, err)
		}
	}
}

func (r *Router) send(p registry.Peer, event string, payload interface{}) bool {
	msg, err := websocket.NewMessage(event, payload)
	if err != nil {
		log.Error(err)
		return false
	}
	if err = p.Send(msg); err != nil {
		log.Debugf("connection %s: dropping '%s': %v", p.ID(), event, err)
		return false
	}
	return true
}

func (r *Router) publish(evType, meetingID, connID, userID string, total int) {
	if r.events == nil {
		return
	}
	r.events.PublishMeetingEvent(&model.MeetingEvent{
		Type:              evType,
		MeetingID:         meetingID,
		ConnID:            connID,
		UserID:            userID,
		TotalParticipants: total,
		At:                r.now(),
	})
}

func decode(m *websocket.Message, v interface{}, validate func() error) error {
	if err := m.Decode(v); err != nil {
		return newError(CodeInvalidMessage, err.Error())
	}
	if err := validate(); err != nil {
		return newError(CodeInvalidMessage, "invalid '%s': %v", m.Event, err)
	}
	return nil
}
