package signaling

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IchuRisco/mitopia-backend/model"
	"github.com/IchuRisco/mitopia-backend/pkg/websocket"
	"github.com/IchuRisco/mitopia-backend/registry"
	"github.com/IchuRisco/mitopia-backend/storage"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v7"
	"github.com/stretchr/testify/require"
)

const testTTL = time.Minute

type fakePeer struct {
	id   string
	mu   sync.Mutex
	msgs []*websocket.Message
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(m *websocket.Message) error {
	p.mu.Lock()
	p.msgs = append(p.msgs, m)
	p.mu.Unlock()
	return nil
}

// take returns and forgets every message received so far.
func (p *fakePeer) take() []*websocket.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.msgs
	p.msgs = nil
	return out
}

func (p *fakePeer) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.msgs))
	for _, m := range p.msgs {
		out = append(out, m.Event)
	}
	return out
}

// expect removes the first message of event and decodes it into v.
func (p *fakePeer) expect(t *testing.T, event string, v interface{}) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, m := range p.msgs {
		if m.Event != event {
			continue
		}
		p.msgs = append(p.msgs[:i:i], p.msgs[i+1:]...)
		if v != nil {
			require.NoError(t, json.Unmarshal(m.Data, v))
		}
		return
	}
	t.Fatalf("connection %s: no '%s' event, got %v", p.id, event, eventNames(p.msgs))
}

func (p *fakePeer) expectError(t *testing.T, code Code) ErrorPayload {
	t.Helper()
	var e ErrorPayload
	p.expect(t, EventError, &e)
	require.Equal(t, code, e.Code, e.Message)
	return e
}

func eventNames(msgs []*websocket.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Event)
	}
	return out
}

type stubVerifier struct {
	mu    sync.Mutex
	calls int
}

// Verify rejects meeting ids starting with "closed".
func (v *stubVerifier) Verify(ctx context.Context, meetingID string) bool {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	return !strings.HasPrefix(meetingID, "closed")
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.MeetingEvent
}

func (p *recordingPublisher) PublishMeetingEvent(ev *model.MeetingEvent) {
	p.mu.Lock()
	p.events = append(p.events, *ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) types(meetingID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		if ev.MeetingID == meetingID {
			out = append(out, ev.Type)
		}
	}
	return out
}

// flakyStorage fails the next `failures` operations with ErrStoreUnavailable.
type flakyStorage struct {
	storage.Storage
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStorage) fail() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return storage.ErrStoreUnavailable
	}
	return nil
}

func (s *flakyStorage) UpdateRoom(ctx context.Context, meetingID string, fn storage.UpdateFunc) (*model.Room, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	return s.Storage.UpdateRoom(ctx, meetingID, fn)
}

// pausingStorage holds the first UpdateRoom, after it committed, until
// release is closed.
type pausingStorage struct {
	storage.Storage
	once      sync.Once
	committed chan struct{}
	release   chan struct{}
}

func newPausingStorage(s storage.Storage) *pausingStorage {
	return &pausingStorage{Storage: s, committed: make(chan struct{}), release: make(chan struct{})}
}

func (s *pausingStorage) UpdateRoom(ctx context.Context, meetingID string, fn storage.UpdateFunc) (*model.Room, error) {
	room, err := s.Storage.UpdateRoom(ctx, meetingID, fn)
	s.once.Do(func() {
		close(s.committed)
		<-s.release
	})
	return room, err
}

func (s *flakyStorage) failNext(n int) {
	s.mu.Lock()
	s.failures = n
	s.mu.Unlock()
}

type fixture struct {
	t        *testing.T
	mr       *miniredis.Miniredis
	store    storage.Storage
	registry *registry.Registry
	verifier *stubVerifier
	events   *recordingPublisher
	router   *Router
}

func newFixture(t *testing.T, configure ...func(*Options)) *fixture {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	opts := Options{
		MaxParticipants:        10,
		StrictSingleRoom:       true,
		RelayRequireMembership: true,
		StoreTimeout:           time.Second,
		StoreRetryDelay:        10 * time.Millisecond,
		VerifyTimeout:          time.Second,
	}
	for _, fn := range configure {
		fn(&opts)
	}

	f := &fixture{
		t:        t,
		mr:       mr,
		store:    storage.New(rdb, testTTL),
		registry: registry.New(),
		verifier: &stubVerifier{},
		events:   &recordingPublisher{},
	}
	f.router = NewRouter(f.store, f.verifier, f.registry, f.events, opts)
	return f
}

func (f *fixture) connect(id string) *fakePeer {
	p := &fakePeer{id: id}
	f.router.Connect(p)
	p.expect(f.t, EventConnected, nil)
	return p
}

func (f *fixture) send(p *fakePeer, event string, data interface{}) {
	m, err := websocket.NewMessage(event, data)
	require.NoError(f.t, err)
	f.router.Handle(context.Background(), p, m)
}

// join joins p to meetingID and returns the joined_meeting reply.
func (f *fixture) join(p *fakePeer, meetingID string) JoinedPayload {
	f.t.Helper()
	f.send(p, EventJoinMeeting, JoinRequest{MeetingID: meetingID, Name: "user " + p.id})
	var joined JoinedPayload
	p.expect(f.t, EventJoinedMeeting, &joined)
	return joined
}

func (f *fixture) room(meetingID string) *model.Room {
	f.t.Helper()
	room, err := f.store.GetRoom(context.Background(), meetingID)
	require.NoError(f.t, err)
	return room
}

func (f *fixture) roomIDs(meetingID string) []string {
	room := f.room(meetingID)
	out := make([]string, 0, room.Count())
	for _, s := range room.Roster("") {
		out = append(out, s.ConnID)
	}
	return out
}
