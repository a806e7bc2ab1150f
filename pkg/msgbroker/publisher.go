package msgbroker

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/IchuRisco/mitopia-backend/metrics"
	"github.com/IchuRisco/mitopia-backend/model"
	"github.com/gammazero/workerpool"
	"github.com/labstack/gommon/log"
)

// MeetingChannelPrefix prefixes the channel each meeting's events go to.
const MeetingChannelPrefix = "meetings:"

func MeetingChannel(meetingID string) string {
	return MeetingChannelPrefix + meetingID
}

// AsyncPublisher publishes meeting events from a bounded worker pool so
// signaling handlers never wait on the broker. Events published after Close
// are dropped.
type AsyncPublisher struct {
	broker     MessageBroker
	workerPool *workerpool.WorkerPool

	mu      sync.RWMutex
	stopped bool
}

func NewAsyncPublisher(mb MessageBroker, maxWorkers int) *AsyncPublisher {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &AsyncPublisher{
		broker:     mb,
		workerPool: workerpool.New(maxWorkers),
	}
}

func (p *AsyncPublisher) PublishMeetingEvent(ev *model.MeetingEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		log.Error(err)
		return
	}
	channel := MeetingChannel(ev.MeetingID)

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		metrics.EventsPublishedTotal.WithLabelValues("dropped").Inc()
		log.Warnf("meeting %s: publisher closed, dropping %s", ev.MeetingID, ev.Type)
		return
	}
	p.workerPool.Submit(func() {
		err := p.broker.Publish(b, channel)
		switch {
		case err == nil:
			metrics.EventsPublishedTotal.WithLabelValues("delivered").Inc()
		case errors.Is(err, ErrNoRecipients):
			metrics.EventsPublishedTotal.WithLabelValues("unheard").Inc()
		default:
			metrics.EventsPublishedTotal.WithLabelValues("failed").Inc()
			log.Warnf("meeting %s: publishing %s: %v", ev.MeetingID, ev.Type, err)
		}
	})
}

// Close waits for queued events to be published.
func (p *AsyncPublisher) Close() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	p.workerPool.StopWait()
}
