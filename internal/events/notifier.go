// Package events provides the change notifier behind the SSE endpoints.
//
// Notifications carry no payload. A subscriber that receives one re-fetches
// whatever state its topic stands for.
package events

import (
	"sync"
	"time"

	"github.com/fruitsalade/projectd/internal/metrics"
)

// TopicProjects is the topic announcing that the project listing changed.
// Every other topic is a project name.
const TopicProjects = "PROJECTS"

// Event signals that the state behind Topic changed.
type Event struct {
	Topic     string `json:"topic"`
	Timestamp int64  `json:"timestamp"`
}

// Notifier fans out change signals to subscribers grouped by topic.
type Notifier struct {
	mu     sync.RWMutex
	topics map[string]map[chan Event]struct{}
	owners map[chan Event]string
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		topics: make(map[string]map[chan Event]struct{}),
		owners: make(map[chan Event]string),
	}
}

// Subscribe registers a subscriber on topic and returns its channel.
// The caller must call Unsubscribe when done.
//
// The channel holds a single pending signal. Further publishes while one is
// pending are coalesced, which is enough since subscribers re-fetch state.
func (n *Notifier) Subscribe(topic string) chan Event {
	ch := make(chan Event, 1)
	n.mu.Lock()
	subs, ok := n.topics[topic]
	if !ok {
		subs = make(map[chan Event]struct{})
		n.topics[topic] = subs
	}
	subs[ch] = struct{}{}
	n.owners[ch] = topic
	count := len(n.owners)
	n.mu.Unlock()
	metrics.SetNotifierSubscribers(count)
	return ch
}

// Unsubscribe removes a subscriber, wherever rename has moved it, and closes
// its channel. Unknown channels are ignored.
func (n *Notifier) Unsubscribe(ch chan Event) {
	n.mu.Lock()
	topic, ok := n.owners[ch]
	if !ok {
		n.mu.Unlock()
		return
	}
	delete(n.owners, ch)
	n.detach(topic, ch)
	close(ch)
	count := len(n.owners)
	n.mu.Unlock()
	metrics.SetNotifierSubscribers(count)
}

// Publish signals every subscriber of topic. It never blocks.
func (n *Notifier) Publish(topic string) {
	ev := Event{Topic: topic, Timestamp: time.Now().Unix()}
	n.mu.RLock()
	defer n.mu.RUnlock()
	for ch := range n.topics[topic] {
		select {
		case ch <- ev:
		default:
			// A signal is already pending.
			metrics.RecordNotification("coalesced")
		}
	}
	metrics.RecordNotification("published")
}

// Listeners returns the number of subscribers on topic.
func (n *Notifier) Listeners(topic string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.topics[topic])
}

// RemoveAll unsubscribes every subscriber of topic and closes their channels.
func (n *Notifier) RemoveAll(topic string) {
	n.mu.Lock()
	for ch := range n.topics[topic] {
		delete(n.owners, ch)
		close(ch)
	}
	delete(n.topics, topic)
	count := len(n.owners)
	n.mu.Unlock()
	metrics.SetNotifierSubscribers(count)
}

// Close unsubscribes everyone. Streams blocked on their channel see it
// closed and return.
func (n *Notifier) Close() {
	n.mu.Lock()
	for ch := range n.owners {
		close(ch)
	}
	n.topics = make(map[string]map[chan Event]struct{})
	n.owners = make(map[chan Event]string)
	n.mu.Unlock()
	metrics.SetNotifierSubscribers(0)
}

// Rename moves every subscriber of oldTopic onto newTopic, keeping their
// channels, and returns how many were moved. Subscribers already on newTopic
// are kept.
func (n *Notifier) Rename(oldTopic, newTopic string) int {
	if oldTopic == newTopic {
		return 0
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	subs := n.topics[oldTopic]
	if len(subs) == 0 {
		return 0
	}
	dst, ok := n.topics[newTopic]
	if !ok {
		dst = make(map[chan Event]struct{}, len(subs))
		n.topics[newTopic] = dst
	}
	for ch := range subs {
		dst[ch] = struct{}{}
		n.owners[ch] = newTopic
	}
	delete(n.topics, oldTopic)
	return len(subs)
}

// Count returns the total number of subscribers.
func (n *Notifier) Count() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.owners)
}

func (n *Notifier) detach(topic string, ch chan Event) {
	subs := n.topics[topic]
	delete(subs, ch)
	if len(subs) == 0 {
		delete(n.topics, topic)
	}
}
