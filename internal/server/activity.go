package server

import (
	"context"
	"sync"
	"time"
)

const (
	ActivityEventReviewRecorded = "review-recorded"
	ActivityEventReviewUndone   = "review-undone"
)

// ActivityMessage is one entry in a user's review activity feed.
type ActivityMessage struct {
	UserID    string    `json:"-"`
	EventType string    `json:"event_type"`
	CardID    string    `json:"card_id"`
	DeckID    string    `json:"deck_id"`
	Grade     string    `json:"grade,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ActivityDispatcher fans review events out to per-user subscribers.
// Slow subscribers drop messages rather than block the review path.
type ActivityDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*activitySubscriber
	nextID      int64
	bufferSize  int
}

type activitySubscriber struct {
	id     int64
	stream chan ActivityMessage
}

// NewActivityDispatcher constructs an empty dispatcher.
func NewActivityDispatcher() *ActivityDispatcher {
	return &ActivityDispatcher{
		subscribers: make(map[string]map[int64]*activitySubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a feed for the user, cleaned up when the context
// ends or the returned cancel function runs.
func (d *ActivityDispatcher) Subscribe(ctx context.Context, userID string) (<-chan ActivityMessage, func()) {
	if userID == "" {
		ch := make(chan ActivityMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &activitySubscriber{
		id:     d.nextSequence(),
		stream: make(chan ActivityMessage, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(userID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the message to every subscriber of its user.
func (d *ActivityDispatcher) Publish(message ActivityMessage) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*activitySubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *ActivityDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *ActivityDispatcher) registerSubscriber(userID string, subscriber *activitySubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*activitySubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *ActivityDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
