package server

import (
	"context"
	"strconv"
	"sync"
	"time"
)

const (
	RealtimeEventReport    = "report"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "qpick-api"
)

// RealtimeMessage announces an accepted report to live searchers of one product
// in one grid cell.
type RealtimeMessage struct {
	ProductID int64
	AreaKey   string
	EventType string
	StoreID   string
	Status    string
	Timestamp time.Time
}

func (m RealtimeMessage) topic() string {
	return realtimeTopic(m.ProductID, m.AreaKey)
}

func realtimeTopic(productID int64, areaKey string) string {
	return strconv.FormatInt(productID, 10) + "@" + areaKey
}

// RealtimeDispatcher fans messages out to subscribers by (product, area) topic.
// Slow subscribers miss messages instead of blocking publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, productID int64, areaKey string) (<-chan RealtimeMessage, func()) {
	if productID <= 0 || areaKey == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	topic := realtimeTopic(productID, areaKey)
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(topic, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(topic, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.ProductID <= 0 || message.AreaKey == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.topic()]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
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

// SubscriberCount reports how many live streams watch the topic.
func (d *RealtimeDispatcher) SubscriberCount(productID int64, areaKey string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[realtimeTopic(productID, areaKey)])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(topic string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[topic][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(topic string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}
