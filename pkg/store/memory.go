package store

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Memory is a Store for a single server process.
type Memory struct {
	values      map[string]string
	subscribers map[string]map[*memorySubscription]struct{}
	lock        sync.Mutex
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		values:      map[string]string{},
		subscribers: map[string]map[*memorySubscription]struct{}{},
	}
}

func (m *Memory) SetNX(_ context.Context, key, value string) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	return true, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	value, ok := m.values[key]
	return value, ok, nil
}

func (m *Memory) DeleteIfEqual(_ context.Context, key, value string) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if current, ok := m.values[key]; !ok || current != value {
		return false, nil
	}
	delete(m.values, key)
	return true, nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	for sub := range m.subscribers[channel] {
		select {
		case sub.messages <- payload:
		default:
			log.WithField("channel", channel).Warn("Subscriber is too slow, dropping message")
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string) (Subscription, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	sub := &memorySubscription{
		store:    m,
		channel:  channel,
		messages: make(chan []byte, subscriptionBuffer),
	}
	if m.subscribers[channel] == nil {
		m.subscribers[channel] = map[*memorySubscription]struct{}{}
	}
	m.subscribers[channel][sub] = struct{}{}
	return sub, nil
}

// Close closes all subscriptions.
func (m *Memory) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	for channel, subs := range m.subscribers {
		for sub := range subs {
			close(sub.messages)
		}
		delete(m.subscribers, channel)
	}
	return nil
}

type memorySubscription struct {
	store    *Memory
	channel  string
	messages chan []byte
}

func (sub *memorySubscription) Messages() <-chan []byte {
	return sub.messages
}

func (sub *memorySubscription) Close() error {
	sub.store.lock.Lock()
	defer sub.store.lock.Unlock()

	subs := sub.store.subscribers[sub.channel]
	if _, ok := subs[sub]; ok {
		delete(subs, sub)
		close(sub.messages)
	}
	return nil
}
