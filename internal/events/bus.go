// Package events fans lifecycle notifications out to subscribers (the websocket stream, tests).
package events

import (
	"sync"
	"time"

	"github.com/AlexZinkM/canton-connect/internal/logging"
	"github.com/AlexZinkM/canton-connect/internal/model"
)

// Type names an event on the wire
type Type string

const (
	SessionConnected    Type = "session:connected"
	SessionDisconnected Type = "session:disconnected"
	SessionExpired      Type = "session:expired"
	WalletPairing       Type = "wallet:pairing"
	RegistryRefreshed   Type = "registry:refreshed"
)

// Reason distinguishes a fresh connect from a restored session
type Reason string

const (
	ReasonConnect Reason = "connect"
	ReasonRestore Reason = "restore"
)

// Pairing is the prompt an adapter raises while waiting for the user
type Pairing struct {
	URI string `json:"uri"`
	// QRCode is a base64 PNG of URI
	QRCode    string    `json:"qrCode,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Event is one notification. Session is always a copy.
type Event struct {
	Type     Type           `json:"type"`
	At       time.Time      `json:"at"`
	Reason   Reason         `json:"reason,omitempty"`
	WalletID model.WalletID `json:"walletId,omitempty"`
	Session  *model.Session `json:"session,omitempty"`
	Pairing  *Pairing       `json:"pairing,omitempty"`
	Channel  string         `json:"channel,omitempty"`
	Sequence uint64         `json:"sequence,omitempty"`
}

type subscriber struct {
	ch     chan Event
	closed bool
}

// Bus delivers every published event to every subscriber without blocking the publisher.
// A subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	logger logging.Logger
}

// NewBus creates an empty bus
func NewBus(logger logging.Logger) *Bus {
	if logger == nil {
		logger = logging.MustGetLogger("events")
	}
	return &Bus{subs: map[int]*subscriber{}, logger: logger}
}

// Subscribe registers a subscriber with the given buffer. cancel closes the channel and is
// safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	return s.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s.closed {
			return
		}
		s.closed = true
		delete(b.subs, id)
		close(s.ch)
	}
}

// Publish stamps ev (if unstamped) and hands it to every subscriber
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			b.logger.Warnw("dropping event for slow subscriber", "subscriber", id, "type", ev.Type)
		}
	}
}

// Len reports the number of live subscribers
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
