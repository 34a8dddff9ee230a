// Package dashboard is the optional web surface: a websocket event stream
// plus a small JSON API and a /metrics endpoint, fed by the tarpit's
// event bus through the bridge.
package dashboard

import (
	"encoding/json"
	"net"
	"sync"
	"time"
)

// Event is the wire shape pushed to every websocket client. Type is one
// of "init", "ready", "connected", "disconnected".
type Event struct {
	Type string `json:"type"`

	// Init
	Active []ActiveConnection `json:"active,omitempty"`

	// Connected / Disconnected
	IP          string  `json:"ip,omitempty"`
	CountryCode string  `json:"country_code,omitempty"`
	CountryName string  `json:"country_name,omitempty"`
	City        string  `json:"city,omitempty"`
	ConnectedAt int64   `json:"connected_at,omitempty"`
	Disc        int64   `json:"disconnected_at,omitempty"`
	TimeSpentMS int64   `json:"time_spent_ms,omitempty"`
	BytesSent   uint64  `json:"bytes_sent,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
}

// ActiveConnection is one row of the init snapshot handed to a newly
// connected dashboard client before live deltas start streaming.
type ActiveConnection struct {
	IP          string  `json:"ip"`
	CountryCode string  `json:"country_code,omitempty"`
	CountryName string  `json:"country_name,omitempty"`
	City        string  `json:"city,omitempty"`
	ConnectedAt int64   `json:"connected_at"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
}

// Hub tracks currently active connections and fans out events to every
// subscribed websocket.
type Hub struct {
	mu       sync.Mutex
	active   map[string]ActiveConnection
	subs     map[chan Event]struct{}
	capacity int

	// lifetime event counts, incremented exactly once per
	// Connected/Disconnected call regardless of how many websocket
	// subscribers observe the broadcast.
	connects    uint64
	disconnects uint64
}

// NewHub creates an empty Hub. capacity bounds each subscriber's outbound
// buffer; events to a slow websocket client are dropped rather than
// allowed to stall the broadcast.
func NewHub(capacity int) *Hub {
	return &Hub{
		active:   make(map[string]ActiveConnection),
		subs:     make(map[chan Event]struct{}),
		capacity: capacity,
	}
}

// Subscribe registers a new subscriber and returns its channel plus a
// snapshot of the currently active connections. The caller must call
// Unsubscribe when done.
func (h *Hub) Subscribe() (<-chan Event, []ActiveConnection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, h.capacity)
	h.subs[ch] = struct{}{}

	snapshot := make([]ActiveConnection, 0, len(h.active))
	for _, ac := range h.active {
		snapshot = append(snapshot, ac)
	}

	return ch, snapshot
}

// Unsubscribe removes and closes a subscriber's channel.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.subs {
		if c == ch {
			delete(h.subs, c)
			close(c)
			return
		}
	}
}

// Connected records ip as active and broadcasts the Connected event.
func (h *Hub) Connected(ip net.IP, countryCode, countryName, city string, lat, lon float64, connectedAt time.Time) {
	ac := ActiveConnection{
		IP:          ip.String(),
		CountryCode: countryCode,
		CountryName: countryName,
		City:        city,
		ConnectedAt: connectedAt.Unix(),
		Latitude:    lat,
		Longitude:   lon,
	}

	h.mu.Lock()
	h.active[ac.IP] = ac
	h.connects++
	h.mu.Unlock()

	h.broadcast(Event{
		Type:        "connected",
		IP:          ac.IP,
		CountryCode: countryCode,
		CountryName: countryName,
		City:        city,
		ConnectedAt: ac.ConnectedAt,
		Latitude:    lat,
		Longitude:   lon,
	})
}

// Disconnected removes ip from the active set and broadcasts the
// disconnected event, carrying the same geo enrichment Connected sent for
// this ip so a websocket client can render the departure on the map
// without having kept the earlier connected message.
func (h *Hub) Disconnected(ip net.IP, countryCode, countryName, city string, lat, lon float64, disconnectedAt time.Time, timeSpent time.Duration, bytesSent uint64) {
	key := ip.String()

	h.mu.Lock()
	delete(h.active, key)
	h.disconnects++
	h.mu.Unlock()

	h.broadcast(Event{
		Type:        "disconnected",
		IP:          key,
		CountryCode: countryCode,
		CountryName: countryName,
		City:        city,
		Disc:        disconnectedAt.Unix(),
		TimeSpentMS: timeSpent.Milliseconds(),
		BytesSent:   bytesSent,
		Latitude:    lat,
		Longitude:   lon,
	})
}

// Counts returns how many connected and disconnected events the hub has
// observed over its lifetime.
func (h *Hub) Counts() (connects, disconnects uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connects, h.disconnects
}

func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// MarshalInit builds the init event sent as the first websocket message.
func MarshalInit(active []ActiveConnection) ([]byte, error) {
	return json.Marshal(Event{Type: "init", Active: active})
}
