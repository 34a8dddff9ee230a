// Package bridge is the single consumer of the tarpit's event bus. It
// fans every ClientEvent out to whichever optional collaborators are
// configured: persistence, the dashboard hub, and an external NATS
// subject for multi-instance aggregation.
package bridge

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/xtaci/sshtarpit/internal/dashboard"
	"github.com/xtaci/sshtarpit/internal/geoip"
	"github.com/xtaci/sshtarpit/internal/storage"
	"github.com/xtaci/sshtarpit/internal/tarpit"
)

// Logger is the subset of tarpit.Logger bridge needs.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Bridge owns the optional collaborators an event fan-out may drive.
type Bridge struct {
	Store  *storage.Store
	Geo    *geoip.Resolver
	Hub    *dashboard.Hub
	NATS   *nats.Conn
	Logger Logger

	// pending tracks connected_at and geo enrichment per remote address
	// so Disconnected events (which carry no geo enrichment) can still
	// produce a full persisted record.
	pending map[string]connInfo
}

type connInfo struct {
	connectedAt time.Time
	countryCode string
	countryName string
	city        string
	lat, lon    float64
}

// New creates a Bridge. Any of Store, Geo, Hub, NATS may be nil, in which
// case that collaborator is simply skipped.
func New(store *storage.Store, geo *geoip.Resolver, hub *dashboard.Hub, nc *nats.Conn, logger Logger) *Bridge {
	return &Bridge{
		Store:   store,
		Geo:     geo,
		Hub:     hub,
		NATS:    nc,
		Logger:  logger,
		pending: make(map[string]connInfo),
	}
}

// Run consumes bus until it's closed or ctx is cancelled.
func (b *Bridge) Run(ctx context.Context, bus <-chan tarpit.ClientEvent) {
	for {
		select {
		case ev, ok := <-bus:
			if !ok {
				return
			}
			b.handle(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) handle(ctx context.Context, ev tarpit.ClientEvent) {
	ip := addrIP(ev.Addr, ev.IP)
	ipStr := ip.String()
	// two scanners behind one NAT are distinct connections; key the
	// open-connection map by the full remote address, not just the IP.
	key := ev.Addr.String()

	switch ev.Kind {
	case tarpit.Connected:
		info := connInfo{connectedAt: ev.ConnectedAt}

		if b.Geo != nil {
			if geoInfo, err := b.Geo.Lookup(ip); err == nil {
				info.countryCode = geoInfo.CountryCode
				info.countryName = geoInfo.CountryName
				info.city = geoInfo.City
				info.lat = geoInfo.Latitude
				info.lon = geoInfo.Longitude
			}
		}

		b.pending[key] = info

		if b.Hub != nil {
			b.Hub.Connected(ip, info.countryCode, info.countryName, info.city, info.lat, info.lon, ev.ConnectedAt)
		}

		b.publishNATS("sshtarpit.connected", map[string]any{
			"ip":           ipStr,
			"connected_at": ev.ConnectedAt.Unix(),
		})

	case tarpit.Disconnected:
		info, known := b.pending[key]
		if known {
			delete(b.pending, key)
		} else {
			info = connInfo{connectedAt: ev.DisconnectedAt.Add(-ev.TimeSpent)}
		}

		if b.Hub != nil {
			b.Hub.Disconnected(ip, info.countryCode, info.countryName, info.city, info.lat, info.lon, ev.DisconnectedAt, ev.TimeSpent, ev.BytesSent)
		}

		if b.Store != nil {
			var geo *storage.GeoInfo
			if info.countryCode != "" {
				geo = &storage.GeoInfo{
					CountryCode: &info.countryCode,
					CountryName: &info.countryName,
					City:        &info.city,
					Latitude:    &info.lat,
					Longitude:   &info.lon,
				}
			}
			if _, err := b.Store.InsertConnection(ctx, ipStr, info.connectedAt, ev.DisconnectedAt, ev.TimeSpent, ev.BytesSent, geo); err != nil {
				if b.Logger != nil {
					b.Logger.Errorf("persisting connection record: %v", err)
				}
			}
		}

		b.publishNATS("sshtarpit.disconnected", map[string]any{
			"ip":              ipStr,
			"disconnected_at": ev.DisconnectedAt.Unix(),
			"time_spent_ms":   ev.TimeSpent.Milliseconds(),
			"bytes_sent":      ev.BytesSent,
		})
	}
}

func (b *Bridge) publishNATS(subject string, payload map[string]any) {
	if b.NATS == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := b.NATS.Publish(subject, data); err != nil && b.Logger != nil {
		b.Logger.Warnf("nats publish to %s failed: %v", subject, err)
	}
}

func addrIP(addr net.Addr, ip net.IP) net.IP {
	if ip != nil {
		return ip
	}
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return net.IPv4zero
	}
	return net.ParseIP(host)
}
