// Package sink implements the downstream estimate sink: a TCP client
// connection to the backend tracking server that publishes one line per
// tag update, rate-limited to once per second per tag (spec §6).
package sink

import (
	"fmt"
	"net"
	"sync"

	"github.com/lat-frontend/latd/internal/geo"
	"github.com/lat-frontend/latd/internal/monitoring"
)

// minPublishInterval is the per-tag publication rate limit (spec §6): at
// most one update per tag per second. Updates arriving between emissions
// are coalesced; only the latest per tag is sent (spec §9 clarification).
const minPublishInterval = 1.0

// Publisher owns the outbound connection to the backend server and the
// per-tag last-publish timestamps used for throttling.
type Publisher struct {
	conn net.Conn

	mu   sync.Mutex
	last map[uint32]float64
}

// Dial connects to the backend tracking server at hostname:port, mirroring
// the original LatServer.connect's client-dial behaviour.
func Dial(hostname string, port int) (*Publisher, error) {
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", hostname, port))
	if err != nil {
		return nil, fmt.Errorf("sink: connect to backend at %s:%d: %w", hostname, port, err)
	}
	return &Publisher{conn: conn, last: make(map[uint32]float64)}, nil
}

// Publish sends "<tag_id> <x.2f> <y.2f>\r\n" for tagID's new position, if
// at least minPublishInterval seconds have passed since its last
// publication (measured against ts, the estimate's own timestamp, so
// throttling is deterministic under replay as well as live operation).
func (p *Publisher) Publish(tagID uint32, pt geo.Point, ts float64) {
	p.mu.Lock()
	last, seen := p.last[tagID]
	if seen && ts-last < minPublishInterval {
		p.mu.Unlock()
		return
	}
	p.last[tagID] = ts
	p.mu.Unlock()

	line := fmt.Sprintf("%d %.2f %.2f\r\n", tagID, pt.X, pt.Y)
	if _, err := p.conn.Write([]byte(line)); err != nil {
		monitoring.Logf("sink: publish tag %d: %v", tagID, err)
	}
}

// Close closes the backend connection.
func (p *Publisher) Close() error {
	return p.conn.Close()
}

// NewForTesting builds a Publisher around an already-established
// connection (e.g. one half of a net.Pipe), bypassing Dial.
func NewForTesting(conn net.Conn) *Publisher {
	return &Publisher{conn: conn, last: make(map[uint32]float64)}
}
