package sink

import (
	"bufio"
	"net"
	"testing"

	"github.com/lat-frontend/latd/internal/geo"
)

func newTestPublisher(t *testing.T) (*Publisher, *bufio.Reader) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	p := &Publisher{conn: client, last: make(map[uint32]float64)}
	return p, bufio.NewReader(server)
}

func TestPublishFormatsLine(t *testing.T) {
	p, r := newTestPublisher(t)
	done := make(chan string, 1)
	go func() {
		line, _ := r.ReadString('\n')
		done <- line
	}()

	p.Publish(7, geo.Point{X: 1.5, Y: 2.25}, 100)
	line := <-done
	if line != "7 1.50 2.25\r\n" {
		t.Fatalf("unexpected line: %q", line)
	}
}

func TestPublishThrottlesPerTag(t *testing.T) {
	p, r := newTestPublisher(t)
	lines := make(chan string, 4)
	go func() {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			lines <- line
		}
	}()

	p.Publish(7, geo.Point{X: 0, Y: 0}, 100.0)
	p.Publish(7, geo.Point{X: 1, Y: 1}, 100.5) // within 1s, should be dropped
	p.Publish(7, geo.Point{X: 2, Y: 2}, 101.0) // exactly 1s later, should publish

	first := <-lines
	second := <-lines
	if first != "7 0.00 0.00\r\n" {
		t.Fatalf("unexpected first line: %q", first)
	}
	if second != "7 2.00 2.00\r\n" {
		t.Fatalf("unexpected second line: %q", second)
	}
	select {
	case extra := <-lines:
		t.Fatalf("unexpected extra line: %q", extra)
	default:
	}
}
