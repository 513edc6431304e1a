// Package evloop is the worker's local I/O watcher (spec §4.5: "Installs
// an I/O watcher with (client_fd, server_fd). A worker is single-threaded;
// the event loop is local to the worker."). Go has no portable way to
// block a goroutine on a cancellable read of an arbitrary net.Conn, so a
// Watcher approximates the epoll-style watcher with a short-interval
// deadline poll: each Watcher owns exactly one goroutine that blocks for
// at most pollInterval per attempt and checks for a stop signal between
// attempts, so Stop always returns with the goroutine parked and the
// connection safe to hand to a new owner (e.g. back to the pool).
//
// A poll's deadline can expire in the middle of a frame — the raw bytes
// already off the wire for a kind byte or a partial length/payload must
// not be thrown away, or the next poll resumes parsing at the wrong
// offset and desynchronizes the whole connection. The watcher therefore
// reads raw bytes into its own buffer and only assembles a Message once
// a full frame has accumulated; a timed-out read never discards a
// partially read frame, it just tries again on the next poll.
package evloop

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/dbbouncer/pgagroal/internal/protocol"
)

// DefaultPollInterval bounds how long a Stop can take to observe and
// return — short enough that workers feel event-driven, long enough that
// idle connections don't spin.
const DefaultPollInterval = 50 * time.Millisecond

// Event is one frame (or terminal error) read off a watched connection.
type Event struct {
	Msg protocol.Message
	Err error
}

// Watcher reads complete frames off one connection and publishes them on
// a channel, stopping cleanly on Stop() without leaving a read in flight.
type Watcher struct {
	conn         net.Conn
	pollInterval time.Duration
	events       chan Event
	stop         chan struct{}
	wg           sync.WaitGroup

	buf []byte // raw bytes read but not yet assembled into a complete frame
}

// NewWatcher builds a Watcher over conn. Call Start to begin reading.
func NewWatcher(conn net.Conn, pollInterval time.Duration) *Watcher {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Watcher{
		conn:         conn,
		pollInterval: pollInterval,
		events:       make(chan Event, 1),
		stop:         make(chan struct{}),
	}
}

// Events returns the channel frames (and the terminal read error, if any)
// are published on.
func (w *Watcher) Events() <-chan Event { return w.events }

// Start launches the watcher's read loop.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
}

func (w *Watcher) run() {
	defer w.wg.Done()
	chunk := make([]byte, 4096)
	for {
		select {
		case <-w.stop:
			return
		default:
		}

		msg, ok, err := w.tryAssemble()
		if err != nil {
			w.publish(Event{Err: err})
			return
		}
		if ok {
			if !w.publish(Event{Msg: msg}) {
				return
			}
			continue
		}

		w.conn.SetReadDeadline(time.Now().Add(w.pollInterval))
		n, err := w.conn.Read(chunk)
		if n > 0 {
			w.buf = append(w.buf, chunk[:n]...)
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			w.publish(Event{Err: err})
			return
		}
	}
}

// tryAssemble parses one complete frame off the front of w.buf. It only
// ever consumes bytes already buffered locally — never from the wire —
// so a poll that finds an incomplete frame simply returns ok=false and
// leaves those bytes for the next attempt to extend.
func (w *Watcher) tryAssemble() (protocol.Message, bool, error) {
	const headerLen = 5 // 1-byte kind + 4-byte big-endian length
	if len(w.buf) < headerLen {
		return protocol.Message{}, false, nil
	}
	kind := w.buf[0]
	length := int(binary.BigEndian.Uint32(w.buf[1:headerLen]))
	if length < 4 || length-4 > protocol.MaxMessageSize {
		return protocol.Message{}, false, protocol.ErrMessageTooLarge
	}
	total := 1 + length
	if len(w.buf) < total {
		return protocol.Message{}, false, nil
	}

	payload := make([]byte, length-4)
	copy(payload, w.buf[headerLen:total])
	w.buf = w.buf[total:]
	return protocol.Message{Kind: kind, Payload: payload}, true, nil
}

// publish delivers e, returning false if the watcher was stopped first.
func (w *Watcher) publish(e Event) bool {
	select {
	case w.events <- e:
		return true
	case <-w.stop:
		return false
	}
}

// Stop signals the read loop to exit and waits for it to actually park,
// then clears any deadline the poll left on the connection so the next
// owner starts from a clean slate. Safe to call once; safe to call on a
// Watcher that was never Start()ed.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
	}
	w.wg.Wait()
	w.conn.SetReadDeadline(time.Time{})
}
