package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	log "github.com/sirupsen/logrus"

	"github.com/satsend/nwcpay/internal/errors"
)

// Transport owns one websocket connection to a relay for the duration of a
// payment attempt. It is not safe for concurrent use by multiple attempts;
// the session guarantees at most one attempt is outstanding.
type Transport struct {
	url string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	messages  chan Message
	done      chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

func NewTransport(url string) *Transport {
	return &Transport{
		url:      url,
		messages: make(chan Message, 32),
		done:     make(chan struct{}),
	}
}

// Connect dials the relay and starts the reader. Idempotent.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return errors.New(errors.ConnectionError, fmt.Errorf("could not connect to relay %s: %v", t.url, err))
	}
	log.Debugf("[Relay] connected to %s", t.url)
	t.conn = conn
	t.connected = true
	go t.readLoop()
	return nil
}

// Subscribe sends a REQ frame for the given subscription id and filter.
func (t *Transport) Subscribe(subscriptionID string, filter Filter) error {
	if err := t.writeJSON([]interface{}{"REQ", subscriptionID, filter}); err != nil {
		return errors.New(errors.SubscribeError, err)
	}
	log.Debugf("[Relay] subscribed %s on %s", subscriptionID, t.url)
	return nil
}

// Publish sends the signed event as an EVENT frame.
func (t *Transport) Publish(ev nostr.Event) error {
	if err := t.writeJSON([]interface{}{"EVENT", ev}); err != nil {
		return errors.New(errors.PublishError, err)
	}
	log.Debugf("[Relay] published event %s to %s", ev.ID, t.url)
	return nil
}

// Messages returns the stream of decoded relay frames. The channel closes
// when the socket closes or errors; Err reports the terminal cause.
func (t *Transport) Messages() <-chan Message {
	return t.messages
}

// Err returns the terminal socket error after Messages has closed.
func (t *Transport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// Close tears the connection down. Safe to call more than once.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		if t.conn != nil {
			// ignore close errors, the socket may already be gone
			_ = t.conn.Close()
		}
		t.connected = false
		t.mu.Unlock()
		log.Debugf("[Relay] closed connection to %s", t.url)
	})
}

func (t *Transport) writeJSON(frame interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return fmt.Errorf("not connected to %s", t.url)
	}
	return t.conn.WriteJSON(frame)
}

func (t *Transport) readLoop() {
	defer close(t.messages)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				// closed by us, not an error
			default:
				log.Debugf("[Relay] read error on %s: %v", t.url, err)
				t.setErr(errors.New(errors.ConnectionClosedError, err))
			}
			return
		}
		msg, err := ParseMessage(data)
		if err != nil {
			// a single bad frame must not kill the stream
			log.Debugf("[Relay] skipping unparseable frame from %s: %v", t.url, err)
			continue
		}
		select {
		case t.messages <- msg:
		case <-t.done:
			return
		}
	}
}

func (t *Transport) setErr(err error) {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.err == nil {
		t.err = err
	}
}
