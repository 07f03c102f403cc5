package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	uuid "github.com/satori/go.uuid"
	log "github.com/sirupsen/logrus"

	"github.com/satsend/nwcpay/internal"
	"github.com/satsend/nwcpay/internal/errors"
	"github.com/satsend/nwcpay/internal/lnurl"
	"github.com/satsend/nwcpay/internal/nwc"
	"github.com/satsend/nwcpay/internal/rate"
	"github.com/satsend/nwcpay/internal/relay"
	"github.com/satsend/nwcpay/internal/runtime"
	"github.com/satsend/nwcpay/internal/storage/history"
)

type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateIdle
	StateResolving
	StateRequesting
	StateAwaitingResponse
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateRequesting:
		return "requesting"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateCompleted:
		return "completed"
	}
	return "unknown"
}

// Outcome is the terminal verdict of one payment attempt. It stays on the
// session until the caller acknowledges it.
type Outcome struct {
	Succeeded bool
	Preimage  string
	Code      errors.Kind
	Reason    string

	Address   string
	AmountSat int64
	Invoice   string
}

// Resolver turns a lightning address and an amount into a bolt11 invoice.
type Resolver interface {
	FetchInvoice(ctx context.Context, address string, amountSat int64) (string, error)
}

// Transport is one relay connection scoped to a single payment attempt.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(subscriptionID string, filter relay.Filter) error
	Publish(ev nostr.Event) error
	Messages() <-chan relay.Message
	Err() error
	Close()
}

// Dialer builds the transport for a relay URL. Swapped out in tests.
type Dialer func(relayURL string) Transport

// Session drives one wallet connection through the payment state machine.
// It exclusively owns the derived keys and the per-attempt transport; all
// exported methods are safe for concurrent use.
type Session struct {
	mu      sync.Mutex
	state   State
	conn    *nwc.Connection
	keys    *nwc.Keys
	outcome *Outcome

	// per-attempt, reset on complete
	transport Transport
	cancel    context.CancelFunc

	resolver Resolver
	dial     Dialer
	timeout  time.Duration
	history  *history.Store
}

type Option func(*Session)

func WithResolver(r Resolver) Option {
	return func(s *Session) { s.resolver = r }
}

func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dial = d }
}

func WithTimeout(d time.Duration) Option {
	return func(s *Session) { s.timeout = d }
}

func WithHistory(store *history.Store) Option {
	return func(s *Session) { s.history = store }
}

func New(opts ...Option) *Session {
	s := &Session{
		state:   StateDisconnected,
		timeout: time.Duration(internal.Configuration.Pay.ResponseTimeout) * time.Second,
		dial: func(relayURL string) Transport {
			return relay.NewTransport(relayURL)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.timeout <= 0 {
		s.timeout = 30 * time.Second
	}
	return s
}

// Connect parses the capability URI and derives the session keys. No
// network traffic happens here; the relay is dialed per payment attempt.
func (s *Session) Connect(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDisconnected {
		return errors.New(errors.InvalidStateError, fmt.Errorf("already connected, log out first"))
	}

	conn, err := nwc.ParseURI(uri)
	if err != nil {
		return err
	}
	keys, err := nwc.DeriveKeys(conn)
	if err != nil {
		return err
	}

	s.conn = conn
	s.keys = keys
	s.state = StateConnected
	log.Infof("[Session] connected, client pubkey %s, relay %s", keys.PublicKey, conn.RelayURL)
	return nil
}

// State returns the current machine state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Outcome returns the unacknowledged terminal outcome, or nil.
func (s *Session) Outcome() *Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// AddressHint returns the default recipient from the capability URI, if any.
func (s *Session) AddressHint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return s.conn.AddressHint
}

// Pay runs one complete payment attempt: resolve the address, dial the
// relay, publish the signed request and wait for the wallet's verdict. It
// blocks until the attempt reaches Completed and returns the outcome; any
// sub-step failure is itself a terminal outcome, there are no automatic
// retries. Only one attempt may be outstanding.
func (s *Session) Pay(ctx context.Context, address string, amountSat int64) (*Outcome, error) {
	if err := rate.CheckLimit(ctx, address); err != nil {
		return nil, err
	}

	s.mu.Lock()
	switch s.state {
	case StateResolving, StateRequesting, StateAwaitingResponse:
		s.mu.Unlock()
		return nil, errors.New(errors.AttemptInProgressError, fmt.Errorf("a payment attempt is already outstanding"))
	case StateDisconnected:
		s.mu.Unlock()
		return nil, errors.New(errors.NotConnectedError, fmt.Errorf("no wallet connection"))
	case StateCompleted:
		s.mu.Unlock()
		return nil, errors.New(errors.InvalidStateError, fmt.Errorf("previous outcome not acknowledged"))
	}
	if amountSat <= 0 {
		s.mu.Unlock()
		return nil, errors.New(errors.AmountOutOfRangeError, fmt.Errorf("amount must be positive, got %d", amountSat))
	}
	resolver := s.resolver
	conn := s.conn
	keys := s.keys
	attemptCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = StateResolving
	s.mu.Unlock()
	defer cancel()

	// a logout that races the attempt drops the outcome
	finish := func(outcome *Outcome) (*Outcome, error) {
		if out := s.complete(outcome); out != nil {
			return out, nil
		}
		return nil, errors.New(errors.NotConnectedError, fmt.Errorf("session was logged out"))
	}

	if resolver == nil {
		r, err := lnurl.NewResolver()
		if err != nil {
			return finish(s.failure(address, amountSat, "", err))
		}
		resolver = r
	}

	log.Infof("[Session] resolving %s for %d sat", address, amountSat)
	invoice, err := resolver.FetchInvoice(attemptCtx, address, amountSat)
	if err != nil {
		return finish(s.failure(address, amountSat, "", err))
	}

	if !s.advance(StateResolving, StateRequesting) {
		return nil, errors.New(errors.NotConnectedError, fmt.Errorf("session was logged out"))
	}

	return finish(s.request(attemptCtx, conn, keys, address, amountSat, invoice))
}

// request performs the relay round trip for an already resolved invoice.
func (s *Session) request(ctx context.Context, conn *nwc.Connection, keys *nwc.Keys, address string, amountSat int64, invoice string) *Outcome {
	transport := s.dial(conn.RelayURL)
	s.mu.Lock()
	s.transport = transport
	s.mu.Unlock()

	if err := transport.Connect(ctx); err != nil {
		return s.failure(address, amountSat, invoice, err)
	}

	ev, err := nwc.BuildPaymentEvent(keys, conn.ServicePubkey, invoice)
	if err != nil {
		return s.failure(address, amountSat, invoice, err)
	}

	// subscribe before publishing so the response cannot slip past us
	subscriptionID := uuid.NewV4().String()
	filter := relay.Filter{
		Kinds:   []int{nwc.KindWalletResponse},
		Authors: []string{conn.ServicePubkey},
		PTags:   []string{keys.PublicKey},
		Since:   time.Now().Add(-time.Minute).Unix(),
	}
	if err := transport.Subscribe(subscriptionID, filter); err != nil {
		return s.failure(address, amountSat, invoice, err)
	}
	if err := transport.Publish(*ev); err != nil {
		return s.failure(address, amountSat, invoice, err)
	}

	if !s.advance(StateRequesting, StateAwaitingResponse) {
		return s.failure(address, amountSat, invoice,
			errors.New(errors.NotConnectedError, fmt.Errorf("session was logged out")))
	}

	interpreter := nwc.NewInterpreter(keys, conn.ServicePubkey, subscriptionID, ev.ID)
	return s.await(ctx, transport, interpreter, ev.ID, address, amountSat, invoice)
}

// await consumes the relay stream until the wallet's response classifies
// the attempt, the relay rejects the request, the stream dies or the
// timeout window closes.
func (s *Session) await(ctx context.Context, transport Transport, interpreter *nwc.Interpreter, requestEventID, address string, amountSat int64, invoice string) *Outcome {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.failure(address, amountSat, invoice,
				errors.New(errors.TimeoutError, fmt.Errorf("attempt aborted: %v", ctx.Err())))

		case <-timer.C:
			log.Warnf("[Session] no response from wallet service within %s", s.timeout)
			return s.failure(address, amountSat, invoice,
				errors.New(errors.TimeoutError, fmt.Errorf("no response within %s", s.timeout)))

		case msg, ok := <-transport.Messages():
			if !ok {
				err := transport.Err()
				if err == nil {
					err = errors.New(errors.ConnectionClosedError, fmt.Errorf("relay closed the connection"))
				}
				return s.failure(address, amountSat, invoice, err)
			}
			switch m := msg.(type) {
			case relay.OK:
				if m.EventID != requestEventID {
					continue
				}
				if !m.Accepted {
					return s.failure(address, amountSat, invoice,
						errors.New(errors.RelayRejectedError, fmt.Errorf("relay rejected the request: %s", m.Reason)))
				}
				log.Debugf("[Session] relay accepted request %s", m.EventID)
			case relay.Event:
				if result, done := interpreter.Classify(m.SubscriptionID, m.Event); done {
					if result.Succeeded {
						log.Infof("[Session] payment to %s succeeded", address)
						return &Outcome{
							Succeeded: true,
							Preimage:  result.Preimage,
							Address:   address,
							AmountSat: amountSat,
							Invoice:   invoice,
						}
					}
					log.Warnf("[Session] wallet service reported failure: %s %s", result.Code, result.Message)
					return &Outcome{
						Code:      errors.PaymentFailedError,
						Reason:    fmt.Sprintf("%s: %s", result.Code, result.Message),
						Address:   address,
						AmountSat: amountSat,
						Invoice:   invoice,
					}
				}
			case relay.Notice:
				log.Warnf("[Session] relay notice: %s", m.Text)
			case relay.EndOfStoredEvents:
				log.Debugf("[Session] end of stored events for %s", m.SubscriptionID)
			case relay.Empty:
			}
		}
	}
}

// Acknowledge consumes a terminal outcome: the attempt is appended to the
// history and the session returns to Idle, keeping the connection.
func (s *Session) Acknowledge() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCompleted {
		return errors.New(errors.InvalidStateError, fmt.Errorf("nothing to acknowledge in state %s", s.state))
	}
	if s.history != nil && s.outcome != nil {
		record := history.NewRecord()
		record.Address = s.outcome.Address
		record.AmountSat = s.outcome.AmountSat
		record.Invoice = s.outcome.Invoice
		record.Succeeded = s.outcome.Succeeded
		record.Preimage = s.outcome.Preimage
		record.Reason = s.outcome.Reason
		runtime.IgnoreError(s.history.Append(record))
	}
	s.outcome = nil
	s.state = StateIdle
	return nil
}

// History lists the acknowledged attempts of this connection.
func (s *Session) History() ([]history.Record, error) {
	s.mu.Lock()
	store := s.history
	s.mu.Unlock()
	if store == nil {
		return nil, nil
	}
	return store.List()
}

// Logout drops the connection from any state: an in-flight attempt is
// aborted, keys and outcome are discarded and the history is wiped.
func (s *Session) Logout() {
	s.mu.Lock()
	cancel := s.cancel
	transport := s.transport
	store := s.history
	s.cancel = nil
	s.transport = nil
	s.conn = nil
	s.keys = nil
	s.outcome = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if transport != nil {
		transport.Close()
	}
	if store != nil {
		runtime.IgnoreError(store.Clear())
	}
	log.Infof("[Session] logged out")
}

// advance moves from one in-flight state to the next. It reports false when
// the attempt was torn down underneath us (logout).
func (s *Session) advance(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

// complete parks the outcome and releases the attempt's transport. A logout
// that raced the attempt wins: the outcome is dropped and the session stays
// Disconnected.
func (s *Session) complete(outcome *Outcome) *Outcome {
	s.mu.Lock()
	transport := s.transport
	s.transport = nil
	s.cancel = nil
	switch s.state {
	case StateResolving, StateRequesting, StateAwaitingResponse:
		s.outcome = outcome
		s.state = StateCompleted
	default:
		outcome = nil
	}
	s.mu.Unlock()

	if transport != nil {
		transport.Close()
	}
	return outcome
}

func (s *Session) failure(address string, amountSat int64, invoice string, err error) *Outcome {
	log.Errorf("[Session] attempt for %s failed: %v", address, err)
	return &Outcome{
		Code:      errors.KindOf(err),
		Reason:    err.Error(),
		Address:   address,
		AmountSat: amountSat,
		Invoice:   invoice,
	}
}
