package session

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/stretchr/testify/require"

	"github.com/satsend/nwcpay/internal/errors"
	"github.com/satsend/nwcpay/internal/nwc"
	"github.com/satsend/nwcpay/internal/relay"
	"github.com/satsend/nwcpay/internal/storage"
	"github.com/satsend/nwcpay/internal/storage/history"
)

type fakeResolver struct {
	invoice string
	err     error
}

func (f *fakeResolver) FetchInvoice(ctx context.Context, address string, amountSat int64) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.invoice, nil
}

// fakeTransport plays the relay plus wallet service: onPublish sees the
// client's signed request and may feed frames back through the messages
// channel.
type fakeTransport struct {
	mu        sync.Mutex
	messages  chan relay.Message
	subID     string
	filter    relay.Filter
	published []nostr.Event
	closed    bool
	onPublish func(subID string, ev nostr.Event)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{messages: make(chan relay.Message, 8)}
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }

func (f *fakeTransport) Subscribe(subscriptionID string, filter relay.Filter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subID = subscriptionID
	f.filter = filter
	return nil
}

func (f *fakeTransport) Publish(ev nostr.Event) error {
	f.mu.Lock()
	f.published = append(f.published, ev)
	subID := f.subID
	cb := f.onPublish
	f.mu.Unlock()
	if cb != nil {
		cb(subID, ev)
	}
	return nil
}

func (f *fakeTransport) Messages() <-chan relay.Message { return f.messages }

func (f *fakeTransport) Err() error { return nil }

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type walletService struct {
	secret string
	pubkey string
}

func newWalletService(t *testing.T) *walletService {
	t.Helper()
	secret := nostr.GeneratePrivateKey()
	pubkey, err := nostr.GetPublicKey(secret)
	require.NoError(t, err)
	return &walletService{secret: secret, pubkey: pubkey}
}

func (ws *walletService) uri() string {
	return fmt.Sprintf("nostr+walletconnect://%s?relay=wss://relay.test&secret=%s&lud16=alice@example.com",
		ws.pubkey, nostr.GeneratePrivateKey())
}

// respond decrypts the request, checks it is a pay_invoice and answers with
// a signed response event carrying the given payload.
func (ws *walletService) respond(t *testing.T, transport *fakeTransport, payload string) func(string, nostr.Event) {
	t.Helper()
	return func(subID string, request nostr.Event) {
		require.Equal(t, nwc.KindWalletRequest, request.Kind)
		shared, err := nip04.ComputeSharedSecret(request.PubKey, ws.secret)
		require.NoError(t, err)
		plaintext, err := nip04.Decrypt(request.Content, shared)
		require.NoError(t, err)
		var body struct {
			Method string `json:"method"`
			Params struct {
				Invoice string `json:"invoice"`
			} `json:"params"`
		}
		require.NoError(t, json.Unmarshal([]byte(plaintext), &body))
		require.Equal(t, "pay_invoice", body.Method)
		require.NotEmpty(t, body.Params.Invoice)

		ciphertext, err := nip04.Encrypt(payload, shared)
		require.NoError(t, err)
		response := nostr.Event{
			PubKey:    ws.pubkey,
			CreatedAt: time.Now(),
			Kind:      nwc.KindWalletResponse,
			Tags:      nostr.Tags{nostr.Tag{"p", request.PubKey}, nostr.Tag{"e", request.ID}},
			Content:   ciphertext,
		}
		require.NoError(t, response.Sign(ws.secret))

		transport.messages <- relay.OK{EventID: request.ID, Accepted: true}
		transport.messages <- relay.Event{SubscriptionID: subID, Event: response}
	}
}

func testHistory(t *testing.T) *history.Store {
	t.Helper()
	db, err := storage.NewBunt(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return history.NewStore(db)
}

func newTestSession(t *testing.T, ws *walletService, transport *fakeTransport, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{
		WithResolver(&fakeResolver{invoice: "lnbc210n1testinvoice"}),
		WithDialer(func(relayURL string) Transport { return transport }),
		WithTimeout(5 * time.Second),
	}, opts...)
	s := New(opts...)
	require.NoError(t, s.Connect(ws.uri()))
	return s
}

func TestPaySucceeds(t *testing.T) {
	ws := newWalletService(t)
	transport := newFakeTransport()
	store := testHistory(t)
	s := newTestSession(t, ws, transport, WithHistory(store))
	transport.onPublish = ws.respond(t, transport, `{"result_type":"pay_invoice","result":{"preimage":"00ff00ff"}}`)

	require.Equal(t, StateConnected, s.State())
	require.Equal(t, "alice@example.com", s.AddressHint())

	outcome, err := s.Pay(context.Background(), "alice@example.com", 21)
	require.NoError(t, err)
	require.True(t, outcome.Succeeded)
	require.Equal(t, "00ff00ff", outcome.Preimage)
	require.Equal(t, "alice@example.com", outcome.Address)
	require.EqualValues(t, 21, outcome.AmountSat)
	require.Equal(t, StateCompleted, s.State())
	require.True(t, transport.isClosed())

	// the subscription targets the wallet service's responses
	require.Equal(t, []int{nwc.KindWalletResponse}, transport.filter.Kinds)
	require.Equal(t, []string{ws.pubkey}, transport.filter.Authors)

	require.NoError(t, s.Acknowledge())
	require.Equal(t, StateIdle, s.State())
	require.Nil(t, s.Outcome())

	records, err := s.History()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.True(t, records[0].Succeeded)
	require.Equal(t, "00ff00ff", records[0].Preimage)
}

func TestPayWalletError(t *testing.T) {
	ws := newWalletService(t)
	transport := newFakeTransport()
	s := newTestSession(t, ws, transport)
	transport.onPublish = ws.respond(t, transport, `{"result_type":"pay_invoice","error":{"code":"INSUFFICIENT_BALANCE","message":"not enough funds"}}`)

	outcome, err := s.Pay(context.Background(), "alice@example.com", 21)
	require.NoError(t, err)
	require.False(t, outcome.Succeeded)
	require.Equal(t, errors.PaymentFailedError, outcome.Code)
	require.Contains(t, outcome.Reason, "INSUFFICIENT_BALANCE")
	require.Equal(t, StateCompleted, s.State())
}

func TestPayRelayRejects(t *testing.T) {
	ws := newWalletService(t)
	transport := newFakeTransport()
	s := newTestSession(t, ws, transport)
	transport.onPublish = func(subID string, ev nostr.Event) {
		transport.messages <- relay.OK{EventID: ev.ID, Accepted: false, Reason: "blocked: pow required"}
	}

	outcome, err := s.Pay(context.Background(), "alice@example.com", 21)
	require.NoError(t, err)
	require.False(t, outcome.Succeeded)
	require.Equal(t, errors.RelayRejectedError, outcome.Code)
	require.Contains(t, outcome.Reason, "pow required")
	require.True(t, transport.isClosed())
}

func TestPayTimeout(t *testing.T) {
	ws := newWalletService(t)
	transport := newFakeTransport()
	s := newTestSession(t, ws, transport, WithTimeout(50*time.Millisecond))

	outcome, err := s.Pay(context.Background(), "alice@example.com", 21)
	require.NoError(t, err)
	require.False(t, outcome.Succeeded)
	require.Equal(t, errors.TimeoutError, outcome.Code)
	require.Equal(t, StateCompleted, s.State())
	require.True(t, transport.isClosed())
}

func TestPayResolverFailure(t *testing.T) {
	ws := newWalletService(t)
	transport := newFakeTransport()
	s := newTestSession(t, ws, transport,
		WithResolver(&fakeResolver{err: errors.New(errors.AmountOutOfRangeError, fmt.Errorf("amount out of bounds"))}))

	outcome, err := s.Pay(context.Background(), "alice@example.com", 1)
	require.NoError(t, err)
	require.False(t, outcome.Succeeded)
	require.Equal(t, errors.AmountOutOfRangeError, outcome.Code)
	require.Equal(t, StateCompleted, s.State())
	// nothing was published, the relay was never needed
	require.Empty(t, transport.published)
}

func TestConnectRejectsBadURI(t *testing.T) {
	s := New()
	require.Error(t, s.Connect("https://not-a-wallet.example.com"))
	require.Equal(t, StateDisconnected, s.State())
}

func TestStateGuards(t *testing.T) {
	ws := newWalletService(t)
	transport := newFakeTransport()

	// pay before connect
	s := New(WithDialer(func(string) Transport { return transport }))
	_, err := s.Pay(context.Background(), "alice@example.com", 21)
	require.Equal(t, errors.NotConnectedError, errors.KindOf(err))

	// acknowledge with nothing completed
	s = newTestSession(t, ws, transport)
	require.Equal(t, errors.InvalidStateError, errors.KindOf(s.Acknowledge()))

	// connect twice
	require.Equal(t, errors.InvalidStateError, errors.KindOf(s.Connect(ws.uri())))

	// pay again before acknowledging the outcome
	transport.onPublish = ws.respond(t, transport, `{"result_type":"pay_invoice","result":{"preimage":"00ff"}}`)
	_, err = s.Pay(context.Background(), "alice@example.com", 21)
	require.NoError(t, err)
	_, err = s.Pay(context.Background(), "alice@example.com", 21)
	require.Equal(t, errors.InvalidStateError, errors.KindOf(err))
}

func TestPayRejectsConcurrentAttempt(t *testing.T) {
	ws := newWalletService(t)
	transport := newFakeTransport()
	s := newTestSession(t, ws, transport, WithTimeout(5*time.Second))

	// first attempt blocks in AwaitingResponse until we answer
	firstDone := make(chan *Outcome, 1)
	go func() {
		outcome, err := s.Pay(context.Background(), "alice@example.com", 21)
		require.NoError(t, err)
		firstDone <- outcome
	}()

	require.Eventually(t, func() bool {
		return s.State() == StateAwaitingResponse
	}, 5*time.Second, 5*time.Millisecond)

	_, err := s.Pay(context.Background(), "alice@example.com", 21)
	require.Equal(t, errors.AttemptInProgressError, errors.KindOf(err))

	// settle the first attempt
	transport.mu.Lock()
	request := transport.published[0]
	subID := transport.subID
	transport.mu.Unlock()
	ws.respond(t, transport, `{"result_type":"pay_invoice","result":{"preimage":"00ff"}}`)(subID, request)

	select {
	case outcome := <-firstDone:
		require.True(t, outcome.Succeeded)
	case <-time.After(5 * time.Second):
		t.Fatal("first attempt did not settle")
	}
}

func TestLogoutAbortsAttemptAndClearsHistory(t *testing.T) {
	ws := newWalletService(t)
	transport := newFakeTransport()
	store := testHistory(t)
	s := newTestSession(t, ws, transport, WithHistory(store))

	payDone := make(chan error, 1)
	go func() {
		_, err := s.Pay(context.Background(), "alice@example.com", 21)
		payDone <- err
	}()

	require.Eventually(t, func() bool {
		return s.State() == StateAwaitingResponse
	}, 5*time.Second, 5*time.Millisecond)

	s.Logout()
	require.Equal(t, StateDisconnected, s.State())
	require.True(t, transport.isClosed())

	select {
	case err := <-payDone:
		require.Equal(t, errors.NotConnectedError, errors.KindOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("aborted attempt did not return")
	}

	records, err := store.List()
	require.NoError(t, err)
	require.Empty(t, records)
}
