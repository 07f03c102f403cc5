package nwc

import (
	"encoding/json"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/satsend/nwcpay/internal/errors"
)

type payInvoiceParams struct {
	Invoice string `json:"invoice"`
}

type walletRequest struct {
	Method string           `json:"method"`
	Params payInvoiceParams `json:"params"`
}

// BuildPaymentEvent builds the signed pay_invoice request event: the
// JSON-RPC payload is encrypted with the shared secret and wrapped in a kind
// 23194 event p-tagged to the wallet service. Sign sets both the event id
// (hash over [0, pubkey, created_at, kind, tags, content]) and the Schnorr
// signature.
func BuildPaymentEvent(keys *Keys, servicePubkey string, invoice string) (*nostr.Event, error) {
	payload, err := json.Marshal(walletRequest{
		Method: "pay_invoice",
		Params: payInvoiceParams{Invoice: invoice},
	})
	if err != nil {
		return nil, errors.New(errors.SerializationError, err)
	}

	ciphertext, err := keys.Encrypt(string(payload))
	if err != nil {
		return nil, err
	}

	ev := nostr.Event{
		PubKey:    keys.PublicKey,
		CreatedAt: time.Now(),
		Kind:      KindWalletRequest,
		Tags:      nostr.Tags{nostr.Tag{"p", servicePubkey}},
		Content:   ciphertext,
	}
	if err := ev.Sign(keys.secretKey); err != nil {
		return nil, errors.New(errors.SigningError, err)
	}
	return &ev, nil
}
