package nwc

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/satsend/nwcpay/internal/errors"
)

const (
	Scheme = "nostr+walletconnect"
	// spelling used by early wallet connect implementations
	LegacyScheme = "nostrwalletconnect"

	KindWalletRequest  = 23194
	KindWalletResponse = 23195
)

// Connection holds the session parameters extracted from a wallet connect
// capability URI. Immutable once parsed.
type Connection struct {
	ServicePubkey string // hex-encoded x-only key of the wallet service
	RelayURL      string
	ClientSecret  string // hex-encoded 32-byte scalar
	AddressHint   string // optional lud16 default recipient
}

// ParseURI parses a nostr+walletconnect:// URI into a Connection. Pure, no
// network access.
func ParseURI(raw string) (*Connection, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, errors.New(errors.MalformedUriError, fmt.Errorf("could not parse uri: %v", err))
	}
	if u.Scheme != Scheme && u.Scheme != LegacyScheme {
		return nil, errors.New(errors.MalformedUriError, fmt.Errorf("unexpected scheme %q", u.Scheme))
	}

	servicePubkey := u.Host
	if err := validatePubkey(servicePubkey); err != nil {
		return nil, errors.New(errors.InvalidKeyEncodingError, fmt.Errorf("invalid service pubkey: %v", err))
	}

	query := u.Query()
	relay := query.Get("relay")
	if relay == "" {
		return nil, errors.New(errors.MissingParameterError, fmt.Errorf("missing parameter %q", "relay"))
	}
	secret := query.Get("secret")
	if secret == "" {
		return nil, errors.New(errors.MissingParameterError, fmt.Errorf("missing parameter %q", "secret"))
	}
	if err := validateSecret(secret); err != nil {
		return nil, errors.New(errors.InvalidKeyEncodingError, fmt.Errorf("invalid secret: %v", err))
	}

	return &Connection{
		ServicePubkey: servicePubkey,
		RelayURL:      relay,
		ClientSecret:  secret,
		AddressHint:   query.Get("lud16"),
	}, nil
}

func validatePubkey(pubkey string) error {
	b, err := hex.DecodeString(pubkey)
	if err != nil || len(b) != 32 {
		return fmt.Errorf("expected 64 hex characters")
	}
	if _, err := schnorr.ParsePubKey(b); err != nil {
		return err
	}
	return nil
}

func validateSecret(secret string) error {
	b, err := hex.DecodeString(secret)
	if err != nil || len(b) != 32 {
		return fmt.Errorf("expected 64 hex characters")
	}
	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(b); overflow {
		return fmt.Errorf("scalar out of range for the curve")
	}
	if scalar.IsZero() {
		return fmt.Errorf("scalar is zero")
	}
	return nil
}
