package nwc

import (
	"fmt"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/satsend/nwcpay/internal/errors"
)

func testServicePubkey(t *testing.T) string {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	return pk
}

func TestParseURI(t *testing.T) {
	servicePubkey := testServicePubkey(t)
	secret := nostr.GeneratePrivateKey()

	uri := fmt.Sprintf("nostr+walletconnect://%s?relay=wss://relay.example.com&secret=%s&lud16=alice@example.com", servicePubkey, secret)
	conn, err := ParseURI(uri)
	require.NoError(t, err)
	require.Equal(t, servicePubkey, conn.ServicePubkey)
	require.Equal(t, "wss://relay.example.com", conn.RelayURL)
	require.Equal(t, secret, conn.ClientSecret)
	require.Equal(t, "alice@example.com", conn.AddressHint)
}

func TestParseURILegacyScheme(t *testing.T) {
	servicePubkey := testServicePubkey(t)
	secret := nostr.GeneratePrivateKey()

	conn, err := ParseURI(fmt.Sprintf("nostrwalletconnect://%s?relay=wss://r.example.com&secret=%s", servicePubkey, secret))
	require.NoError(t, err)
	require.Empty(t, conn.AddressHint)
}

func TestParseURIErrors(t *testing.T) {
	servicePubkey := testServicePubkey(t)
	secret := nostr.GeneratePrivateKey()

	tests := []struct {
		name string
		uri  string
		kind errors.Kind
	}{
		{
			name: "wrong scheme",
			uri:  fmt.Sprintf("https://%s?relay=wss://r.example.com&secret=%s", servicePubkey, secret),
			kind: errors.MalformedUriError,
		},
		{
			name: "missing relay",
			uri:  fmt.Sprintf("nostr+walletconnect://%s?secret=%s", servicePubkey, secret),
			kind: errors.MissingParameterError,
		},
		{
			name: "missing secret",
			uri:  fmt.Sprintf("nostr+walletconnect://%s?relay=wss://r.example.com", servicePubkey),
			kind: errors.MissingParameterError,
		},
		{
			name: "pubkey not hex",
			uri:  fmt.Sprintf("nostr+walletconnect://nothex?relay=wss://r.example.com&secret=%s", secret),
			kind: errors.InvalidKeyEncodingError,
		},
		{
			name: "pubkey too short",
			uri:  fmt.Sprintf("nostr+walletconnect://abcd?relay=wss://r.example.com&secret=%s", secret),
			kind: errors.InvalidKeyEncodingError,
		},
		{
			name: "secret not a valid scalar",
			uri:  fmt.Sprintf("nostr+walletconnect://%s?relay=wss://r.example.com&secret=%s", servicePubkey, "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"),
			kind: errors.InvalidKeyEncodingError,
		},
		{
			name: "secret zero",
			uri:  fmt.Sprintf("nostr+walletconnect://%s?relay=wss://r.example.com&secret=%s", servicePubkey, "0000000000000000000000000000000000000000000000000000000000000000"),
			kind: errors.InvalidKeyEncodingError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseURI(tt.uri)
			require.Error(t, err)
			require.Equal(t, tt.kind, errors.KindOf(err))
		})
	}
}
