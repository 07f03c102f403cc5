package lnurl

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eko/gocache/store"
	lnurl "github.com/fiatjaf/go-lnurl"
	decodepay "github.com/fiatjaf/ln-decodepay"
	"github.com/imroc/req"
	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/satsend/nwcpay/internal"
	"github.com/satsend/nwcpay/internal/errors"
	"github.com/satsend/nwcpay/internal/network"
	"github.com/satsend/nwcpay/internal/runtime"
)

const (
	PayRequestTag = "payRequest"
	Endpoint      = ".well-known/lnurlp"
)

var metadataCache = store.NewGoCache(gocache.New(30*time.Minute, 10*time.Minute), nil)

// Address is a validated lud16 lightning address. It derives the LNURL-pay
// discovery URL but performs no I/O itself.
type Address struct {
	Name   string
	Domain string
}

func ParseAddress(raw string) (*Address, error) {
	name, domain, ok := lnurl.ParseInternetIdentifier(strings.TrimSpace(raw))
	if !ok {
		return nil, errors.New(errors.InvalidLightningAddressError, fmt.Errorf("invalid lightning address %q", raw))
	}
	return &Address{Name: strings.ToLower(name), Domain: strings.ToLower(domain)}, nil
}

func (a *Address) String() string {
	return fmt.Sprintf("%s@%s", a.Name, a.Domain)
}

// EndpointURL is the LNURL-pay discovery endpoint for this address. Onion
// hosts are served over plain http, everything else over https.
func (a *Address) EndpointURL() string {
	scheme := "https"
	if strings.HasSuffix(a.Domain, ".onion") {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, a.Domain, Endpoint, a.Name)
}

// ServiceMetadata is the first LNURL-pay response. Field names are fixed by
// the LNURL protocol; third-party wallet services depend on them bit-exactly.
type ServiceMetadata struct {
	Callback        string `json:"callback"`
	MaxSendable     int64  `json:"maxSendable"`
	MinSendable     int64  `json:"minSendable"`
	EncodedMetadata string `json:"metadata"`
	Tag             string `json:"tag"`
	CommentAllowed  int64  `json:"commentAllowed"`
}

// Resolver turns a lightning address plus an amount into a payable bolt11
// invoice via the two LNURL-pay HTTP calls.
type Resolver struct {
	client  *req.Req
	retries int
}

func NewResolver() (*Resolver, error) {
	httpClient, err := network.GetClient(time.Duration(internal.Configuration.Pay.HTTPTimeout) * time.Second)
	if err != nil {
		return nil, err
	}
	r := req.New()
	r.SetClient(httpClient)
	return &Resolver{
		client:  r,
		retries: internal.Configuration.Pay.LnurlRetries,
	}, nil
}

// FetchInvoice resolves the address, checks the requested amount against the
// service's sendable range and fetches the invoice from the callback. The
// caller owns the retry policy beyond the configured transient-retry count.
func (w *Resolver) FetchInvoice(ctx context.Context, rawAddress string, amountSat int64) (string, error) {
	addr, err := ParseAddress(rawAddress)
	if err != nil {
		return "", err
	}
	return w.fetchInvoiceFromURL(ctx, addr.EndpointURL(), addr.String(), amountSat*1000)
}

func (w *Resolver) fetchInvoiceFromURL(ctx context.Context, discoveryURL, address string, amountMsat int64) (string, error) {
	metadata, err := w.serviceMetadata(ctx, discoveryURL, address)
	if err != nil {
		return "", err
	}

	if amountMsat < metadata.MinSendable || amountMsat > metadata.MaxSendable {
		return "", errors.New(errors.AmountOutOfRangeError,
			fmt.Errorf("amount out of bounds: requested %d msat, sendable range [%d, %d]",
				amountMsat, metadata.MinSendable, metadata.MaxSendable))
	}

	callbackURL, err := url.Parse(metadata.Callback)
	if err != nil {
		return "", errors.New(errors.LnurlParseError, fmt.Errorf("invalid callback url: %v", err))
	}
	qs := callbackURL.Query()
	qs.Set("amount", strconv.FormatInt(amountMsat, 10))
	callbackURL.RawQuery = qs.Encode()

	log.Infof("[LNURL] requesting invoice for %s from %s", address, callbackURL.Hostname())
	body, err := w.get(ctx, callbackURL.String())
	if err != nil {
		return "", errors.New(errors.InvoiceFetchError, err)
	}
	if j := gjson.ParseBytes(body); j.Get("status").String() == "ERROR" {
		return "", errors.New(errors.InvoiceFetchError, fmt.Errorf("service error: %s", j.Get("reason").String()))
	}

	pr := gjson.ParseBytes(body).Get("pr").String()
	if len(pr) == 0 {
		return "", errors.New(errors.InvoiceFieldMissingError, fmt.Errorf("callback response carried no pr field"))
	}

	// cross-check the invoice amount against what we asked for
	if bolt11, err := decodepay.Decodepay(pr); err != nil {
		log.Warnf("[LNURL] could not decode invoice from %s: %v", address, err)
	} else if bolt11.MSatoshi != 0 && bolt11.MSatoshi != amountMsat {
		return "", errors.New(errors.InvoiceAmountMismatchError,
			fmt.Errorf("invoice is over %d msat but %d msat were requested", bolt11.MSatoshi, amountMsat))
	}

	return pr, nil
}

// serviceMetadata fetches (or returns the cached) LNURL-pay parameters for
// an address.
func (w *Resolver) serviceMetadata(ctx context.Context, discoveryURL, address string) (*ServiceMetadata, error) {
	key := fmt.Sprintf("lnurl_metadata_%s", address)
	if m, err := metadataCache.Get(key); err == nil {
		return m.(*ServiceMetadata), nil
	}

	log.Infof("[LNURL] fetching pay parameters for %s", address)
	body, err := w.get(ctx, discoveryURL)
	if err != nil {
		return nil, errors.New(errors.LnurlFetchError, err)
	}

	j := gjson.ParseBytes(body)
	if j.Get("status").String() == "ERROR" {
		return nil, errors.New(errors.LnurlParseError, fmt.Errorf("service error: %s", j.Get("reason").String()))
	}

	metadata := &ServiceMetadata{
		Callback:        j.Get("callback").String(),
		MaxSendable:     j.Get("maxSendable").Int(),
		MinSendable:     j.Get("minSendable").Int(),
		EncodedMetadata: j.Get("metadata").String(),
		Tag:             j.Get("tag").String(),
		CommentAllowed:  j.Get("commentAllowed").Int(),
	}
	if metadata.Tag != PayRequestTag {
		return nil, errors.New(errors.LnurlParseError, fmt.Errorf("unexpected tag %q", metadata.Tag))
	}
	if metadata.Callback == "" || metadata.MinSendable <= 0 || metadata.MaxSendable <= 0 {
		return nil, errors.New(errors.LnurlParseError, fmt.Errorf("response is missing callback or sendable range"))
	}

	ttl := time.Duration(internal.Configuration.Pay.MetadataCacheTTL) * time.Minute
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	runtime.IgnoreError(metadataCache.Set(key, metadata, &store.Options{Expiration: ttl}))
	return metadata, nil
}

func (w *Resolver) get(ctx context.Context, rawurl string) ([]byte, error) {
	var body []byte
	err := runtime.Retry(ctx, w.retries, func() error {
		resp, err := w.client.Get(rawurl, req.Header{"Accept": "application/json"})
		if err != nil {
			return err
		}
		if resp.Response().StatusCode >= 300 {
			return fmt.Errorf("HTTP error: %s", resp.Response().Status)
		}
		body = resp.Bytes()
		return nil
	})
	return body, err
}
