package network

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/satsend/nwcpay/internal"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

func GetClient(timeout time.Duration) (*http.Client, error) {
	client := http.Client{
		Timeout: timeout,
	}
	if internal.Configuration.Proxy != nil {
		proxyURL, _ := url.Parse(internal.Configuration.Proxy.Host)
		specialTransport := &http.Transport{}
		specialTransport.Proxy = http.ProxyURL(proxyURL)
		var auth *proxy.Auth
		if internal.Configuration.Proxy.Username != "" && internal.Configuration.Proxy.Password != "" {
			auth = &proxy.Auth{User: internal.Configuration.Proxy.Username, Password: internal.Configuration.Proxy.Password}
		}
		d, err := proxy.SOCKS5("tcp", internal.Configuration.Proxy.Host, auth, &net.Dialer{
			Timeout:   2 * timeout,
			KeepAlive: -1,
		})
		if err != nil {
			log.Errorln(err)
			return &client, nil
		}
		specialTransport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return d.Dial(network, addr)
		}
		client.Transport = specialTransport
	}
	return &client, nil
}
