package internal

import (
	"github.com/jinzhu/configor"
)

var Configuration = struct {
	Wallet   WalletConfiguration   `yaml:"wallet"`
	Pay      PayConfiguration      `yaml:"pay"`
	Database DatabaseConfiguration `yaml:"database"`
	Proxy    *SocksConfiguration   `yaml:"socks_proxy,omitempty"`
}{}

type WalletConfiguration struct {
	// the nostr+walletconnect:// capability URI; may also be passed on the command line
	URI string `yaml:"uri"`
}

type PayConfiguration struct {
	// seconds to wait for the wallet's response event before the attempt times out
	ResponseTimeout int64 `yaml:"response_timeout" default:"30"`
	// seconds for each LNURL HTTP call
	HTTPTimeout int64 `yaml:"http_timeout" default:"10"`
	// extra attempts for transient LNURL transport failures (0 = no retries)
	LnurlRetries int `yaml:"lnurl_retries" default:"0"`
	// minutes an address's LNURL metadata stays cached
	MetadataCacheTTL int64 `yaml:"metadata_cache_ttl" default:"30"`
}

type DatabaseConfiguration struct {
	HistoryDbPath string `yaml:"history_db_path" default:"history.db"`
}

type SocksConfiguration struct {
	Host     string `yaml:"host"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Load reads the yaml configuration. A missing file leaves the defaults in
// place so tests and one-shot invocations don't need a config.yaml.
func Load(files ...string) error {
	return configor.New(&configor.Config{ErrorOnUnmatchedKeys: false}).Load(&Configuration, files...)
}
