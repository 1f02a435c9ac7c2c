package engine

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"tachyonengine/internal/config"
)

// newHTTPClient builds the shared *http.Client, grounded on the
// teacher's NewEngine transport (connection-pool tuning, no client-wide
// timeout; a request ends only through its own cancelable context or a
// transport error), generalized to honor
// the engine's configurable proxy/TLS-bypass settings in place of the
// teacher's fixed http.ProxyFromEnvironment.
func newHTTPClient(snap config.Snapshot) *http.Client {
	transport := &http.Transport{
		Proxy: proxyFunc(snap),
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}
	if snap.BypassTLSValidation {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{Transport: transport, Timeout: 0}
}

// proxyFunc returns a fixed proxy URL when the config names one,
// otherwise falls back to the teacher's http.ProxyFromEnvironment.
func proxyFunc(snap config.Snapshot) func(*http.Request) (*url.URL, error) {
	if snap.ProxyHost == "" {
		return http.ProxyFromEnvironment
	}
	host := snap.ProxyHost
	if snap.ProxyPort != 0 {
		host = net.JoinHostPort(snap.ProxyHost, strconv.Itoa(snap.ProxyPort))
	}
	fixed := &url.URL{Scheme: "http", Host: host}
	return http.ProxyURL(fixed)
}
