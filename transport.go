// FILE: transport.go
// Package main – HTTP transport to coordinators.
//
// Coordinators are onion services, so by default every connection goes
// through the Tor SOCKS5 proxy with hostname resolution left to the proxy.
// tor.disabled dials directly (clearnet mirrors, local paper setups).

package main

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"
)

func newHTTPClient(tor TorConfig, timeout time.Duration) (*http.Client, error) {
	tr := &http.Transport{
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   30 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	if tor.Disabled {
		tr.DialContext = (&net.Dialer{Timeout: 30 * time.Second}).DialContext
	} else {
		d, err := proxy.SOCKS5("tcp", tor.Proxy, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer %s: %w", tor.Proxy, err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer %s does not support contexts", tor.Proxy)
		}
		tr.DialContext = cd.DialContext
	}
	return &http.Client{Transport: tr, Timeout: timeout}, nil
}
