package lensgate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	tls "github.com/refraction-networking/utls"
)

// gatewayRoundTripper wraps the base transport used for the outbound backend call. It stops the
// Go default User-Agent from being added so the backend only sees the forwarded headers.
type gatewayRoundTripper struct {
	base http.RoundTripper
}

// newGatewayTransport creates the outbound transport. TLS upstreams are dialed with utls using a
// Chrome hello restricted to http/1.1, and compression handling is disabled so the response body
// and its Content-Encoding reach the caller untouched.
func newGatewayTransport() http.RoundTripper {
	transport := &http.Transport{
		DisableCompression: true,
		ForceAttemptHTTP2:  false,
	}
	transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		tcpConn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		sniHost, _, err := net.SplitHostPort(addr)
		if err != nil {
			sniHost = addr
		}

		uTLSConfig := &tls.Config{
			ServerName: sniHost,
		}

		if transport.TLSClientConfig != nil {
			uTLSConfig.InsecureSkipVerify = transport.TLSClientConfig.InsecureSkipVerify
		}

		uConn := tls.UClient(tcpConn, uTLSConfig, tls.HelloChrome_Auto)

		if err := uConn.BuildHandshakeState(); err != nil {
			tcpConn.Close()
			return nil, fmt.Errorf("building handshake state : %w", err)
		}

		// HelloChrome_Auto ignores NextProtos and offers h2, the ALPN extension has to be
		// rewritten before the handshake
		foundALPN := false
		for _, ext := range uConn.Extensions {
			if alpnExt, ok := ext.(*tls.ALPNExtension); ok {
				alpnExt.AlpnProtocols = []string{"http/1.1"}
				foundALPN = true
				break
			}
		}

		if !foundALPN {
			tcpConn.Close()
			return nil, errors.New("could not find ALPNExtension")
		}

		if err := uConn.HandshakeContext(ctx); err != nil {
			tcpConn.Close()
			return nil, err
		}

		return uConn, nil
	}

	return &gatewayRoundTripper{
		base: transport,
	}
}

// RoundTrip satisfies http.RoundTripper
func (g *gatewayRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if _, ok := req.Header["User-Agent"]; !ok {
		req = req.Clone(req.Context())
		if req.Header == nil {
			req.Header = make(http.Header)
		}
		req.Header["User-Agent"] = []string{""}
	}
	return g.base.RoundTrip(req)
}
