package lensgate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/martian"
	"github.com/google/uuid"
	"github.com/tfkr-ae/lensgate/core"
	"github.com/tfkr-ae/lensgate/rawhttp"
)

const (
	bypassCookieParam = "x-vercel-set-bypass-cookie"
	bypassSecretParam = "x-vercel-protection-bypass"
)

// forwardedHeaders are the only inbound headers copied to the outbound request
var forwardedHeaders = []string{"Authorization", "Content-Type", "Content-Length"}

var (
	// ErrInboundHostNotFound is returned when the inbound host is missing from the request context
	ErrInboundHostNotFound = errors.New("invalid or missing inbound host")

	// ErrPathSuffixNotFound is returned when the path suffix is missing from the request context
	ErrPathSuffixNotFound = errors.New("invalid or missing path suffix")

	// ErrRequestNotFound is returned when a backend response does not carry its request
	ErrRequestNotFound = errors.New("response has no request")
)

// RequestModifierFunc is a signature for outbound request modifiers, it takes in the request and *Gateway
type RequestModifierFunc func(gw *Gateway, req *http.Request) error

// ResponseModifierFunc is a signature for backend response modifiers, it takes in the response and *Gateway
type ResponseModifierFunc func(gw *Gateway, res *http.Response) error

// reqAdapter lets a RequestModifierFunc satisfy `martian.RequestModifier` while keeping access to the *Gateway
type reqAdapter struct {
	gw       *Gateway
	modifier RequestModifierFunc
}

// ModifyRequest implements the `martian.RequestModifier` interface
func (adapter *reqAdapter) ModifyRequest(req *http.Request) error {
	return adapter.modifier(adapter.gw, req)
}

// resAdapter lets a ResponseModifierFunc satisfy `martian.ResponseModifier` while keeping access to the *Gateway
type resAdapter struct {
	gw       *Gateway
	modifier ResponseModifierFunc
}

// ModifyResponse implements the `martian.ResponseModifier` interface
func (adapter *resAdapter) ModifyResponse(res *http.Response) error {
	return adapter.modifier(adapter.gw, res)
}

var (
	_ martian.RequestModifier  = (*reqAdapter)(nil)
	_ martian.ResponseModifier = (*resAdapter)(nil)
)

// AddRequestModifier appends modifier to the request side of the pipeline
func (gw *Gateway) AddRequestModifier(modifier RequestModifierFunc) {
	gw.Modifiers.AddRequestModifier(&reqAdapter{gw: gw, modifier: modifier})
}

// AddResponseModifier appends modifier to the response side of the pipeline
func (gw *Gateway) AddResponseModifier(modifier ResponseModifierFunc) {
	gw.Modifiers.AddResponseModifier(&resAdapter{gw: gw, modifier: modifier})
}

// SetupRequestModifier stamps the request with a fresh ID and the time it was prepared.
// The ID only appears in logs, it is never sent to the backend.
func SetupRequestModifier(gw *Gateway, req *http.Request) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating uuid for request : %w", err)
	}
	*req = *core.ContextWithRequestID(req, id)
	*req = *core.ContextWithRequestTime(req, time.Now())
	return nil
}

// RewriteURLModifier points the request at {backend base}{internal prefix}{suffix}. The inbound
// query string is carried over when forward_query is enabled.
func RewriteURLModifier(gw *Gateway, req *http.Request) error {
	host, ok := core.InboundHostFromContext(req.Context())
	if !ok {
		return ErrInboundHostNotFound
	}
	suffix, ok := core.PathSuffixFromContext(req.Context())
	if !ok {
		return ErrPathSuffixNotFound
	}

	target, err := url.Parse(gw.BackendBase(host) + gw.Config.InternalPrefix + suffix)
	if err != nil {
		return fmt.Errorf("parsing backend url for %s : %w", host, err)
	}
	if gw.Config.ForwardQuery {
		if rawQuery, ok := core.InboundQueryFromContext(req.Context()); ok {
			target.RawQuery = rawQuery
		}
	}

	req.URL = target
	req.Host = target.Host
	return nil
}

// BypassModifier appends the deployment protection bypass parameters when a secret is configured.
// They always come after any forwarded query parameters.
func BypassModifier(gw *Gateway, req *http.Request) error {
	if gw.Config.BypassSecret == "" {
		return nil
	}
	params := bypassCookieParam + "=true&" + bypassSecretParam + "=" + url.QueryEscape(gw.Config.BypassSecret)
	if req.URL.RawQuery == "" {
		req.URL.RawQuery = params
	} else {
		req.URL.RawQuery += "&" + params
	}
	return nil
}

// HeaderAllowlistModifier drops every header except Authorization, Content-Type and Content-Length.
// Only headers present on the inbound request are kept, nothing is synthesized.
func HeaderAllowlistModifier(gw *Gateway, req *http.Request) error {
	kept := make(http.Header, len(forwardedHeaders))
	for _, name := range forwardedHeaders {
		if values := req.Header.Values(name); len(values) > 0 {
			kept[name] = append([]string(nil), values...)
		}
	}
	req.Header = kept
	return nil
}

// DumpRequestModifier logs the outbound request in wire format when debug is enabled.
func DumpRequestModifier(gw *Gateway, req *http.Request) error {
	if !gw.Config.Debug {
		return nil
	}
	dump, err := rawhttp.DumpRequest(req)
	if err != nil {
		gw.Logger.Warn("dumping outbound request", core.LogAttrs(req.Context(), core.LogWithError(err))...)
		return nil
	}
	attrs := core.LogAttrs(req.Context())
	attrs = append(attrs, "raw", string(dump.Raw))
	if dump.Pretty != "" {
		attrs = append(attrs, "pretty", dump.Pretty)
	}
	gw.Logger.Debug("outbound request", attrs...)
	return nil
}

// ResponseFilterModifier records the time the backend response arrived.
func ResponseFilterModifier(gw *Gateway, res *http.Response) error {
	if res.Request == nil {
		return ErrRequestNotFound
	}
	res.Request = core.ContextWithResponseTime(res.Request, time.Now())
	return nil
}

// BufferBodyModifier reads the whole backend body into memory and replaces `res.Body` with it.
func BufferBodyModifier(gw *Gateway, res *http.Response) error {
	if res.Body == nil {
		res.Body = http.NoBody
		return nil
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("%w : %w", ErrReadBody, err)
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	return nil
}

// StripTransferEncodingModifier removes the backend's transfer coding. The body is relayed whole
// so the caller's framing is decided by the gateway's own server.
func StripTransferEncodingModifier(gw *Gateway, res *http.Response) error {
	res.Header.Del("Transfer-Encoding")
	res.TransferEncoding = nil
	return nil
}

// DumpResponseModifier logs the backend response in wire format when debug is enabled.
func DumpResponseModifier(gw *Gateway, res *http.Response) error {
	if !gw.Config.Debug {
		return nil
	}
	dump, err := rawhttp.DumpResponse(res)
	if err != nil {
		gw.Logger.Warn("dumping backend response", core.LogAttrs(res.Request.Context(), core.LogWithError(err))...)
		return nil
	}
	attrs := core.LogAttrs(res.Request.Context(), core.LogWithElapsed())
	attrs = append(attrs, "status", res.StatusCode, "raw", string(dump.Raw))
	if dump.Pretty != "" {
		attrs = append(attrs, "pretty", dump.Pretty)
	}
	gw.Logger.Debug("backend response", attrs...)
	return nil
}
