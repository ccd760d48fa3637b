// Package lensgate provides the forwarding gateway that sits between the browser or the lensctl
// client and the vision-analysis backend. It is designed to be stateless: every inbound request
// under the public prefix is translated into exactly one outbound request and the backend reply is
// relayed back unchanged.
//
// The core functionality includes:
//   - Backend base resolution from the inbound host, with waypoint and backend URL overrides
//   - Header allow-listing, body buffering and protection bypass parameters on the outbound call
//   - Verbatim relay of the backend status, headers and body
//   - A fixed Bad Gateway reply when the backend cannot be reached
//   - Martian modifier pipeline so each rewrite step can be tested on its own
package lensgate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/martian/fifo"
	"github.com/tfkr-ae/lensgate/core"
	"github.com/tfkr-ae/lensgate/domain"
)

const (
	badGatewayError   = "Bad Gateway"
	badGatewayMessage = "Could not reach the API. Is the backend running?"

	serviceName = "lensgate"
)

// Gateway is the forwarding proxy. It holds only configuration and collaborators, nothing that
// changes between requests, so one Gateway serves any number of requests in parallel.
type Gateway struct {
	Config    *Config      // Operator configuration, fixed after New
	Logger    *slog.Logger // Structured logger, never nil
	Client    *http.Client // Client used for the outbound backend call
	Modifiers *fifo.Group  // Modifier pipeline applied to the outbound request and response
	DevHosts  *HostScope   // Hosts forwarded to over plain http

	extraRequestModifiers  []RequestModifierFunc
	extraResponseModifiers []ResponseModifierFunc
	debug                  bool           // Set by WithDebug, applied on top of the final Config
	upstreamTimeout        *time.Duration // Set by WithUpstreamTimeout, applied on top of the final Config
	mux                    *http.ServeMux
}

// New creates a Gateway with the default configuration and applies options. Once the options are
// applied the configuration is validated, the dev host scope is built and the modifier pipeline is
// assembled.
func New(options ...func(*Gateway) error) (*Gateway, error) {
	gw := &Gateway{
		Config: DefaultConfig(),
		Logger: slog.New(slog.DiscardHandler),
		Client: &http.Client{
			Transport: newGatewayTransport(),
			// Redirects are relayed to the caller, not followed
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		Modifiers: fifo.NewGroup(),
		DevHosts:  NewHostScope(),
	}
	if err := gw.WithOptions(options...); err != nil {
		return nil, err
	}
	// option overrides outlive a config loaded by a later option
	if gw.debug {
		gw.Config.Debug = true
	}
	if gw.upstreamTimeout != nil {
		gw.Config.UpstreamTimeout = *gw.upstreamTimeout
	}
	if err := gw.Config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config : %w", err)
	}
	for _, pattern := range gw.Config.DevHosts {
		if err := gw.DevHosts.AddRule(pattern, false); err != nil {
			return nil, fmt.Errorf("adding dev host %s : %w", pattern, err)
		}
	}
	gw.Client.Timeout = gw.Config.UpstreamTimeout

	gw.defaultPipeline()
	gw.routes()
	return gw, nil
}

func (gw *Gateway) defaultPipeline() {
	gw.AddRequestModifier(SetupRequestModifier)
	gw.AddRequestModifier(RewriteURLModifier)
	gw.AddRequestModifier(BypassModifier)
	gw.AddRequestModifier(HeaderAllowlistModifier)
	gw.AddRequestModifier(DumpRequestModifier)
	for _, modifier := range gw.extraRequestModifiers {
		gw.AddRequestModifier(modifier)
	}

	gw.AddResponseModifier(ResponseFilterModifier)
	gw.AddResponseModifier(BufferBodyModifier)
	gw.AddResponseModifier(StripTransferEncodingModifier)
	gw.AddResponseModifier(DumpResponseModifier)
	for _, modifier := range gw.extraResponseModifiers {
		gw.AddResponseModifier(modifier)
	}
}

func (gw *Gateway) routes() {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", gw.handleHealth)
	mux.HandleFunc("GET /client-config", gw.handleClientConfig)
	mux.HandleFunc(gw.Config.PublicPrefix, gw.forward)
	// a root prefix has no bare form
	if bare := strings.TrimSuffix(gw.Config.PublicPrefix, "/"); bare != "" {
		mux.HandleFunc(bare, gw.forward)
	}
	gw.mux = mux
}

// ServeHTTP implements http.Handler.
func (gw *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gw.mux.ServeHTTP(w, r)
}

// BackendBase resolves the scheme and host the request addressed to host is forwarded to. A
// waypoint for the host wins, then the configured backend URL, and otherwise the host itself is
// used with http for development hosts and https for everything else.
func (gw *Gateway) BackendBase(host string) string {
	if host == "" {
		host = gw.Config.DefaultHost
	}
	lowered := strings.ToLower(host)
	if override, ok := gw.Config.Waypoints[lowered]; ok {
		return strings.TrimSuffix(override, "/")
	}
	if override, ok := gw.Config.Waypoints[stripPort(lowered)]; ok {
		return strings.TrimSuffix(override, "/")
	}
	if gw.Config.BackendURL != "" {
		return strings.TrimSuffix(gw.Config.BackendURL, "/")
	}

	scheme := "https"
	if gw.DevHosts.IsDevelopment(host) {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, host)
}

// forward relays one inbound request to the backend. It is a single pass: build the outbound
// request, run the request modifiers, do the round trip, run the response modifiers and copy the
// result back. Any failure along the way ends in the fixed Bad Gateway reply.
func (gw *Gateway) forward(w http.ResponseWriter, r *http.Request) {
	outReq, err := gw.newOutboundRequest(r)
	if err != nil {
		gw.badGateway(w, r, err)
		return
	}

	if err := gw.Modifiers.ModifyRequest(outReq); err != nil {
		gw.badGateway(w, outReq, fmt.Errorf("modifying request : %w", err))
		return
	}

	res, err := gw.Client.Do(outReq)
	if err != nil {
		gw.badGateway(w, outReq, fmt.Errorf("%w : %w", ErrUpstream, err))
		return
	}
	defer res.Body.Close()
	if res.Request == nil {
		res.Request = outReq
	}

	if err := gw.Modifiers.ModifyResponse(res); err != nil {
		gw.badGateway(w, outReq, fmt.Errorf("modifying response : %w", err))
		return
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		gw.badGateway(w, outReq, fmt.Errorf("%w : %w", ErrReadBody, err))
		return
	}

	header := w.Header()
	for key, values := range res.Header {
		if strings.EqualFold(key, "Transfer-Encoding") {
			continue
		}
		header[key] = append([]string(nil), values...)
	}
	w.WriteHeader(res.StatusCode)
	if _, err := w.Write(body); err != nil {
		gw.Logger.Warn("writing relayed body", core.LogAttrs(res.Request.Context(), core.LogWithError(err))...)
		return
	}

	attrs := core.LogAttrs(res.Request.Context(), core.LogWithElapsed())
	attrs = append(attrs, slog.String("method", outReq.Method), slog.Int("status", res.StatusCode))
	gw.Logger.Info("forwarded", attrs...)
}

// newOutboundRequest clones the parts of r the pipeline works on. The body is buffered for every
// method except GET and HEAD. The outbound request shares r's context so a client disconnect
// cancels the backend call.
func (gw *Gateway) newOutboundRequest(r *http.Request) (*http.Request, error) {
	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("%w : %w", ErrReadBody, err)
		}
		body = bytes.NewReader(raw)
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, "/", body)
	if err != nil {
		return nil, fmt.Errorf("creating outbound request : %w", err)
	}
	outReq.Header = r.Header.Clone()
	if outReq.Header == nil {
		outReq.Header = make(http.Header)
	}

	host := r.Host
	if host == "" {
		host = gw.Config.DefaultHost
	}
	outReq = core.ContextWithInboundHost(outReq, host)
	outReq = core.ContextWithPathSuffix(outReq, gw.pathSuffix(r))
	outReq = core.ContextWithInboundQuery(outReq, r.URL.RawQuery)
	return outReq, nil
}

// pathSuffix returns the escaped wildcard part of the inbound path after the public prefix.
func (gw *Gateway) pathSuffix(r *http.Request) string {
	escaped := r.URL.EscapedPath()
	if escaped == strings.TrimSuffix(gw.Config.PublicPrefix, "/") && escaped != "" {
		return ""
	}
	return strings.TrimPrefix(escaped, gw.Config.PublicPrefix)
}

// badGateway logs err and writes the fixed Bad Gateway reply. The reply does not depend on the
// method, the path or the kind of failure.
func (gw *Gateway) badGateway(w http.ResponseWriter, r *http.Request, err error) {
	attrs := core.LogAttrs(r.Context(), core.LogWithError(err))
	if r.Context().Err() != nil {
		gw.Logger.Info("client went away before the backend replied", attrs...)
	} else {
		gw.Logger.Error("proxy error", attrs...)
	}
	writeJSON(w, http.StatusBadGateway, domain.ErrorResponse{
		Error:   badGatewayError,
		Message: badGatewayMessage,
	})
}

func (gw *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (gw *Gateway) handleClientConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"publishable_key": gw.Config.PublishableKey,
		"analyze_path":    gw.Config.PublicPrefix + "analyze",
		"usage_path":      gw.Config.PublicPrefix + "usage",
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(body)
}

// errors returned by the pipeline
var (
	// ErrUpstream is returned when the outbound round trip fails at the network level
	ErrUpstream = errors.New("backend round trip failed")

	// ErrReadBody is returned when an inbound or outbound body cannot be read
	ErrReadBody = errors.New("failed to read the body")
)
