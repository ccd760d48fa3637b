// Package client talks to the gateway the way the browser front end does: it uploads one image
// for analysis and reads the usage snapshot, attaching the bearer token from an identity source.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/tfkr-ae/lensgate/domain"
	"github.com/tfkr-ae/lensgate/identity"
)

const defaultPrefix = "/api/"

// Client calls the gateway on behalf of one signed-in user.
type Client struct {
	BaseURL    *url.URL             // Gateway origin, e.g. http://localhost:3000
	Prefix     string               // Public prefix of the gateway, "/api/"
	HTTPClient *http.Client         // Client used for every call
	Tokens     identity.TokenSource // Bearer token source, asked once per call
	Logger     *slog.Logger
}

// New creates a Client for the gateway at gatewayURL.
func New(gatewayURL string, tokens identity.TokenSource, options ...func(*Client) error) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(gatewayURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing gateway url %q : %w", gatewayURL, err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("gateway url %q must be an absolute http or https url", gatewayURL)
	}

	c := &Client{
		BaseURL:    base,
		Prefix:     defaultPrefix,
		HTTPClient: &http.Client{},
		Tokens:     tokens,
		Logger:     slog.New(slog.DiscardHandler),
	}
	for _, option := range options {
		if err := option(c); err != nil {
			return nil, fmt.Errorf("applying option on client : %w", err)
		}
	}
	return c, nil
}

// WithHTTPClient replaces the http.Client used for gateway calls.
func WithHTTPClient(httpClient *http.Client) func(*Client) error {
	return func(c *Client) error {
		if httpClient == nil {
			return fmt.Errorf("http client is nil")
		}
		c.HTTPClient = httpClient
		return nil
	}
}

// WithLogger sets the logger. A nil logger discards everything.
func WithLogger(logger *slog.Logger) func(*Client) error {
	return func(c *Client) error {
		if logger == nil {
			logger = slog.New(slog.DiscardHandler)
		}
		c.Logger = logger
		return nil
	}
}

// WithPrefix sets the public prefix the gateway serves the backend under.
func WithPrefix(prefix string) func(*Client) error {
	return func(c *Client) error {
		if !strings.HasPrefix(prefix, "/") || !strings.HasSuffix(prefix, "/") {
			return fmt.Errorf("prefix %q must start and end with /", prefix)
		}
		c.Prefix = prefix
		return nil
	}
}

func (c *Client) endpoint(name string) string {
	return c.BaseURL.String() + c.Prefix + name
}

// bearer asks the token source for a token. Any failure means the user is not signed in.
func (c *Client) bearer(ctx context.Context) (string, error) {
	if c.Tokens == nil {
		return "", ErrNotSignedIn
	}
	token, err := c.Tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w : %w", ErrNotSignedIn, err)
	}
	if token == "" {
		return "", ErrNotSignedIn
	}
	return token, nil
}

// Analyze submits upload for analysis. The checks run in order: an upload must be selected, a
// token must be available, then one POST is made. Nothing is retried.
func (c *Client) Analyze(ctx context.Context, upload *domain.Upload) (*domain.AnalysisResult, error) {
	if upload == nil {
		return nil, ErrNoFile
	}
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}

	body, contentType, err := multipartBody(upload)
	if err != nil {
		return nil, fmt.Errorf("encoding upload : %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("analyze"), body)
	if err != nil {
		return nil, fmt.Errorf("creating analyze request : %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", contentType)

	status, header, raw, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if err := classify(status, header, raw, defaultAnalysisError); err != nil {
		return nil, err
	}

	var result domain.AnalysisResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w : %w", ErrInvalidResponse, err)
	}
	if result.Usage == nil {
		// without a usage member the payload is the usage snapshot
		var usage domain.Usage
		if err := json.Unmarshal(raw, &usage); err == nil {
			result.Usage = &usage
		}
	}
	c.Logger.Info("analysis complete", "file", upload.Name, "bytes", upload.Size())
	return &result, nil
}

// Usage fetches the usage snapshot of the signed-in user.
func (c *Client) Usage(ctx context.Context) (*domain.Usage, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("usage"), nil)
	if err != nil {
		return nil, fmt.Errorf("creating usage request : %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	status, header, raw, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if err := classify(status, header, raw, defaultUsageError); err != nil {
		return nil, err
	}

	var usage domain.Usage
	if err := json.Unmarshal(raw, &usage); err != nil {
		return nil, fmt.Errorf("%w : %w", ErrInvalidResponse, err)
	}
	return &usage, nil
}

// do sends req and reads the whole reply. Failing to get a reply at all is ErrUnreachable.
func (c *Client) do(req *http.Request) (int, http.Header, []byte, error) {
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, nil, unreachable(err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, nil, nil, unreachable(err)
	}
	c.Logger.Debug("gateway replied", "method", req.Method, "url", req.URL.String(), "status", res.StatusCode)
	return res.StatusCode, res.Header, raw, nil
}

// classify turns a reply that is not a JSON success into an error. A non-JSON reply is an error
// whatever its status, and its text becomes the message.
func classify(status int, header http.Header, raw []byte, fallback string) error {
	if !isJSON(header) {
		message := string(raw)
		if message == "" {
			message = defaultServerError
		}
		return &APIError{StatusCode: status, Message: message, Body: raw}
	}
	if status >= 200 && status < 300 {
		return nil
	}

	var envelope domain.ErrorEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		if !json.Valid(raw) {
			return fmt.Errorf("%w : %w", ErrInvalidResponse, err)
		}
		// valid JSON that is not an object carries no detail
		return &APIError{StatusCode: status, Message: fallback, Body: raw}
	}
	return &APIError{StatusCode: status, Message: extractMessage(envelope, fallback), Body: raw}
}

func isJSON(header http.Header) bool {
	return strings.Contains(strings.ToLower(header.Get("Content-Type")), "application/json")
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// multipartBody encodes upload as a single form part named "file".
func multipartBody(upload *domain.Upload) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		domain.UploadFieldName, quoteEscaper.Replace(upload.Name)))
	contentType := upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("creating form part : %w", err)
	}
	if _, err := part.Write(upload.Data); err != nil {
		return nil, "", fmt.Errorf("writing form part : %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart writer : %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}
