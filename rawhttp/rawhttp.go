// Package rawhttp renders forwarded requests and responses as wire-format text for debug logging.
package rawhttp

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/beevik/etree"
	"github.com/gabriel-vasile/mimetype"
	"github.com/yosssi/gohtml"
)

// ErrUnsupportedEncoding is returned by DecodeBody for content codings it cannot undo
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// Dump is a rendered exchange. Raw is the head followed by the body exactly as sent. Pretty is the
// head followed by an indented body and is empty when the body is not JSON, XML or HTML.
type Dump struct {
	Raw    []byte
	Pretty string
}

// Prettify indents JSON, XML and HTML bodies. Anything else yields an empty slice.
func Prettify(body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return []byte{}, nil
	}

	var payload any
	if err := json.Unmarshal(trimmed, &payload); err == nil {
		output, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return []byte{}, fmt.Errorf("remarshalling JSON : %w", err)
		}
		return output, nil
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(trimmed); err == nil && doc.Root() != nil {
		doc.Indent(1)
		var output bytes.Buffer
		if _, err := doc.WriteTo(&output); err != nil {
			return []byte{}, fmt.Errorf("writing indented XML : %w", err)
		}
		return output.Bytes(), nil
	}

	// Error pages from the hosting platform are HTML
	detected := mimetype.Detect(trimmed).String()
	if strings.Contains(detected, "text/html") ||
		(bytes.HasPrefix(trimmed, []byte("<")) && !bytes.HasPrefix(trimmed, []byte("<?xml"))) {
		output := gohtml.FormatBytes(trimmed)
		if len(output) > 0 && !bytes.Equal(output, trimmed) {
			return output, nil
		}
	}
	return []byte{}, nil
}

// DecodeBody undoes a gzip or br content coding. An empty or identity coding returns body as is.
func DecodeBody(body []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip":
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader : %w", err)
		}
		defer reader.Close()
		decoded, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("reading gzip content : %w", err)
		}
		return decoded, nil
	case "br":
		decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("reading brotli content : %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("%w : %s", ErrUnsupportedEncoding, encoding)
	}
}

// DumpRequest renders req and resets its body so it can still be sent.
func DumpRequest(req *http.Request) (Dump, error) {
	head, err := httputil.DumpRequest(req, false)
	if err != nil {
		return Dump{}, fmt.Errorf("dumping request : %w", err)
	}
	body, err := drain(&req.Body)
	if err != nil {
		return Dump{}, fmt.Errorf("reading request body : %w", err)
	}
	return render(head, body, req.Header.Get("Content-Encoding")), nil
}

// DumpResponse renders res and resets its body so it can still be relayed. Compressed bodies are
// decoded for the pretty rendering only.
func DumpResponse(res *http.Response) (Dump, error) {
	head, err := httputil.DumpResponse(res, false)
	if err != nil {
		return Dump{}, fmt.Errorf("dumping response : %w", err)
	}
	body, err := drain(&res.Body)
	if err != nil {
		return Dump{}, fmt.Errorf("reading response body : %w", err)
	}
	return render(head, body, res.Header.Get("Content-Encoding")), nil
}

// drain reads the body behind rc and replaces it with an in-memory copy. A nil body reads as empty.
func drain(rc *io.ReadCloser) ([]byte, error) {
	if *rc == nil || *rc == http.NoBody {
		return []byte{}, nil
	}
	defer (*rc).Close()
	body, err := io.ReadAll(*rc)
	if err != nil {
		return nil, err
	}
	*rc = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func render(head, body []byte, encoding string) Dump {
	raw := make([]byte, 0, len(head)+len(body))
	raw = append(raw, head...)
	raw = append(raw, body...)

	dump := Dump{Raw: raw}
	decoded, err := DecodeBody(body, encoding)
	if err != nil {
		return dump
	}
	pretty, err := Prettify(decoded)
	if err != nil || len(pretty) == 0 {
		return dump
	}
	dump.Pretty = string(head) + string(pretty)
	return dump
}
