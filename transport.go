package ray5agent

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// maxResponseBytes caps how much of a device response is read into memory.
// ESP3D replies are a few hundred bytes; anything larger is garbage.
const maxResponseBytes = 64 << 10

// DeviceTransport abstracts the HTTP exchanges with the engraver so the
// client can be exercised against stubs.
type DeviceTransport interface {
	// Get issues a GET to path with the encoded query and returns the raw
	// body and status code.
	Get(ctx context.Context, path string, query url.Values) ([]byte, int, error)
	// PostMultipart issues a multipart/form-data POST carrying form fields
	// plus a single file part named "file".
	PostMultipart(ctx context.Context, path string, query url.Values, fields map[string]string, fileName string, content io.Reader) ([]byte, int, error)
}

// HTTPTransport talks to the board's embedded HTTP server. One instance per
// session; requests are one-shot with deadlines supplied by the caller's ctx.
type HTTPTransport struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPTransport builds a transport for the given address (host or
// host:port). The address is used verbatim; validation happens upstream.
func NewHTTPTransport(address string, httpClient *http.Client) (*HTTPTransport, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, errors.New("transport address is empty")
	}
	if httpClient == nil {
		// No client-level timeout: per-call deadlines come from ctx, and the
		// upload deadline differs from the control one.
		httpClient = &http.Client{}
	}
	return &HTTPTransport{
		baseURL:    "http://" + address,
		httpClient: httpClient,
	}, nil
}

func (t *HTTPTransport) Get(ctx context.Context, path string, query url.Values) ([]byte, int, error) {
	endpoint := t.endpoint(path, query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, errors.Wrap(err, "build device request")
	}
	return t.do(req, "GET "+path)
}

func (t *HTTPTransport) PostMultipart(ctx context.Context, path string, query url.Values, fields map[string]string, fileName string, content io.Reader) ([]byte, int, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, 0, errors.Wrapf(err, "write multipart field %s", key)
		}
	}
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return nil, 0, errors.Wrap(err, "create multipart file part")
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, 0, errors.Wrapf(err, "read upload content for %s", fileName)
	}
	if err := writer.Close(); err != nil {
		return nil, 0, errors.Wrap(err, "finalize multipart body")
	}

	endpoint := t.endpoint(path, query)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, 0, errors.Wrap(err, "build device upload request")
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return t.do(req, "POST "+path)
}

func (t *HTTPTransport) do(req *http.Request, op string) ([]byte, int, error) {
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, 0, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, &TransportError{Op: op, Err: err}
	}
	return body, resp.StatusCode, nil
}

func (t *HTTPTransport) endpoint(path string, query url.Values) string {
	endpoint := t.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return endpoint
}
