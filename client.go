package ray5agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// RemoteFile is one entry of the device's SD card listing.
type RemoteFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Identity is what the board reports about itself during the handshake.
type Identity struct {
	// HardwareAddr is the STA MAC extracted from the identify response, or
	// "Unknown" when the firmware does not print one.
	HardwareAddr string
	// FirmwareInfo keeps the raw identify response for diagnostics.
	FirmwareInfo string
}

// DeviceAPI is the operation surface the session manager drives. Production
// code uses Client; tests substitute stubs.
type DeviceAPI interface {
	QueryIdentity(ctx context.Context) (Identity, error)
	ListFiles(ctx context.Context, path string) ([]RemoteFile, error)
	UploadFile(ctx context.Context, localPath, remotePath string) error
	DeleteFile(ctx context.Context, name string) error
	SendCommand(ctx context.Context, command string) (string, error)
}

// unknownHardwareAddr is reported when the identify output has no STA block.
const unknownHardwareAddr = "Unknown"

var staAddrPattern = regexp.MustCompile(`STA \(([0-9A-F:]+)\)`)

// Client issues the typed device operations over a DeviceTransport. Calls are
// one-shot: deadlines are applied per call and nothing is retried here.
type Client struct {
	transport      DeviceTransport
	controlTimeout time.Duration
	uploadTimeout  time.Duration
}

// NewClient validates and normalizes the address, then builds a client over
// the production HTTP transport.
func NewClient(address string) (*Client, error) {
	normalized, err := NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	transport, err := NewHTTPTransport(normalized, nil)
	if err != nil {
		return nil, err
	}
	return NewClientWithTransport(transport, 0, 0), nil
}

// NewClientWithTransport builds a client over an existing transport. Zero
// timeouts fall back to the package defaults.
func NewClientWithTransport(transport DeviceTransport, controlTimeout, uploadTimeout time.Duration) *Client {
	if controlTimeout <= 0 {
		controlTimeout = DefaultControlTimeout
	}
	if uploadTimeout <= 0 {
		uploadTimeout = DefaultUploadTimeout
	}
	return &Client{
		transport:      transport,
		controlTimeout: controlTimeout,
		uploadTimeout:  uploadTimeout,
	}
}

// NormalizeAddress checks the user-supplied address and appends the default
// port when none is given. It never touches the network.
func NormalizeAddress(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.Wrap(ErrInvalidAddress, "address is empty")
	}
	host := trimmed
	port := strconv.Itoa(DefaultPort)
	if strings.Contains(trimmed, ":") {
		splitHost, splitPort, err := net.SplitHostPort(trimmed)
		if err != nil {
			return "", errors.Wrapf(ErrInvalidAddress, "split %q", trimmed)
		}
		parsed, err := strconv.Atoi(splitPort)
		if err != nil || parsed < 1 || parsed > 65535 {
			return "", errors.Wrapf(ErrInvalidAddress, "port %q out of range", splitPort)
		}
		host = splitHost
		port = splitPort
	}
	if !validHost(host) {
		return "", errors.Wrapf(ErrInvalidAddress, "host %q", host)
	}
	return net.JoinHostPort(host, port), nil
}

func validHost(host string) bool {
	if host == "" {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return true
	}
	// Hostname labels: alphanumeric plus interior hyphens.
	for _, label := range strings.Split(host, ".") {
		if label == "" || strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
		for _, r := range label {
			if r != '-' && !isAlnum(r) {
				return false
			}
		}
	}
	return true
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// QueryIdentity sends the identify command and checks the response looks like
// a Ray5 board before extracting the hardware address.
func (c *Client) QueryIdentity(ctx context.Context) (Identity, error) {
	info, err := c.SendCommand(ctx, CommandIdentify)
	if err != nil {
		return Identity{}, err
	}
	if !strings.Contains(info, firmwareMarker) {
		return Identity{}, &ProtocolError{
			Op:     "identify",
			Reason: "response has no firmware marker",
			Body:   excerpt(info),
		}
	}
	return Identity{
		HardwareAddr: extractHardwareAddr(info),
		FirmwareInfo: info,
	}, nil
}

func extractHardwareAddr(info string) string {
	match := staAddrPattern.FindStringSubmatch(info)
	if len(match) < 2 {
		return unknownHardwareAddr
	}
	return match[1]
}

// ListFiles fetches the SD listing for path (typically "/").
func (c *Client) ListFiles(ctx context.Context, path string) ([]RemoteFile, error) {
	if strings.TrimSpace(path) == "" {
		path = "/"
	}
	ctx, cancel := context.WithTimeout(ctx, c.controlTimeout)
	defer cancel()
	body, status, err := c.transport.Get(ctx, "/files", url.Values{"path": {path}})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError("list files", status, body)
	}
	var parsed struct {
		Files []RemoteFile `json:"files"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ProtocolError{
			Op:     "list files",
			Reason: "undecodable listing payload",
			Body:   excerpt(string(body)),
		}
	}
	files := make([]RemoteFile, 0, len(parsed.Files))
	for _, file := range parsed.Files {
		if strings.TrimSpace(file.Name) == "" {
			continue
		}
		files = append(files, file)
	}
	return files, nil
}

// UploadFile streams one local file to the device. Only HTTP 200 counts as
// success.
func (c *Client) UploadFile(ctx context.Context, localPath, remotePath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return errors.Wrapf(err, "stat upload source %s", localPath)
	}
	if info.IsDir() {
		return errors.Errorf("upload source %s is a directory", localPath)
	}
	file, err := os.Open(localPath)
	if err != nil {
		return errors.Wrapf(err, "open upload source %s", localPath)
	}
	defer file.Close()

	// remotePath names the target directory; the firmware joins it with the
	// multipart part's filename.
	if strings.TrimSpace(remotePath) == "" {
		remotePath = "/"
	}
	log.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("size", info.Size()).
		Msg("uploading file to device")

	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()
	fields := map[string]string{
		"path": remotePath,
		"size": strconv.FormatInt(info.Size(), 10),
	}
	body, status, err := c.transport.PostMultipart(ctx, "/upload", url.Values{"path": {remotePath}}, fields, filepath.Base(localPath), file)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return statusError("upload "+filepath.Base(localPath), status, body)
	}
	return nil
}

// DeleteFile removes one file from the SD card. The firmware answers 200 even
// for some failures and reports them only in free-form body text, so the
// status code is the only signal used here.
func (c *Client) DeleteFile(ctx context.Context, name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return errors.New("delete target name is empty")
	}
	ctx, cancel := context.WithTimeout(ctx, c.controlTimeout)
	defer cancel()
	query := url.Values{"commandText": {"$SD/Delete=" + trimmed}}
	body, status, err := c.transport.Get(ctx, "/command", query)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return statusError("delete "+trimmed, status, body)
	}
	return nil
}

// SendCommand runs a raw printer command and returns the response body.
func (c *Client) SendCommand(ctx context.Context, command string) (string, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return "", errors.New("command is empty")
	}
	ctx, cancel := context.WithTimeout(ctx, c.controlTimeout)
	defer cancel()
	body, status, err := c.transport.Get(ctx, "/command", url.Values{"plain": {trimmed}})
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", statusError("command "+trimmed, status, body)
	}
	return string(body), nil
}

// statusError files a non-2xx device answer as a transport failure, keeping a
// body excerpt in the message. ProtocolError stays reserved for 200 responses
// whose payload is not what the firmware should produce.
func statusError(op string, status int, body []byte) error {
	reason := fmt.Sprintf("unexpected status %d", status)
	if text := excerpt(string(body)); text != "" {
		reason += ": " + text
	}
	return &TransportError{Op: op, Err: errors.New(reason)}
}

// excerpt bounds response text carried inside errors and events.
func excerpt(body string) string {
	trimmed := strings.TrimSpace(body)
	if len(trimmed) > 2048 {
		return trimmed[:2048]
	}
	return trimmed
}
