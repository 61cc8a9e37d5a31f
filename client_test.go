package ray5agent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	address := strings.TrimPrefix(server.URL, "http://")
	transport, err := NewHTTPTransport(address, server.Client())
	if err != nil {
		t.Fatalf("build transport failed: %v", err)
	}
	return NewClientWithTransport(transport, 0, 0)
}

const identifyBody = `FW version: 3.0.2
FW target: grbl
hostname: longer-ray5
current WiFi Mode: STA (84:CC:A8:7F:52:E4)
IP: 192.168.4.1
`

func TestQueryIdentityParsesHardwareAddr(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("plain"); got != CommandIdentify {
			t.Errorf("unexpected plain command: %q", got)
		}
		fmt.Fprint(w, identifyBody)
	}))

	identity, err := client.QueryIdentity(context.Background())
	if err != nil {
		t.Fatalf("QueryIdentity returned error: %v", err)
	}
	if identity.HardwareAddr != "84:CC:A8:7F:52:E4" {
		t.Fatalf("unexpected hardware addr: %q", identity.HardwareAddr)
	}
	if !strings.Contains(identity.FirmwareInfo, "FW version") {
		t.Fatalf("firmware info lost: %q", identity.FirmwareInfo)
	}
}

func TestQueryIdentityReportsUnknownWithoutSTA(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "FW version: 3.0.2\nwifi mode: ap\n")
	}))

	identity, err := client.QueryIdentity(context.Background())
	if err != nil {
		t.Fatalf("QueryIdentity returned error: %v", err)
	}
	if identity.HardwareAddr != "Unknown" {
		t.Fatalf("expected Unknown hardware addr, got %q", identity.HardwareAddr)
	}
}

func TestQueryIdentityRejectsForeignDevice(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>router admin page</html>")
	}))

	_, err := client.QueryIdentity(context.Background())
	if err == nil {
		t.Fatal("expected identity mismatch error")
	}
	if !IsProtocolError(err) {
		t.Fatalf("expected protocol error, got %T: %v", err, err)
	}
	if !strings.Contains(err.Error(), "firmware marker") {
		t.Fatalf("unexpected error message: %v", err)
	}
}

func TestListFilesParsesListing(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("path"); got != "/" {
			t.Errorf("unexpected list path: %q", got)
		}
		fmt.Fprint(w, `{"files":[{"name":"frame.gc","size":20480},{"name":"","size":0},{"name":"burnbox.gc","size":131072}]}`)
	}))

	files, err := client.ListFiles(context.Background(), "")
	if err != nil {
		t.Fatalf("ListFiles returned error: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files after dropping empty names, got %d", len(files))
	}
	if files[0].Name != "frame.gc" || files[0].Size != 20480 {
		t.Fatalf("unexpected first entry: %+v", files[0])
	}
}

func TestListFilesRejectsGarbagePayload(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not json at all")
	}))

	_, err := client.ListFiles(context.Background(), "/")
	if !IsProtocolError(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestListFilesStatusErrorIsTransport(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "sd busy", http.StatusServiceUnavailable)
	}))

	_, err := client.ListFiles(context.Background(), "/")
	if !IsTransportError(err) {
		t.Fatalf("expected transport error on non-200, got %v", err)
	}
	if IsProtocolError(err) {
		t.Fatalf("status errors must not read as protocol errors: %v", err)
	}
	if !strings.Contains(err.Error(), "sd busy") {
		t.Fatalf("error should carry the device body: %v", err)
	}
}

func TestUploadFileSendsMultipart(t *testing.T) {
	received := make(chan map[string]string, 1)
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/upload" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart failed: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing file part: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		received <- map[string]string{
			"query_path": r.URL.Query().Get("path"),
			"field_path": r.FormValue("path"),
			"field_size": r.FormValue("size"),
			"filename":   header.Filename,
		}
		fmt.Fprint(w, "ok")
	}))

	local := filepath.Join(t.TempDir(), "part.gc")
	if err := os.WriteFile(local, []byte("G0 X0 Y0\nG1 X10\n"), 0o644); err != nil {
		t.Fatalf("write temp file failed: %v", err)
	}

	if err := client.UploadFile(context.Background(), local, ""); err != nil {
		t.Fatalf("UploadFile returned error: %v", err)
	}

	// The path carries the target directory; the filename travels only in
	// the part, as the firmware joins the two.
	got := <-received
	if got["query_path"] != "/" || got["field_path"] != "/" {
		t.Fatalf("unexpected remote path: %+v", got)
	}
	if got["field_size"] != "16" {
		t.Fatalf("unexpected size field: %q", got["field_size"])
	}
	if got["filename"] != "part.gc" {
		t.Fatalf("unexpected filename: %q", got["filename"])
	}

	if err := client.UploadFile(context.Background(), local, "/jobs"); err != nil {
		t.Fatalf("UploadFile with explicit directory returned error: %v", err)
	}
	got = <-received
	if got["query_path"] != "/jobs" || got["field_path"] != "/jobs" {
		t.Fatalf("explicit directory not passed through: %+v", got)
	}
	if got["filename"] != "part.gc" {
		t.Fatalf("unexpected filename: %q", got["filename"])
	}
}

func TestUploadFileRejectsDirectory(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for a directory source")
	}))

	err := client.UploadFile(context.Background(), t.TempDir(), "")
	if err == nil || !strings.Contains(err.Error(), "directory") {
		t.Fatalf("expected directory error, got %v", err)
	}
}

func TestUploadFileDeviceRejection(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upload failed", http.StatusInternalServerError)
	}))

	local := filepath.Join(t.TempDir(), "part.gc")
	if err := os.WriteFile(local, []byte("G0"), 0o644); err != nil {
		t.Fatalf("write temp file failed: %v", err)
	}

	err := client.UploadFile(context.Background(), local, "")
	if !IsTransportError(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !strings.Contains(err.Error(), "500") {
		t.Fatalf("error should carry the status code: %v", err)
	}
}

func TestDeleteFileSendsCommandText(t *testing.T) {
	received := make(chan string, 1)
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.URL.Query().Get("commandText")
		// Firmware answers 200 with free-form text even on problems.
		fmt.Fprint(w, "error: cannot delete missing.gc")
	}))

	if err := client.DeleteFile(context.Background(), "missing.gc"); err != nil {
		t.Fatalf("DeleteFile should trust the status code, got %v", err)
	}
	if got := <-received; got != "$SD/Delete=missing.gc" {
		t.Fatalf("unexpected commandText: %q", got)
	}
}

func TestSendCommandSurfacesStatusErrors(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))

	_, err := client.SendCommand(context.Background(), "[ESP400]")
	if !IsTransportError(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !strings.Contains(err.Error(), "unexpected status 404") {
		t.Fatalf("unexpected error message: %v", err)
	}
}

func TestTransportErrorOnUnreachableDevice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	address := strings.TrimPrefix(server.URL, "http://")
	server.Close()

	transport, err := NewHTTPTransport(address, nil)
	if err != nil {
		t.Fatalf("build transport failed: %v", err)
	}
	client := NewClientWithTransport(transport, 0, 0)

	_, err = client.SendCommand(context.Background(), "[ESP400]")
	if !IsTransportError(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestNormalizeAddress(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "192.168.1.50", want: "192.168.1.50:8848"},
		{in: " 192.168.1.50 ", want: "192.168.1.50:8848"},
		{in: "192.168.1.50:8080", want: "192.168.1.50:8080"},
		{in: "ray5.local", want: "ray5.local:8848"},
		{in: "", wantErr: true},
		{in: "   ", wantErr: true},
		{in: "192.168.1.50:0", wantErr: true},
		{in: "192.168.1.50:99999", wantErr: true},
		{in: "192.168.1.50:abc", wantErr: true},
		{in: "bad host", wantErr: true},
		{in: "-dash.local", wantErr: true},
	}
	for _, tc := range cases {
		got, err := NormalizeAddress(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("NormalizeAddress(%q): expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeAddress(%q) returned error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
