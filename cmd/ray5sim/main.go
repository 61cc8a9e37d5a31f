// ray5sim emulates the HTTP surface of a Longer Ray5 engraver (ESP3D-style
// web firmware) so the agent can be exercised without hardware.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type simulator struct {
	mu      sync.Mutex
	files   map[string]int64
	mac     string
	latency time.Duration
	// failUploads containing a substring makes matching uploads 500.
	failUploads string
}

func main() {
	var (
		flagListen      string
		flagMAC         string
		flagLatency     time.Duration
		flagFailUploads string
	)

	cmd := &cobra.Command{
		Use:   "ray5sim",
		Short: "Fake Ray5 engraver for local agent testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			sim := &simulator{
				files: map[string]int64{
					"frame.gc":   20480,
					"burnbox.gc": 131072,
				},
				mac:         flagMAC,
				latency:     flagLatency,
				failUploads: strings.TrimSpace(flagFailUploads),
			}

			server := &http.Server{
				Addr:    flagListen,
				Handler: sim.router(),
			}

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("listen", flagListen).Str("mac", flagMAC).Msg("ray5sim serving")
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-sigCtx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			log.Info().Msg("ray5sim shutting down")
			return server.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&flagListen, "listen", ":8848", "Listen address")
	cmd.Flags().StringVar(&flagMAC, "mac", "84:CC:A8:7F:52:E4", "STA MAC reported by the identify command")
	cmd.Flags().DurationVar(&flagLatency, "latency", 0, "Artificial delay added to every response")
	cmd.Flags().StringVar(&flagFailUploads, "fail-uploads", "", "Reject uploads whose name contains this substring")

	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()

	if err := cmd.Execute(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("ray5sim failed")
	}
}

func (s *simulator) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/command", s.handleCommand).Methods("GET")
	r.HandleFunc("/files", s.handleFiles).Methods("GET")
	r.HandleFunc("/upload", s.handleUpload).Methods("POST")
	if s.latency > 0 {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				time.Sleep(s.latency)
				next.ServeHTTP(w, req)
			})
		})
	}
	return r
}

func (s *simulator) handleCommand(w http.ResponseWriter, r *http.Request) {
	if plain := strings.TrimSpace(r.URL.Query().Get("plain")); plain != "" {
		s.handlePlainCommand(w, plain)
		return
	}
	if commandText := strings.TrimSpace(r.URL.Query().Get("commandText")); commandText != "" {
		s.handleCommandText(w, commandText)
		return
	}
	http.Error(w, "missing command", http.StatusBadRequest)
}

func (s *simulator) handlePlainCommand(w http.ResponseWriter, plain string) {
	log.Debug().Str("plain", plain).Msg("command received")
	switch plain {
	case "[ESP420]":
		fmt.Fprintf(w, "FW version: 3.0.2\n"+
			"FW target: grbl\n"+
			"SD connection: direct\n"+
			"hostname: longer-ray5\n"+
			"wifi mode: sta\n"+
			"current WiFi Mode: STA (%s)\n"+
			"IP: 192.168.4.1\n", s.mac)
	case "[ESP400]":
		// Settings dump; the agent only checks the body carries no "error".
		fmt.Fprint(w, "ok\nbaud: 115200\nsleep: off\n")
	default:
		fmt.Fprint(w, "ok\n")
	}
}

func (s *simulator) handleCommandText(w http.ResponseWriter, commandText string) {
	const deletePrefix = "$SD/Delete="
	if !strings.HasPrefix(commandText, deletePrefix) {
		fmt.Fprint(w, "ok\n")
		return
	}
	name := strings.TrimSpace(strings.TrimPrefix(commandText, deletePrefix))
	s.mu.Lock()
	_, existed := s.files[name]
	delete(s.files, name)
	s.mu.Unlock()
	log.Info().Str("name", name).Bool("existed", existed).Msg("delete requested")
	if !existed {
		// Real firmware still answers 200 and hides the problem in the body.
		fmt.Fprintf(w, "error: cannot delete %s\n", name)
		return
	}
	fmt.Fprint(w, "ok\n")
}

func (s *simulator) handleFiles(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	}
	s.mu.Lock()
	entries := make([]entry, 0, len(s.files))
	for name, size := range s.files {
		entries = append(entries, entry{Name: name, Size: size})
	}
	s.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"files": entries,
		"path":  r.URL.Query().Get("path"),
	})
}

func (s *simulator) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "bad multipart payload", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file part", http.StatusBadRequest)
		return
	}
	defer file.Close()

	// The path field names the target directory and the filename rides in the
	// part, matching the real firmware. The table here is flat, so the
	// directory is only logged.
	name := path.Base(strings.TrimSpace(header.Filename))
	if name == "" || name == "." || name == "/" {
		http.Error(w, "missing file name", http.StatusBadRequest)
		return
	}
	dir := firstOf(r.FormValue("path"), "/")
	if s.failUploads != "" && strings.Contains(name, s.failUploads) {
		log.Warn().Str("name", name).Msg("upload rejected by --fail-uploads")
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	s.files[name] = header.Size
	s.mu.Unlock()
	log.Info().Str("name", name).Str("dir", dir).Int64("size", header.Size).Msg("upload stored")
	fmt.Fprint(w, "ok\n")
}

func firstOf(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
