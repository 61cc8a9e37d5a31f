package ray5agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ConnectionState models the session lifecycle.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	// StateFailed is transient: a failed handshake reports it and settles
	// back to StateDisconnected.
	StateFailed ConnectionState = "failed"
)

// Session describes an established device link.
type Session struct {
	Address      string
	HardwareAddr string
	ConnectedAt  time.Time
}

// Config controls SessionManager behavior. Zero values fall back to the
// package defaults.
type Config struct {
	// NewClient builds the device client for a normalized address. Defaults
	// to the production HTTP client; tests substitute stubs.
	NewClient func(address string) (DeviceAPI, error)
	// RemotePath is the SD directory listed on refresh.
	RemotePath        string
	KeepaliveInterval time.Duration
	ControlTimeout    time.Duration
	UploadTimeout     time.Duration
	MarkerTicks       int
	MarkerInterval    time.Duration
	EventBuffer       int
	Profiles          ProfileStore
	Recorder          TransferRecorder
	Clock             func() time.Time
}

// SessionManager owns the connection lifecycle for a single engraver. All
// mutable state is confined to the goroutine running Run; public operations
// enqueue work and return immediately, results arrive as events.
type SessionManager struct {
	cfg     Config
	catalog *FileCatalog
	sink    *eventSink

	ops      chan func()
	done     chan struct{}
	doneOnce sync.Once
	runCtx   context.Context

	backgroundGroup sync.WaitGroup

	// Owned by the Run goroutine.
	client       DeviceAPI
	gen          uint64
	stopSession  chan struct{}
	refreshing   bool
	pendingMarks []string
	inflight     map[BatchKind]string

	// Written by the Run goroutine, read by snapshot getters.
	mu      sync.RWMutex
	state   ConnectionState
	session *Session
}

// NewSessionManager builds a manager with defaults applied. Call Run before
// issuing operations.
func NewSessionManager(cfg Config) *SessionManager {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.MarkerTicks <= 0 {
		cfg.MarkerTicks = DefaultMarkerTicks
	}
	if cfg.MarkerInterval <= 0 {
		cfg.MarkerInterval = DefaultMarkerInterval
	}
	if strings.TrimSpace(cfg.RemotePath) == "" {
		cfg.RemotePath = "/"
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.Profiles == nil {
		cfg.Profiles = noopProfileStore{}
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopTransferRecorder{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewClient == nil {
		control := cfg.ControlTimeout
		upload := cfg.UploadTimeout
		cfg.NewClient = func(address string) (DeviceAPI, error) {
			transport, err := NewHTTPTransport(address, nil)
			if err != nil {
				return nil, err
			}
			return NewClientWithTransport(transport, control, upload), nil
		}
	}
	return &SessionManager{
		cfg:      cfg,
		catalog:  NewFileCatalog(cfg.MarkerTicks),
		sink:     newEventSink(cfg.EventBuffer),
		ops:      make(chan func(), 128),
		done:     make(chan struct{}),
		inflight: make(map[BatchKind]string),
		state:    StateDisconnected,
	}
}

// Run is the coordinating loop. It consumes queued operations and worker
// results, and drives marker decay. It returns when ctx is cancelled, after
// background workers have drained; the event channel is closed on exit.
func (m *SessionManager) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.runCtx = ctx
	log.Info().Msg("session manager running")

	decay := time.NewTicker(m.cfg.MarkerInterval)
	defer decay.Stop()

	for {
		select {
		case <-ctx.Done():
			m.closeDone()
			m.backgroundGroup.Wait()
			m.sink.close()
			log.Info().Msg("session manager stopped")
			return ctx.Err()
		case op := <-m.ops:
			op()
		case <-decay.C:
			if m.catalog.DecayTick() {
				m.emitCatalog()
			}
		}
	}
}

// Events returns the ordered event stream. The channel is closed when Run
// returns; slow consumers lose events rather than stalling the session.
func (m *SessionManager) Events() <-chan Event {
	return m.sink.ch
}

// DroppedEvents reports how many events were discarded because the consumer
// lagged.
func (m *SessionManager) DroppedEvents() int64 {
	return m.sink.Dropped()
}

// State returns the current lifecycle state.
func (m *SessionManager) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Session returns a copy of the established session, or nil.
func (m *SessionManager) Session() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil
	}
	copied := *m.session
	return &copied
}

// Catalog exposes the device file listing for snapshot reads.
func (m *SessionManager) Catalog() *FileCatalog {
	return m.catalog
}

// Connect validates the address and starts the handshake. Validation errors
// return immediately; everything after that is reported through events.
func (m *SessionManager) Connect(address string) error {
	normalized, err := NormalizeAddress(address)
	if err != nil {
		return err
	}
	if !m.post(func() { m.startConnect(normalized) }) {
		return errors.New("session manager is not running")
	}
	return nil
}

// Disconnect tears down the session. In-flight operation results are
// discarded when they land; the calls themselves are left to finish.
func (m *SessionManager) Disconnect() {
	m.post(func() { m.performDisconnect("user request") })
}

// RefreshCatalog schedules a listing refresh. Without an established session
// this is a no-op; refreshes are coalesced while one is in flight.
func (m *SessionManager) RefreshCatalog() {
	m.post(func() { m.startRefresh(nil) })
}

// RunUpload starts an upload batch. Directories are skipped, items run
// sequentially, and one item's failure never aborts the rest.
func (m *SessionManager) RunUpload(paths []string) {
	items := compactStrings(paths)
	if len(items) == 0 {
		return
	}
	m.post(func() { m.startBatch(BatchUpload, items) })
}

// RunDelete starts a delete batch for the given remote names.
func (m *SessionManager) RunDelete(names []string) {
	items := compactStrings(names)
	if len(items) == 0 {
		return
	}
	m.post(func() { m.startBatch(BatchDelete, items) })
}

// post enqueues op for the coordinating loop. It returns false once Run has
// exited, so workers never block on a dead loop.
func (m *SessionManager) post(op func()) bool {
	select {
	case m.ops <- op:
		return true
	case <-m.done:
		return false
	}
}

func (m *SessionManager) closeDone() {
	m.doneOnce.Do(func() { close(m.done) })
}

func (m *SessionManager) spawn(fn func(ctx context.Context)) {
	m.backgroundGroup.Add(1)
	go func() {
		defer m.backgroundGroup.Done()
		fn(m.runCtx)
	}()
}

// setState publishes the lifecycle snapshot readable by other goroutines.
func (m *SessionManager) setState(state ConnectionState, session *Session) {
	m.mu.Lock()
	m.state = state
	m.session = session
	m.mu.Unlock()
}

// invalidate bumps the generation counter so results from the previous
// session are discarded at apply time, and stops its keepalive.
func (m *SessionManager) invalidate() {
	m.gen++
	if m.stopSession != nil {
		close(m.stopSession)
		m.stopSession = nil
	}
	m.refreshing = false
	m.pendingMarks = nil
	m.inflight = make(map[BatchKind]string)
}

func (m *SessionManager) startConnect(address string) {
	if m.State() != StateDisconnected {
		m.performDisconnect("reconnecting")
	}
	m.gen++
	gen := m.gen

	client, err := m.cfg.NewClient(address)
	if err != nil {
		m.reportConnectFailure(address, err)
		return
	}
	m.client = client
	m.setState(StateConnecting, nil)
	m.emitState(StateConnecting, address, "", "")
	log.Info().Str("address", address).Msg("connecting to device")

	m.spawn(func(ctx context.Context) {
		identity, err := client.QueryIdentity(ctx)
		m.post(func() { m.finishConnect(gen, address, identity, err) })
	})
}

func (m *SessionManager) finishConnect(gen uint64, address string, identity Identity, err error) {
	if gen != m.gen {
		log.Debug().Str("address", address).Msg("discarding stale handshake result")
		return
	}
	if err != nil {
		m.client = nil
		m.reportConnectFailure(address, err)
		return
	}

	session := &Session{
		Address:      address,
		HardwareAddr: identity.HardwareAddr,
		ConnectedAt:  m.cfg.Clock(),
	}
	m.setState(StateConnected, session)
	m.emitState(StateConnected, address, identity.HardwareAddr, "")
	log.Info().
		Str("address", address).
		Str("hardware_addr", identity.HardwareAddr).
		Msg("device connected")

	m.persistProfile(session)

	stop := make(chan struct{})
	m.stopSession = stop
	m.startKeepalive(gen, m.client, stop, address)
	m.startRefresh(nil)
}

// reportConnectFailure surfaces the handshake error as an operation error,
// reports the transient Failed state, and settles back to Disconnected.
func (m *SessionManager) reportConnectFailure(address string, err error) {
	reason := connectFailureReason(err)
	log.Error().Err(err).Str("address", address).Msg("device handshake failed")
	m.sink.emit(&OperationErrorEvent{
		BaseEvent: newBase(EventOperationError),
		Op:        "connect",
		Message:   reason,
	})
	m.setState(StateFailed, nil)
	m.emitState(StateFailed, address, "", reason)
	m.setState(StateDisconnected, nil)
	m.emitState(StateDisconnected, "", "", "")
}

func connectFailureReason(err error) string {
	var pe *ProtocolError
	if errors.As(err, &pe) && pe.Body != "" {
		return fmt.Sprintf("%s (device said: %s)", pe.Error(), pe.Body)
	}
	return err.Error()
}

func (m *SessionManager) performDisconnect(reason string) {
	if m.State() == StateDisconnected {
		return
	}
	m.invalidate()
	m.client = nil
	m.catalog.Clear()
	m.setState(StateDisconnected, nil)
	log.Info().Str("reason", reason).Msg("device session closed")
	m.emitState(StateDisconnected, "", "", "")
	m.emitCatalog()
}

// startRefresh schedules a listing fetch. markNames accumulate and are lit
// once the next refresh lands, so an upload finishing during an in-flight
// refresh still gets its markers.
func (m *SessionManager) startRefresh(markNames []string) {
	if m.State() != StateConnected {
		log.Debug().Msg("refresh skipped: no session")
		return
	}
	m.pendingMarks = append(m.pendingMarks, markNames...)
	if m.refreshing {
		return
	}
	m.refreshing = true
	gen := m.gen
	client := m.client
	path := m.cfg.RemotePath

	m.spawn(func(ctx context.Context) {
		files, err := client.ListFiles(ctx, path)
		m.post(func() { m.finishRefresh(gen, files, err) })
	})
}

func (m *SessionManager) finishRefresh(gen uint64, files []RemoteFile, err error) {
	if gen != m.gen {
		log.Debug().Msg("discarding stale listing result")
		return
	}
	m.refreshing = false
	marks := m.pendingMarks
	m.pendingMarks = nil
	if err != nil {
		m.emitError("refresh", err)
		return
	}
	m.catalog.Replace(files)
	m.catalog.MarkChanged(marks)
	m.emitCatalog()
	log.Debug().Int("files", len(files)).Int("marked", len(marks)).Msg("catalog refreshed")
}

func (m *SessionManager) startBatch(kind BatchKind, items []string) {
	if m.State() != StateConnected {
		log.Debug().Str("kind", string(kind)).Msg("batch skipped: no session")
		return
	}
	if runningID, busy := m.inflight[kind]; busy {
		m.emitError(string(kind), errors.Errorf("another %s batch (%s) is still running", kind, runningID))
		return
	}
	batchID := newBatchID()
	m.inflight[kind] = batchID
	gen := m.gen
	client := m.client
	address := m.session.Address
	remotePath := m.cfg.RemotePath
	log.Info().
		Str("batch_id", batchID).
		Str("kind", string(kind)).
		Int("items", len(items)).
		Msg("device batch started")

	m.spawn(func(ctx context.Context) {
		results := runBatchItems(ctx, client, kind, remotePath, items)
		m.post(func() { m.finishBatch(gen, kind, batchID, address, results) })
	})
}

// runBatchItems executes batch items sequentially against the device. The
// board's embedded server handles one transfer at a time reliably. Uploads
// target remotePath, the same directory the catalog lists.
func runBatchItems(ctx context.Context, client DeviceAPI, kind BatchKind, remotePath string, items []string) []ItemResult {
	results := make([]ItemResult, 0, len(items))
	for _, item := range items {
		if kind == BatchUpload {
			if info, err := os.Stat(item); err == nil && info.IsDir() {
				log.Debug().Str("path", item).Msg("skipping directory in upload batch")
				continue
			}
		}
		var err error
		switch kind {
		case BatchUpload:
			err = client.UploadFile(ctx, item, remotePath)
		case BatchDelete:
			err = client.DeleteFile(ctx, item)
		}
		results = append(results, ItemResult{Item: item, Err: err})
	}
	return results
}

func (m *SessionManager) finishBatch(gen uint64, kind BatchKind, batchID, address string, results []ItemResult) {
	if gen != m.gen {
		log.Debug().Str("batch_id", batchID).Msg("discarding stale batch result")
		return
	}
	delete(m.inflight, kind)

	if err := m.cfg.Recorder.RecordBatch(m.runCtx, address, kind, batchID, results); err != nil {
		log.Warn().Err(err).Str("batch_id", batchID).Msg("record batch history failed")
	}

	failed := CountFailures(results)
	log.Info().
		Str("batch_id", batchID).
		Str("kind", string(kind)).
		Int("items", len(results)).
		Int("failed", failed).
		Msg("device batch finished")
	m.sink.emit(&BatchCompletedEvent{
		BaseEvent: newBase(EventBatchCompleted),
		Kind:      kind,
		BatchID:   batchID,
		Results:   results,
	})

	if kind == BatchUpload {
		m.startRefresh(uploadedNames(results))
		return
	}
	m.startRefresh(nil)
}

// uploadedNames maps successful upload items to the names the device will
// list them under.
func uploadedNames(results []ItemResult) []string {
	names := make([]string, 0, len(results))
	for _, result := range results {
		if result.Failed() {
			continue
		}
		names = append(names, filepath.Base(result.Item))
	}
	return names
}

func (m *SessionManager) persistProfile(session *Session) {
	profile := Profile{
		Address:      session.Address,
		HardwareAddr: session.HardwareAddr,
		LastSeenAt:   session.ConnectedAt,
	}
	if err := m.cfg.Profiles.SaveProfile(m.runCtx, profile); err != nil {
		log.Warn().Err(err).Str("address", session.Address).Msg("persist connection profile failed")
	}
}

func (m *SessionManager) emitState(state ConnectionState, address, hardwareAddr, reason string) {
	m.sink.emit(&ConnectionStateEvent{
		BaseEvent:    newBase(EventConnectionState),
		State:        state,
		Address:      address,
		HardwareAddr: hardwareAddr,
		Reason:       reason,
	})
}

func (m *SessionManager) emitCatalog() {
	files, changed := m.catalog.Snapshot()
	m.sink.emit(&CatalogUpdatedEvent{
		BaseEvent:    newBase(EventCatalogUpdated),
		Files:        files,
		ChangedNames: changed,
	})
}

func (m *SessionManager) emitError(op string, err error) {
	log.Error().Err(err).Str("op", op).Msg("device operation failed")
	m.sink.emit(&OperationErrorEvent{
		BaseEvent: newBase(EventOperationError),
		Op:        op,
		Message:   err.Error(),
	})
}

func newBase(eventType EventType) BaseEvent {
	return BaseEvent{EventType: eventType, Time: time.Now()}
}

func compactStrings(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
