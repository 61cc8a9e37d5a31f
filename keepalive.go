package ray5agent

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// startKeepalive probes the device on the configured interval for as long as
// the session holds. Failed probes are logged and retried on the next tick;
// they never tear the session down on their own.
func (m *SessionManager) startKeepalive(gen uint64, client DeviceAPI, stop <-chan struct{}, address string) {
	interval := m.cfg.KeepaliveInterval
	m.spawn(func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				status, err := client.SendCommand(ctx, CommandStatus)
				if err != nil {
					log.Warn().Err(err).Str("address", address).Msg("keepalive probe failed")
					continue
				}
				// The board answers [ESP400] with its settings dump; any
				// "error" in the body means the probe did not land.
				if strings.Contains(strings.ToLower(status), "error") {
					log.Warn().
						Str("address", address).
						Str("response", excerpt(status)).
						Msg("keepalive reported device error")
					continue
				}
				m.post(func() { m.handleHeartbeat(gen, address) })
			}
		}
	})
}

func (m *SessionManager) handleHeartbeat(gen uint64, address string) {
	if gen != m.gen {
		return
	}
	m.sink.emit(&HeartbeatEvent{
		BaseEvent: newBase(EventHeartbeat),
		Address:   address,
	})
}
