package ray5agent

import "time"

// Environment variable names understood by the agent and its CLI.
// Flags take precedence; these are the fallbacks the cmd layer resolves.
const (
	// EnvDeviceAddr is the engraver address (host or host:port).
	EnvDeviceAddr = "RAY5_ADDR"
	// EnvKeepaliveInterval overrides the liveness probe interval.
	EnvKeepaliveInterval = "RAY5_KEEPALIVE_INTERVAL"
	// EnvControlTimeout overrides the per-call deadline for control requests.
	EnvControlTimeout = "RAY5_CONTROL_TIMEOUT"
	// EnvUploadTimeout overrides the per-file deadline for uploads.
	EnvUploadTimeout = "RAY5_UPLOAD_TIMEOUT"
	// EnvMarkerTicks overrides how many decay ticks a change marker survives.
	EnvMarkerTicks = "RAY5_MARKER_TICKS"
	// EnvMarkerInterval overrides the decay tick interval.
	EnvMarkerInterval = "RAY5_MARKER_INTERVAL"
	// EnvDatabasePath points the profile/history database somewhere explicit.
	EnvDatabasePath = "RAY5AGENT_DB_PATH"
)

// ESP3D control commands the firmware understands over /command?plain=.
const (
	// CommandIdentify asks the board for its firmware/network summary.
	CommandIdentify = "[ESP420]"
	// CommandStatus is the cheap probe used for keepalive.
	CommandStatus = "[ESP400]"
)

// Defaults applied by NewSessionManager and the device client when the
// corresponding Config fields are zero.
const (
	DefaultPort              = 8848
	DefaultKeepaliveInterval = 2 * time.Second
	DefaultControlTimeout    = 5 * time.Second
	DefaultUploadTimeout     = 60 * time.Second
	DefaultMarkerTicks       = 15
	DefaultMarkerInterval    = time.Second
)

// firmwareMarker must appear in the identify response before an endpoint is
// accepted as a Ray5-compatible board.
const firmwareMarker = "FW version"
