package config

const (
	KeyQodoPath        = "qodo_path"
	KeyQodoArgs        = "qodo_args"
	KeyWorkDir         = "work_dir"
	KeyGracePeriod     = "grace_period"
	KeyKnownTools      = "known_tools"
	KeyTrackToolStatus = "track_tool_status"
	KeyLogLevel        = "log_level"
	KeyDebug           = "debug"
	KeyWSAddr          = "ws_addr"
)

// EnvPrefix namespaces environment overrides, e.g. QODO_ACP_QODO_PATH.
const EnvPrefix = "QODO_ACP"
