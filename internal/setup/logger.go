package setup

import "log/slog"

var packageLogger *slog.Logger

// SetLogger configures the logger used by the provisioning steps. A nil
// logger restores slog.Default.
func SetLogger(logger *slog.Logger) {
	packageLogger = logger
}

func getLogger() *slog.Logger {
	if packageLogger != nil {
		return packageLogger
	}
	return slog.Default().With("component", "setup")
}
