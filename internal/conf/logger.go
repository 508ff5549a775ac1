package conf

import "github.com/tphakala/statesync/internal/logger"

// GetLogger returns the config package logger scoped to the config module.
// It is fetched on every call so a central logger installed after init is used.
func GetLogger() logger.Logger {
	return logger.Global().Module("config")
}
