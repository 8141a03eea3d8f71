package manager

import "github.com/rs/zerolog"

// zlog is the structured logger for lifecycle events. Unset means silent.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the manager.
func SetLogger(l zerolog.Logger) { zlog = &l }

func logger() *zerolog.Logger {
	if zlog == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return zlog
}
