package trainer

import "github.com/rs/zerolog"

// zlog is the structured logger for training progress. Unset means silent.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the trainer.
func SetLogger(l zerolog.Logger) { zlog = &l }

func logger() *zerolog.Logger {
	if zlog == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return zlog
}
