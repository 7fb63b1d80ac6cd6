package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger stamps the global logger with the application name. Writer
// and level setup belong to the logging package; this only layers the
// app field on top of whatever is already configured.
func InitLogger(app string) zerolog.Logger {
	logger := log.Logger.With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
