package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/psadesk/respcache/logging"
)

var _ logging.Logger = ZerologLogger{}

type ZerologLogger struct{ L zerolog.Logger }

func (z ZerologLogger) Debug(msg string, f logging.Fields) { z.L.Debug().Fields(map[string]any(f)).Msg(msg) }
func (z ZerologLogger) Info(msg string, f logging.Fields)  { z.L.Info().Fields(map[string]any(f)).Msg(msg) }
func (z ZerologLogger) Warn(msg string, f logging.Fields)  { z.L.Warn().Fields(map[string]any(f)).Msg(msg) }
func (z ZerologLogger) Error(msg string, f logging.Fields) { z.L.Error().Fields(map[string]any(f)).Msg(msg) }
