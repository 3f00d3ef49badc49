package respcache

import "github.com/psadesk/respcache/logging"

// Fields is a minimal structured field map for logs.
type Fields = logging.Fields

// Logger is a tiny leveled logger. Provide an adapter around your
// logging stack; the log/ subpackages cover zap, logrus, slog and
// zerolog. If Logger is nil in Options, logging is disabled.
type Logger = logging.Logger

// NopLogger discards everything.
type NopLogger = logging.Nop
