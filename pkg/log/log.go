package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the package-wide logger. It is the zero value until Init
// runs, which is fine for tests but means nothing is emitted until the
// daemon calls Init during startup.
var Logger zerolog.Logger

// Level is the configured severity threshold.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

var zerologLevels = map[Level]zerolog.Level{
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
}

// Config controls Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init builds the package Logger from cfg. Unset Output defaults to
// stdout; an unrecognized Level defaults to info.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(resolveLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

func resolveLevel(l Level) zerolog.Level {
	if lvl, ok := zerologLevels[l]; ok {
		return lvl
	}
	return zerolog.InfoLevel
}

// field returns a child logger carrying a single string field. The
// named helpers below exist so call sites read as domain vocabulary
// (WithJobID(id)) rather than repeating field-name string literals.
func field(key, value string) zerolog.Logger {
	return Logger.With().Str(key, value).Logger()
}

// WithComponent tags a logger with the subsystem emitting it (agent,
// driver, drain, ...).
func WithComponent(component string) zerolog.Logger { return field("component", component) }

// WithNodeID tags a logger with the node a log line concerns.
func WithNodeID(nodeID string) zerolog.Logger { return field("node_id", nodeID) }

// WithJobID tags a logger with the job a log line concerns.
func WithJobID(jobID string) zerolog.Logger { return field("job_id", jobID) }

// WithRequestID tags a logger with the correlation id of a single
// migration invocation, so its Verify/DryRun/Checkpoint/... log lines
// can be grepped together.
func WithRequestID(requestID string) zerolog.Logger { return field("request_id", requestID) }

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }
func Fatal(msg string) { Logger.Fatal().Msg(msg) }

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}
