/*
Package log provides structured logging for the migration subsystem using
zerolog.

The global Logger is configured once via Init and is safe for concurrent
use from the agent, driver, policies, and drain packages. Component loggers
(WithComponent) and context loggers (WithJobID, WithRequestID) attach
fields so log lines can be correlated to a specific job or a specific
driver invocation without threading a logger argument through every call.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	agentLog := log.WithComponent("agent")
	agentLog.Info().Msg("tick started")

	driverLog := log.WithJobID(jobID).With().Str("request_id", reqID).Logger()
	driverLog.Error().Err(err).Msg("checkpoint_vacate failed")
*/
package log
