/*
Package log provides structured logging for Tessera using zerolog.

All components log through the shared global logger, initialized once at
startup via Init. Child loggers carry a "component" field so that engine,
arena, index, and WAL output can be filtered independently:

	logger := log.WithComponent("engine")
	logger.Info().Str("slug", slug).Msg("node written")

Console output (the default) is human-readable; JSONOutput switches to
newline-delimited JSON for ingestion into log pipelines.
*/
package log
