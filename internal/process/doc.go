// Package process supervises ffmpeg-style subprocesses.
//
// A Process runs one subprocess at a time:
//   - graceful stop by closing stdin and sending SIGINT, then SIGKILL to
//     the process group after a timeout
//   - optional stdin pipe (Write) and raw stdout consumer (WithStdout) for
//     subprocesses used as frame filters
//   - stderr lines leveled by a pluggable LogParser and kept as a short
//     tail for error classification
//   - RunWithRestart for restarting with a new command line without
//     tearing down the caller
//
// Example:
//
//	p := process.New("encoder-cam0", args, logger,
//	    process.WithStdin(),
//	    process.WithStdout(splitter.Consume),
//	    process.WithLogParser(ffmpegLogger, ffmpeg.ParseLogLevel),
//	)
//	go p.RunWithRestart()
//	defer p.Shutdown()
package process
