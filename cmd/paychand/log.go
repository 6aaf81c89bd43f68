package main

import (
	"os"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/tokenmeter/paychand/internal/chainrpc"
	"github.com/tokenmeter/paychand/internal/chunkpay"
	"github.com/tokenmeter/paychand/internal/engine"
	"github.com/tokenmeter/paychand/internal/events"
	"github.com/tokenmeter/paychand/internal/lifecycle"
	"github.com/tokenmeter/paychand/internal/scheduler"
	"github.com/tokenmeter/paychand/internal/settlement"
)

// logWriter implements io.Writer and writes to both stdout and the
// rotating log file, the same dual-sink pattern the teacher's own
// log.go wires up for every subsystem logger.
type logWriter struct {
	rotator *rotator.Rotator
}

func (w *logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	return w.rotator.Write(p)
}

var (
	logRotator *rotator.Rotator
	backendLog *btclog.Backend
)

// subsystemLoggers names every package that calls UseLogger, mirroring
// the teacher's own subsystemLoggers registry so `debuglevel` can
// address each one independently.
var subsystemLoggers = make(map[string]btclog.Logger)

func addSubLogger(name string) btclog.Logger {
	logger := backendLog.Logger(name)
	subsystemLoggers[name] = logger
	return logger
}

// initLogRotator opens (creating if absent) the rotating log file at
// logFile and wires btclog's global backend to write to both it and
// stdout.
func initLogRotator(logFile string, maxSizeMB, maxFiles int) error {
	r, err := rotator.New(logFile, int64(maxSizeMB*1024), false, maxFiles)
	if err != nil {
		return err
	}
	logRotator = r
	backendLog = btclog.NewBackend(&logWriter{rotator: r})
	return nil
}

// setLoggers wires the package-level loggers of every subsystem that
// exposes one, the way lnd's log.go calls each package's UseLogger once
// at startup.
func setLoggers(level btclog.Level) {
	for _, name := range []string{
		"PYCD", "LFCY", "CPAY", "STLM", "SCHD", "EVTS", "CRPC", "ENGN",
	} {
		logger := addSubLogger(name)
		logger.SetLevel(level)
	}

	log = subsystemLoggers["PYCD"]

	lifecycle.UseLogger(subsystemLoggers["LFCY"])
	chunkpay.UseLogger(subsystemLoggers["CPAY"])
	settlement.UseLogger(subsystemLoggers["STLM"])
	scheduler.UseLogger(subsystemLoggers["SCHD"])
	events.UseLogger(subsystemLoggers["EVTS"])
	chainrpc.UseLogger(subsystemLoggers["CRPC"])
	engine.UseLogger(subsystemLoggers["ENGN"])
}
