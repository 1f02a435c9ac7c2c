// Command tachyond is a thin host process around the engine: it wires
// up the logger and store, starts the engine, and logs every status
// update until an OS signal asks it to stop. It exists to exercise the
// engine package the way a real integrator would, not as a product
// surface of its own.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tachyonengine/internal/config"
	"tachyonengine/internal/engine"
	"tachyonengine/internal/logger"
	"tachyonengine/internal/update"
)

func main() {
	storePath := flag.String("store", "tachyon.db", "path to the sqlite task store")
	logDir := flag.String("logdir", "", "directory for the JSON log file (default: OS user config dir)")
	flag.Parse()

	log, err := logger.New(os.Stdout, *logDir)
	if err != nil {
		println("error initializing logger:", err.Error())
		os.Exit(1)
	}

	eng, err := engine.New(log, *storePath, config.New())
	if err != nil {
		log.Error("error initializing engine", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	ch, detach := eng.Subscribe(256)
	defer detach()
	go logUpdates(log, ch)

	log.Info("tachyond started", "store", *storePath)
	waitForSignals()
	log.Info("shutdown signal received")
}

// logUpdates forwards every status/progress update onto the logger
// until ch is closed (on detach), so callers can watch engine activity
// without a bespoke listener.
func logUpdates(log *slog.Logger, ch <-chan update.Update) {
	for u := range ch {
		switch {
		case u.Status != nil:
			log.Info("task status", "taskId", u.Status.TaskID, "status", u.Status.Status)
		case u.Progress != nil:
			log.Debug("task progress", "taskId", u.Progress.TaskID, "progress", u.Progress.Progress)
		}
	}
}

// waitForSignals blocks until os.Interrupt or SIGTERM, grounded on the
// teacher's core.WaitForSignals.
func waitForSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
}
