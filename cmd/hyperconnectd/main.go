// Command hyperconnectd is the hyperconnect process entrypoint: it loads
// identity and config, wires Discovery, the Connection Manager, the
// Messaging and Transfer engines, and the Event Bus together, then blocks
// until a shutdown signal.
//
// Assembly mirrors catshadow's main() in catchat.go: load state, construct
// one long-lived object per concern, start their worker goroutines, wait
// on an interrupt signal, then tear everything down in reverse order.
package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/gofrs/uuid"

	"github.com/hyperconnect/hyperconnect/internal/config"
	"github.com/hyperconnect/hyperconnect/internal/connmgr"
	"github.com/hyperconnect/hyperconnect/internal/discovery"
	"github.com/hyperconnect/hyperconnect/internal/events"
	"github.com/hyperconnect/hyperconnect/internal/history"
	"github.com/hyperconnect/hyperconnect/internal/identity"
	"github.com/hyperconnect/hyperconnect/internal/messaging"
	"github.com/hyperconnect/hyperconnect/internal/model"
	"github.com/hyperconnect/hyperconnect/internal/transfer"
)

// router implements connmgr.FrameHandler, dispatching each decoded control
// frame to whichever engine owns its type. It has no behavior of its own;
// it exists so Messaging and Transfer can each expose a narrow HandleFrame
// without one importing the other.
type router struct {
	messaging *messaging.Engine
	transfer  *transfer.Engine
}

func (r *router) HandleFrame(peerID uuid.UUID, msg *model.ControlMessage) {
	switch msg.Type {
	case model.TypeMessage, model.TypeMessageDelivered, model.TypeMessageRead, model.TypeMessageDelete:
		r.messaging.HandleFrame(peerID, msg)
	case model.TypeFileMeta, model.TypeFileAccept, model.TypeFileReject, model.TypeFileCancel:
		r.transfer.HandleFrame(peerID, msg)
	}
}

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: "hyperconnectd"})

	home, err := os.UserConfigDir()
	if err != nil {
		logger.Fatalf("resolve user config dir: %v", err)
	}
	appDir := filepath.Join(home, "hyperconnect")
	if err := os.MkdirAll(appDir, 0o700); err != nil {
		logger.Fatalf("create app dir: %v", err)
	}

	downloadsDir := defaultDownloadsDir()
	cfgStore, err := config.NewStore(filepath.Join(appDir, "hyperconnect.toml"), downloadsDir)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	cfg := cfgStore.Get()
	logger.SetLevel(parseLevel(cfg.LogLevel))

	idStore, self, err := identity.Load(filepath.Join(appDir, "identity.json"), runtime.GOOS, logger)
	if err != nil {
		logger.Fatalf("load identity: %v", err)
	}

	histStore, err := history.Load(filepath.Join(appDir, "history.cbor"), logger)
	if err != nil {
		logger.Fatalf("load history: %v", err)
	}

	bus := events.New(256, logger)

	mgr := connmgr.New(self, cfg.DialTimeout, cfg.HandshakeTimeout, bus, logger)

	port, err := mgr.Listen(":0")
	if err != nil {
		logger.Fatalf("listen: %v", err)
	}

	disco := discovery.New(self, port, cfg.HeartbeatInterval, bus, mgr, logger)
	mgr.SetPeerPromoter(disco)

	msgEngine := messaging.New(self.DeviceID, mgr, histStore, bus, logger)
	xferEngine := transfer.New(self.DeviceID, mgr, disco, mgr, cfgStore.DownloadsDir, cfgStore.AutoAccept, cfg.DialTimeout, bus, logger)

	mgr.SetHandlers(&router{messaging: msgEngine, transfer: xferEngine}, xferEngine)

	if err := disco.Start(); err != nil {
		logger.Fatalf("start discovery: %v", err)
	}

	recorderDone := make(chan struct{})
	go func() {
		defer close(recorderDone)
		recordTerminalTransfers(bus, histStore, logger)
	}()

	logger.Infof("hyperconnectd running as %s (%s), listening on port %d", self.DisplayName, self.DeviceID, port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	disco.Stop()
	mgr.Stop()
	bus.Close()
	<-recorderDone
	histStore.Close()
	idStore.Close()
}

// recordTerminalTransfers drains the event bus for this process's own
// lifetime, persisting each transfer's terminal state to history. It is
// the one permanent consumer of bus.Events(); a future IPC/UI layer would
// range over the same channel for live updates, but until one exists this
// keeps the bus from filling up and dropping events.
func recordTerminalTransfers(bus *events.Bus, hist *history.Store, logger *log.Logger) {
	for ev := range bus.Events() {
		switch ev.Kind {
		case events.TransferCompleted, events.TransferFailed, events.TransferRejected, events.TransferCancelled:
			if ev.Transfer != nil {
				hist.RecordTransfer(*ev.Transfer)
			}
		case events.SecurityError:
			logger.Warnf("security event: %s: %s", ev.ErrorKind, ev.ErrorText)
		}
	}
}

func defaultDownloadsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, "Downloads", "hyperconnect")
}

func parseLevel(level string) log.Level {
	switch level {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
