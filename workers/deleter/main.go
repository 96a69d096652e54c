// Package deleter vends a long-running worker to purge expired and used up zaps along with their content.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/common/version"
	log "github.com/sirupsen/logrus"
	"zaplink.io/zap/common/logging"
	"zaplink.io/zap/config"
	st "zaplink.io/zap/stores"
	"zaplink.io/zap/sweeper"
)

func main() {
	if err := runDeleter(); err != nil {
		log.WithError(err).Fatal("error running deleter")
	}
}

func runDeleter() error {
	cfg, cerr := config.Load()
	if cerr != nil {
		return cerr
	}
	logging.SetupLog("ZapDeleter", cfg.Verbose)
	clog := logging.WithFuncName()
	clog.Infof("zap deleter %s", version.Info())

	// ensure the worker can be responsive to system signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// setup dependencies
	store, err := st.OpenArtifactStore(ctx, cfg.Store)
	if err != nil {
		clog.WithError(err).Error("error setting up artifact store")
		return err
	}
	defer store.Close()
	files, err := st.OpenFileStore(cfg.Files, cfg.Limits.UploadMaxBytes)
	if err != nil {
		clog.WithError(err).Error("error setting up file store")
		return err
	}
	defer files.Close()

	// sweeping is the whole point of this process; lazy deletions are owned by the server
	sc := cfg.Sweeper
	sc.Enabled = true
	sc.QueueLength = 0
	clog.WithFields(log.Fields{
		"sweepFrequency": sc.Frequency,
		"poolSize":       sc.PoolSize,
		"maxLoad":        sc.MaxLoad,
	}).Info("zap deleter is starting up")
	sweeper.New(store, files, sc, nil).Run(ctx)
	clog.Info("got termination signal. Stopping")
	return nil
}
