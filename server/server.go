package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	log "github.com/sirupsen/logrus"
	"zaplink.io/zap/common/logging"
	"zaplink.io/zap/config"
	cst "zaplink.io/zap/constants"
	pe "zaplink.io/zap/errors"
	"zaplink.io/zap/metrics"
	"zaplink.io/zap/secret"
	"zaplink.io/zap/service"
	st "zaplink.io/zap/stores"
	"zaplink.io/zap/sweeper"
)

const shutdownGracePeriod = 15 * time.Second

// zapServer answers the zap HTTP API
type zapServer struct {
	Svc      *service.Service
	Cfg      *config.Config
	Metrics  metrics.Metrics
	Gatherer prometheus.Gatherer
	Router   *httprouter.Router
	// Router wrapped by the handlers shared by every route
	handler http.Handler
}

func (s *zapServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// start up application server and serve incoming requests until SIGINT or SIGTERM
func serve() error {
	cfg, cerr := config.Load()
	if cerr != nil {
		return cerr
	}
	logging.SetupLog("ZapServer", cfg.Verbose)
	clog := logging.WithFuncName()
	clog.WithField("buildContext", version.BuildContext()).Infof("zap server %s", version.Info())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// initialize dependencies in data layer
	store, err := st.OpenArtifactStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()
	files, err := st.OpenFileStore(cfg.Files, cfg.Limits.UploadMaxBytes)
	if err != nil {
		return err
	}
	defer files.Close()
	cipher, err := setupCipher(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	m := metrics.NewProm("zap", nil)
	sw := sweeper.New(store, files, cfg.Sweeper, m)
	svr := &zapServer{
		Svc:      service.New(cfg, store, files, cipher, st.NewAttemptTracker(store, cfg.Limits), sw, m),
		Cfg:      cfg,
		Metrics:  m,
		Gatherer: prometheus.DefaultGatherer,
	}
	svr.SetupMux()

	// the sweeper always drains lazy deletions; it sweeps periodically only if enabled
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sw.Run(sweepCtx)
	}()
	defer func() {
		stopSweep()
		<-sweepDone
	}()

	httpSvr := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           svr,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpSvr.ListenAndServe()
	}()
	log.WithFields(log.Fields{
		"host":         cfg.Host,
		"port":         cfg.Port,
		"store":        cfg.Store.Backend,
		"fileStore":    cfg.Files.Backend,
		"sweepEnabled": cfg.Sweeper.Enabled,
	}).Info("zap server is starting up")

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	clog.Info("shutting down zap server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := httpSvr.Shutdown(shutdownCtx); err != nil {
		clog.WithError(err).Error("error shutting down http server gracefully")
		return err
	}
	return nil
}

func setupCipher(key string) (*secret.Cipher, *pe.Err) {
	if key == "" {
		logging.WithFuncName().Warnf("%s not set; inline content encrypted with an ephemeral key won't survive a restart",
			cst.EnvEncryptionKey)
		var err error
		if key, err = secret.NewRandomSecret(); err != nil {
			return nil, pe.NewServiceFailure("error generating encryption key").WithCause(err)
		}
	}
	c, err := secret.NewCipher(key)
	if err != nil {
		return nil, pe.NewServiceFailure("error setting up content cipher").WithCause(err)
	}
	return c, nil
}
