package main

import (
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	mw "zaplink.io/zap/common/middleware"
	pe "zaplink.io/zap/errors"
	"zaplink.io/zap/metrics"
)

// number of clients whose rate limiters are kept around
const rateLimiterCacheSize = 10000

// set up routes
func (s *zapServer) SetupMux() {
	if s.Metrics == nil {
		s.Metrics = metrics.Noop{}
	}
	globalLimit := mw.RateLimiter(s.Cfg.Rate.Global, s.Cfg.Rate.GlobalBurst, rateLimiterCacheSize)
	uploadLimit := mw.RateLimiter(s.Cfg.Rate.Upload, s.Cfg.Rate.UploadBurst, rateLimiterCacheSize)
	hsts := strings.HasPrefix(s.Cfg.PublicURL, "https://")
	// middlewares listed first run closest to the handler
	route := func(path string, h httprouter.Handle, ms ...mw.Middleware) httprouter.Handle {
		ms = append(ms, globalLimit)
		if hsts {
			ms = append(ms, mw.HSTSer())
		}
		ms = append(ms, mw.PanicRecoverer(), mw.AccessLog(path, s.Metrics), mw.RequestID())
		return mw.Chain(h, ms...)
	}

	r := httprouter.New()
	create := route("/api/zaps/upload", s.HandleCreateZap(), uploadLimit)
	access := route("/api/zaps/:shortId/access", s.HandleAccessZap())
	// httprouter cannot hold a static segment next to a named parameter, so the upload path shares the
	// parameter route
	r.POST("/api/zaps/:shortId", func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if ps.ByName("shortId") != "upload" {
			mw.WriteErr(w, pe.NewNotFound("route not found"))
			return
		}
		create(w, r, ps)
	})
	r.POST("/api/zaps/:shortId/access", access)
	r.GET("/api/zaps/:shortId", route("/api/zaps/:shortId", s.HandleResolveZap()))
	r.GET("/api/zaps/:shortId/metadata", route("/api/zaps/:shortId/metadata", s.HandleGetMetadata()))
	r.DELETE("/api/zaps/:shortId", route("/api/zaps/:shortId", s.HandleDeleteZap()))
	r.GET("/health", s.HandleHealth())
	r.Handler(http.MethodGet, "/metrics", metrics.Handler(s.Gatherer))
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mw.WriteErr(w, pe.NewNotFound("route not found"))
	})

	s.Router = r
	s.handler = mw.CORS(s.Cfg.CORSOrigin, r)
}
