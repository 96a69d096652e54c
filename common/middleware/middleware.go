package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/bluele/gcache"
	"github.com/google/uuid"
	hr "github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	cst "zaplink.io/zap/constants"
	pe "zaplink.io/zap/errors"
	"zaplink.io/zap/metrics"
)

type Middleware func(hr.Handle) hr.Handle

// Chain composites given handler and middlewares; the last middleware given runs first
func Chain(h hr.Handle, ms ...Middleware) hr.Handle {
	for _, m := range ms {
		h = m(h)
	}
	return h
}

// PanicRecoverer recovers from panic of underlying handlers and answers with 500
func PanicRecoverer() Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithField("panicReason", rec).WithField(cst.LogFieldRequestID, RequestIDFrom(r.Context())).
						Error("got panic from underlying handler")
					WriteErr(w, pe.NewServiceFailure("internal error"))
				}
			}()
			h(w, r, p)
		}
	}
}

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID tags every request with an id, reusing the one the client sent if any
func RequestID() Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			id := r.Header.Get(cst.HeaderRequestID)
			if _, err := uuid.Parse(id); err != nil {
				id = uuid.NewString()
			}
			w.Header().Set(cst.HeaderRequestID, id)
			h(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)), p)
		}
	}
}

// RequestIDFrom returns the request id attached by RequestID, or empty string
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// AccessLog logs every request served under route and records its latency
func AccessLog(route string, m metrics.Metrics) Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			h(rec, r, p)
			if rec.status == 0 {
				rec.status = http.StatusOK
			}
			elapsed := time.Since(start)
			m.ObserveRequest(r.Method, route, strconv.Itoa(rec.status), elapsed.Seconds())
			log.WithFields(log.Fields{
				"httpMethod":          r.Method,
				"route":               route,
				"status":              rec.status,
				"latencyMillis":       elapsed.Milliseconds(),
				cst.LogFieldRequestID: RequestIDFrom(r.Context()),
			}).Info("request served")
		}
	}
}

// ClientIP identifies the requester by its remote address
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimiter limits the call rate of underlying handler per client with given token bucket config. The
// limiters of at most cacheSize recently seen clients are kept. A non-positive limit disables limiting.
func RateLimiter(limit rate.Limit, burst, cacheSize int) Middleware {
	if limit <= 0 {
		return func(h hr.Handle) hr.Handle { return h }
	}
	limiters := gcache.New(cacheSize).LRU().LoaderFunc(func(interface{}) (interface{}, error) {
		return rate.NewLimiter(limit, burst), nil
	}).Build()
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			v, err := limiters.Get(ClientIP(r))
			if err != nil {
				log.WithError(err).Error("error loading rate limiter")
				h(w, r, p)
				return
			}
			if !v.(*rate.Limiter).Allow() {
				WriteErr(w, pe.NewTooManyAttempts("too many requests; slow down"))
				return
			}
			h(w, r, p)
		}
	}
}

// HSTSer enforces clients to use HTTPS for interaction with service
func HSTSer() Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			h(w, r, p)
		}
	}
}

// CORS answers preflight requests and marks responses readable by the given origin
func CORS(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hd := w.Header()
		hd.Set("Access-Control-Allow-Origin", origin)
		hd.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		hd.Set("Access-Control-Allow-Headers", "Content-Type, "+cst.HeaderDeletionToken+", "+cst.HeaderRequestID)
		hd.Set("Access-Control-Expose-Headers", cst.HeaderRequestID)
		if origin != "*" {
			hd.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// -------------- responses --------------

type errBody struct {
	Code    pe.ErrCode        `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// WriteJSON sends v as the json response body with the given status
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("error encoding json response")
	}
}

// WriteErr sends err as a json error body with its status code
func WriteErr(w http.ResponseWriter, err *pe.Err) {
	WriteJSON(w, err.StatusCode(), map[string]errBody{
		"error": {Code: err.Code, Message: err.Error(), Details: err.Details},
	})
}
