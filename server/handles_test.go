package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"zaplink.io/zap/config"
	cst "zaplink.io/zap/constants"
	pe "zaplink.io/zap/errors"
	"zaplink.io/zap/metrics"
	"zaplink.io/zap/secret"
	"zaplink.io/zap/service"
	st "zaplink.io/zap/stores"
	"zaplink.io/zap/sweeper"
)

func newTestServer(t *testing.T) *zapServer {
	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	cipher, err := secret.NewCipher("server-test-secret")
	require.NoError(t, err)

	cfg := &config.Config{
		PublicURL:  "http://zap.test",
		CORSOrigin: "*",
		BcryptCost: bcrypt.MinCost,
		Limits: config.Limits{
			TextMaxChars:       100,
			UploadMaxBytes:     1024,
			ImageMaxBytes:      64,
			ReqBodyMaxBytes:    4096,
			PasswdAttemptsMax:  3,
			PasswdAttemptsSpan: time.Minute,
		},
		Sweeper: config.SweeperConfig{PoolSize: 1, WIPCacheSize: 16, WIPEntryExpiry: time.Minute, QueueLength: 16},
	}
	store := &st.RedisStore{DB: client}
	files := &st.LocalFileStore{Root: t.TempDir(), MaxBytes: cfg.Limits.UploadMaxBytes}
	reg := prometheus.NewRegistry()
	m := metrics.NewProm("zap", reg)
	sw := sweeper.New(store, files, cfg.Sweeper, m)
	svr := &zapServer{
		Svc:      service.New(cfg, store, files, cipher, st.NewAttemptTracker(store, cfg.Limits), sw, m),
		Cfg:      cfg,
		Metrics:  m,
		Gatherer: reg,
	}
	svr.SetupMux()
	return svr
}

type reqOpt func(*http.Request)

func withHeader(k, v string) reqOpt {
	return func(r *http.Request) { r.Header.Set(k, v) }
}

func (s *zapServer) do(method, path string, body io.Reader, opts ...reqOpt) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	for _, o := range opts {
		o(req)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func jsonBody(t *testing.T, v interface{}) io.Reader {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func (s *zapServer) create(t *testing.T, fields map[string]interface{}) service.Created {
	rec := s.do(http.MethodPost, "/api/zaps/upload", jsonBody(t, fields), withHeader("Content-Type", "application/json"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var c service.Created
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&c))
	return c
}

type errResp struct {
	Error struct {
		Code    pe.ErrCode        `json:"code"`
		Details map[string]string `json:"details"`
	} `json:"error"`
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) pe.ErrCode {
	var e errResp
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e), "body: %s", rec.Body.String())
	return e.Error.Code
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	var m map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&m))
	return m
}

func TestCreateAndResolveText(t *testing.T) {
	svr := newTestServer(t)
	c := svr.create(t, map[string]interface{}{"textContent": "meet at noon", "name": "memo", "viewLimit": 2})
	assert.Len(t, c.ShortID, cst.ShortIDLength)
	assert.NotEmpty(t, c.DeletionToken)
	assert.Equal(t, "http://zap.test/api/zaps/"+c.ShortID, c.ShortURL)

	rec := svr.do(http.MethodGet, "/api/zaps/"+c.ShortID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(cst.HeaderRequestID))
	body := decode(t, rec)
	assert.Equal(t, "text", body["type"])
	assert.Equal(t, "memo", body["name"])
	assert.Equal(t, "meet at noon", body["content"])
	assert.EqualValues(t, 1, body["remainingViews"])

	rec = svr.do(http.MethodGet, "/api/zaps/"+c.ShortID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = svr.do(http.MethodGet, "/api/zaps/"+c.ShortID, nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, pe.ErrCodeViewLimitReached, errCode(t, rec))
}

func TestResolveURL(t *testing.T) {
	svr := newTestServer(t)
	c := svr.create(t, map[string]interface{}{"originalUrl": "https://example.com/landing"})

	tcs := []struct {
		name   string
		accept string
		code   int
	}{
		{name: "Browser", accept: "text/html,application/xhtml+xml", code: http.StatusFound},
		{name: "API", accept: "application/json", code: http.StatusOK},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			rec := svr.do(http.MethodGet, "/api/zaps/"+c.ShortID, nil, withHeader("Accept", tc.accept))
			require.Equal(t, tc.code, rec.Code)
			if tc.code == http.StatusFound {
				assert.Equal(t, "https://example.com/landing", rec.Header().Get("Location"))
				return
			}
			body := decode(t, rec)
			assert.Equal(t, "url", body["type"])
			assert.Equal(t, "https://example.com/landing", body["url"])
		})
	}
}

func TestCreateFileAndStream(t *testing.T) {
	svr := newTestServer(t)
	var buf bytes.Buffer
	mpw := multipart.NewWriter(&buf)
	require.NoError(t, mpw.WriteField("viewLimit", "1"))
	fw, err := mpw.CreateFormFile("file", "../../report final.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("quarterly numbers"))
	require.NoError(t, err)
	require.NoError(t, mpw.Close())

	rec := svr.do(http.MethodPost, "/api/zaps/upload", &buf, withHeader("Content-Type", mpw.FormDataContentType()))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var c service.Created
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&c))
	assert.Equal(t, "file", string(c.Kind))
	assert.Equal(t, "report_final.txt", c.Name)

	rec = svr.do(http.MethodGet, "/api/zaps/"+c.ShortID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "quarterly numbers", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename=report_final.txt`)

	rec = svr.do(http.MethodGet, "/api/zaps/"+c.ShortID, nil)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestCreateRejected(t *testing.T) {
	svr := newTestServer(t)
	tcs := []struct {
		name   string
		ct     string
		body   string
		status int
		code   pe.ErrCode
	}{
		{name: "MalformedJSON", ct: "application/json", body: `{"textContent":`, status: http.StatusBadRequest, code: pe.ErrCodeBadRequest},
		{name: "NoContent", ct: "application/json", body: `{"name":"empty"}`, status: http.StatusBadRequest, code: pe.ErrCodeValidationFailed},
		{name: "BadViewLimit", ct: "application/json", body: `{"textContent":"a","viewLimit":"many"}`, status: http.StatusBadRequest, code: pe.ErrCodeBadRequest},
		{name: "ZeroViewLimit", ct: "application/x-www-form-urlencoded", body: "textContent=a&viewLimit=0", status: http.StatusBadRequest, code: pe.ErrCodeValidationFailed},
		{name: "BadExpiry", ct: "application/x-www-form-urlencoded", body: "textContent=a&expiresAt=tomorrow", status: http.StatusBadRequest, code: pe.ErrCodeValidationFailed},
		{name: "PastExpiry", ct: "application/json", body: `{"textContent":"a","expiresAt":"2001-01-01T00:00:00Z"}`, status: http.StatusBadRequest, code: pe.ErrCodeValidationFailed},
		{name: "BodyTooLarge", ct: "application/json", body: `{"textContent":"` + strings.Repeat("x", 5000) + `"}`, status: http.StatusRequestEntityTooLarge, code: pe.ErrCodeOversized},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			rec := svr.do(http.MethodPost, "/api/zaps/upload", strings.NewReader(tc.body), withHeader("Content-Type", tc.ct))
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.code, errCode(t, rec))
		})
	}
}

func TestAccessWithCredentials(t *testing.T) {
	svr := newTestServer(t)
	c := svr.create(t, map[string]interface{}{
		"textContent":  "vault code 1234",
		"password":     "correct",
		"quizQuestion": "Capital of France?",
		"quizAnswer":   "Paris",
	})
	path := "/api/zaps/" + c.ShortID + "/access"
	tcs := []struct {
		name   string
		body   map[string]string
		status int
		code   pe.ErrCode
	}{
		{name: "NoQuiz", body: map[string]string{"password": "correct"}, status: http.StatusUnauthorized, code: pe.ErrCodeQuizRequired},
		{name: "WrongQuiz", body: map[string]string{"quizAnswer": "Lyon"}, status: http.StatusUnauthorized, code: pe.ErrCodeQuizIncorrect},
		{name: "NoPassword", body: map[string]string{"quizAnswer": " paris "}, status: http.StatusUnauthorized, code: pe.ErrCodePasswordRequired},
		{name: "WrongPassword", body: map[string]string{"quizAnswer": "Paris", "password": "wrong"}, status: http.StatusUnauthorized, code: pe.ErrCodePasswordIncorrect},
		{name: "Granted", body: map[string]string{"quizAnswer": "Paris", "password": "correct"}, status: http.StatusOK},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			rec := svr.do(http.MethodPost, path, jsonBody(t, tc.body), withHeader("Content-Type", "application/json"))
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			if tc.status == http.StatusOK {
				assert.Equal(t, "vault code 1234", decode(t, rec)["content"])
				return
			}
			assert.Equal(t, tc.code, errCode(t, rec))
		})
	}

	// credentials in the query string work the same
	q := "?quizAnswer=Paris&password=correct"
	rec := svr.do(http.MethodGet, "/api/zaps/"+c.ShortID+q, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPasswordAttemptsLimited(t *testing.T) {
	svr := newTestServer(t)
	c := svr.create(t, map[string]interface{}{"textContent": "secret", "password": "correct"})
	for i := 0; i < svr.Cfg.Limits.PasswdAttemptsMax; i++ {
		rec := svr.do(http.MethodGet, "/api/zaps/"+c.ShortID+"?password=wrong", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := svr.do(http.MethodGet, "/api/zaps/"+c.ShortID+"?password=correct", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, pe.ErrCodeTooManyAttempts, errCode(t, rec))
}

func TestLockedZap(t *testing.T) {
	svr := newTestServer(t)
	c := svr.create(t, map[string]interface{}{"textContent": "later", "delayedAccessTime": 3600})
	assert.True(t, c.HasDelayedAccess)

	rec := svr.do(http.MethodGet, "/api/zaps/"+c.ShortID, nil)
	require.Equal(t, http.StatusLocked, rec.Code)
	var e errResp
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	assert.Equal(t, pe.ErrCodeLocked, e.Error.Code)
	assert.NotEmpty(t, e.Error.Details[pe.DetailUnlockAt])

	rec = svr.do(http.MethodGet, "/api/zaps/"+c.ShortID+"/metadata", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["isDelayedLocked"])
}

func TestMetadata(t *testing.T) {
	svr := newTestServer(t)
	c := svr.create(t, map[string]interface{}{
		"textContent":  "x",
		"name":         "riddle",
		"quizQuestion": "2+2?",
		"quizAnswer":   "4",
		"viewLimit":    3,
	})
	rec := svr.do(http.MethodGet, "/api/zaps/"+c.ShortID+"/metadata", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode(t, rec)
	assert.Equal(t, "riddle", m["name"])
	assert.Equal(t, true, m["hasQuizProtection"])
	assert.Equal(t, "2+2?", m["quizQuestion"])
	assert.Equal(t, false, m["hasPasswordProtection"])
	assert.EqualValues(t, 3, m["viewsRemaining"])
	assert.NotContains(t, rec.Body.String(), "quizAnswer")

	// metadata never consumes a view
	rec = svr.do(http.MethodGet, "/api/zaps/"+c.ShortID+"/metadata", nil)
	assert.EqualValues(t, 3, decode(t, rec)["viewsRemaining"])
}

func TestDeleteZap(t *testing.T) {
	svr := newTestServer(t)
	c := svr.create(t, map[string]interface{}{"textContent": "bye"})
	path := "/api/zaps/" + c.ShortID

	rec := svr.do(http.MethodDelete, path, nil, withHeader(cst.HeaderDeletionToken, "not-the-token"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = svr.do(http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = svr.do(http.MethodDelete, path+"?token="+c.DeletionToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = svr.do(http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = svr.do(http.MethodDelete, path, nil, withHeader(cst.HeaderDeletionToken, c.DeletionToken))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouting(t *testing.T) {
	svr := newTestServer(t)
	tcs := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{name: "ShortIDTooShort", method: http.MethodGet, path: "/api/zaps/ab", status: http.StatusBadRequest},
		{name: "ShortIDBadChars", method: http.MethodGet, path: "/api/zaps/abc.def", status: http.StatusBadRequest},
		{name: "UnknownZap", method: http.MethodGet, path: "/api/zaps/Zz000000", status: http.StatusNotFound},
		{name: "PostToZap", method: http.MethodPost, path: "/api/zaps/Zz000000", status: http.StatusNotFound},
		{name: "UnknownRoute", method: http.MethodGet, path: "/nowhere", status: http.StatusNotFound},
		{name: "Preflight", method: http.MethodOptions, path: "/api/zaps/upload", status: http.StatusNoContent},
		{name: "Health", method: http.MethodGet, path: "/health", status: http.StatusOK},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			rec := svr.do(tc.method, tc.path, nil)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	svr := newTestServer(t)
	svr.create(t, map[string]interface{}{"textContent": "counted"})
	svr.do(http.MethodGet, "/api/zaps/Zz000000", nil)

	rec := svr.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `zap_artifacts_created_total{kind="text"} 1`)
	assert.Contains(t, body, `zap_resolutions_total{outcome="NotFound"} 1`)
	assert.Contains(t, body, fmt.Sprintf(`zap_http_requests_total{method="POST",route="/api/zaps/upload",status="%d"} 1`,
		http.StatusCreated))
}
