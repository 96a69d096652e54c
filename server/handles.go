package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/common/version"
	"zaplink.io/zap/common/logging"
	mw "zaplink.io/zap/common/middleware"
	cst "zaplink.io/zap/constants"
	pe "zaplink.io/zap/errors"
	md "zaplink.io/zap/models"
	"zaplink.io/zap/service"
)

const (
	// form fields above this size are spooled to disk while parsing multipart bodies
	multipartMemMaxByte = 1 << 20
	formFieldFile       = "file"
)

var shortIDParam = regexp.MustCompile(`^[A-Za-z0-9_-]{3,64}$`)

// writeErr answers with err. Access denials are expected outcomes and never logged as errors
func writeErr(w http.ResponseWriter, r *http.Request, err *pe.Err) {
	clog := logging.WithFuncName().WithField(cst.LogFieldRequestID, mw.RequestIDFrom(r.Context()))
	switch {
	case err.Denial():
		clog.WithField("code", err.Code).Debug("request denied")
	case err.StatusCode() >= http.StatusInternalServerError:
		clog.WithError(err).WithField("trace", err.Trace()).Error("error serving request")
	default:
		clog.WithError(err).Info("bad request")
	}
	mw.WriteErr(w, err)
}

func shortID(ps httprouter.Params) (string, *pe.Err) {
	id := ps.ByName("shortId")
	if !shortIDParam.MatchString(id) {
		return "", pe.NewBadInput("invalid short id")
	}
	return id, nil
}

// acceptsHTML tells whether the client is a browser following the short link
func acceptsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// createFields are the raw create inputs, shared by the json and the form encodings
type createFields struct {
	Type              string      `json:"type"`
	Name              string      `json:"name"`
	OriginalURL       string      `json:"originalUrl"`
	TextContent       string      `json:"textContent"`
	DocumentText      string      `json:"documentText"`
	ImageData         string      `json:"imageData"`
	Password          string      `json:"password"`
	QuizQuestion      string      `json:"quizQuestion"`
	QuizAnswer        string      `json:"quizAnswer"`
	ViewLimit         json.Number `json:"viewLimit"`
	ExpiresAt         string      `json:"expiresAt"`
	DelayedAccessTime json.Number `json:"delayedAccessTime"`
}

func formFields(r *http.Request) *createFields {
	return &createFields{
		Type:              r.FormValue("type"),
		Name:              r.FormValue("name"),
		OriginalURL:       r.FormValue("originalUrl"),
		TextContent:       r.FormValue("textContent"),
		DocumentText:      r.FormValue("documentText"),
		ImageData:         r.FormValue("imageData"),
		Password:          r.FormValue("password"),
		QuizQuestion:      r.FormValue("quizQuestion"),
		QuizAnswer:        r.FormValue("quizAnswer"),
		ViewLimit:         json.Number(r.FormValue("viewLimit")),
		ExpiresAt:         r.FormValue("expiresAt"),
		DelayedAccessTime: json.Number(r.FormValue("delayedAccessTime")),
	}
}

func (f *createFields) toRequest() (*service.CreateRequest, *pe.Err) {
	req := &service.CreateRequest{
		Kind:         md.ContentKind(strings.TrimSpace(f.Type)),
		Name:         strings.TrimSpace(f.Name),
		OriginalURL:  strings.TrimSpace(f.OriginalURL),
		TextContent:  f.TextContent,
		DocumentText: f.DocumentText,
		ImageData:    strings.TrimSpace(f.ImageData),
		Password:     f.Password,
		QuizQuestion: strings.TrimSpace(f.QuizQuestion),
		QuizAnswer:   strings.TrimSpace(f.QuizAnswer),
	}
	if f.ViewLimit != "" {
		n, err := strconv.ParseInt(f.ViewLimit.String(), 10, 64)
		if err != nil {
			return nil, pe.NewValidationFailed("viewLimit", "viewLimit must be a positive integer")
		}
		req.ViewLimit = &n
	}
	if f.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, f.ExpiresAt)
		if err != nil {
			return nil, pe.NewValidationFailed("expiresAt", "expiresAt must be an RFC 3339 timestamp")
		}
		req.ExpiresAt = &t
	}
	if f.DelayedAccessTime != "" {
		n, err := strconv.ParseInt(f.DelayedAccessTime.String(), 10, 64)
		if err != nil {
			return nil, pe.NewValidationFailed("delayedAccessTime", "delayedAccessTime must be a number of seconds")
		}
		req.DelayedAccessSecs = n
	}
	return req, nil
}

func bodyErr(err error, what string) *pe.Err {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return pe.NewOversized(cst.ErrMsgRequestBodyTooLarge).WithCause(err)
	}
	return pe.NewBadInput("error parsing " + what).WithCause(err)
}

// parseCreate reads a create request encoded as multipart form, url encoded form or json. The returned
// cleanup releases the uploaded file and must be called once the request is served
func parseCreate(r *http.Request) (*service.CreateRequest, func(), *pe.Err) {
	noop := func() {}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(multipartMemMaxByte); err != nil {
			return nil, noop, bodyErr(err, "form")
		}
		cleanup := func() {
			if err := r.MultipartForm.RemoveAll(); err != nil {
				logging.WithFuncName().WithError(err).Warn("error removing spooled form data")
			}
		}
		req, perr := formFields(r).toRequest()
		if perr != nil {
			return nil, cleanup, perr
		}
		f, fh, err := r.FormFile(formFieldFile)
		switch {
		case errors.Is(err, http.ErrMissingFile):
			return req, cleanup, nil
		case err != nil:
			return nil, cleanup, bodyErr(err, "uploaded file")
		}
		req.File, req.FileName, req.ContentType = f, fh.Filename, fh.Header.Get("Content-Type")
		return req, func() { f.Close(); cleanup() }, nil
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, noop, bodyErr(err, "form")
		}
		req, perr := formFields(r).toRequest()
		return req, noop, perr
	default:
		var f createFields
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
			return nil, noop, bodyErr(err, "json body")
		}
		req, perr := f.toRequest()
		return req, noop, perr
	}
}

func (s *zapServer) HandleCreateZap() httprouter.Handle {
	clog := logging.WithFuncName().WithField("httpMethod", http.MethodPost)
	maxReqBodySize := s.Cfg.Limits.ReqBodyMaxBytes
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		// limit request size and parse request form
		r.Body = http.MaxBytesReader(w, r.Body, maxReqBodySize)
		req, cleanup, err := parseCreate(r)
		defer cleanup()
		if err != nil {
			writeErr(w, r, err)
			return
		}
		created, err := s.Svc.Create(r.Context(), req)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		clog.WithField(cst.LogFieldShortID, created.ShortID).Debug("zap created")
		mw.WriteJSON(w, http.StatusCreated, created)
	}
}

type resolvedBody struct {
	Type    md.ContentKind `json:"type"`
	Name    string         `json:"name,omitempty"`
	URL     string         `json:"url,omitempty"`
	Content string         `json:"content,omitempty"`
	Data    string         `json:"data,omitempty"`
	// RemainingViews is null for zaps without view limit
	RemainingViews *int64 `json:"remainingViews"`
}

// resolve answers with the zap content: browsers following a url zap are redirected and file content is
// streamed, everything else is described in json
func (s *zapServer) resolve(w http.ResponseWriter, r *http.Request, req service.ResolveRequest) {
	res, err := s.Svc.Resolve(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if res.File != nil {
		defer res.File.Close()
	}
	switch {
	case res.Kind == md.KindRedirectURL && acceptsHTML(r):
		http.Redirect(w, r, res.URL, http.StatusFound)
	case res.Kind == md.KindFile:
		s.streamFile(w, res)
	default:
		mw.WriteJSON(w, http.StatusOK, resolvedBody{
			Type:           res.Kind,
			Name:           res.Name,
			URL:            res.URL,
			Content:        res.Content,
			Data:           res.Data,
			RemainingViews: res.RemainingViews,
		})
	}
}

func (s *zapServer) streamFile(w http.ResponseWriter, res *service.Resolved) {
	clog := logging.WithFuncName().WithField("fileName", res.FileName)
	hd := w.Header()
	hd.Set("Content-Type", res.ContentType)
	hd.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": res.FileName}))
	hd.Set("X-Content-Type-Options", "nosniff")
	if res.Size > 0 {
		hd.Set("Content-Length", strconv.FormatInt(res.Size, 10))
	}
	if _, err := io.Copy(w, bufio.NewReader(res.File)); err != nil {
		// headers are out already; all we can do is to note it down
		clog.WithError(err).Error("error streaming file content")
	}
}

func (s *zapServer) HandleResolveZap() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		id, err := shortID(ps)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		q := r.URL.Query()
		s.resolve(w, r, service.ResolveRequest{
			ShortID:    id,
			Password:   q.Get("password"),
			QuizAnswer: q.Get("quizAnswer"),
			Client:     mw.ClientIP(r),
		})
	}
}

type accessBody struct {
	Password   string `json:"password"`
	QuizAnswer string `json:"quizAnswer"`
}

// HandleAccessZap resolves a zap with credentials carried in the request body rather than the url
func (s *zapServer) HandleAccessZap() httprouter.Handle {
	maxReqBodySize := s.Cfg.Limits.ReqBodyMaxBytes
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		id, err := shortID(ps)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxReqBodySize)
		var body accessBody
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		switch mediaType {
		case "application/x-www-form-urlencoded", "multipart/form-data":
			if perr := r.ParseMultipartForm(multipartMemMaxByte); perr != nil && !errors.Is(perr, http.ErrNotMultipart) {
				writeErr(w, r, bodyErr(perr, "form"))
				return
			}
			body.Password, body.QuizAnswer = r.FormValue("password"), r.FormValue("quizAnswer")
		default:
			if derr := json.NewDecoder(r.Body).Decode(&body); derr != nil && !errors.Is(derr, io.EOF) {
				writeErr(w, r, bodyErr(derr, "json body"))
				return
			}
		}
		s.resolve(w, r, service.ResolveRequest{
			ShortID:    id,
			Password:   body.Password,
			QuizAnswer: body.QuizAnswer,
			Client:     mw.ClientIP(r),
		})
	}
}

func (s *zapServer) HandleGetMetadata() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		id, err := shortID(ps)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		meta, err := s.Svc.Metadata(r.Context(), id)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		mw.WriteJSON(w, http.StatusOK, meta)
	}
}

func (s *zapServer) HandleDeleteZap() httprouter.Handle {
	clog := logging.WithFuncName().WithField("httpMethod", http.MethodDelete)
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		id, err := shortID(ps)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		token := r.Header.Get(cst.HeaderDeletionToken)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if err := s.Svc.Delete(r.Context(), id, token); err != nil {
			writeErr(w, r, err)
			return
		}
		clog.WithField(cst.LogFieldShortID, id).Info("zap deleted by owner")
		mw.WriteJSON(w, http.StatusOK, map[string]interface{}{"shortId": id, "deleted": true})
	}
}

func (s *zapServer) HandleHealth() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		mw.WriteJSON(w, http.StatusOK, map[string]string{
			"status":   "ok",
			"version":  version.Version,
			"revision": version.Revision,
		})
	}
}
