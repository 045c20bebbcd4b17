package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
)

// Response is returned by a Handler and knows how to write itself to the
// wire. Handlers build one with the JSON/Error/Empty/ClientErrorf/NotFoundf
// constructors below instead of touching http.ResponseWriter directly, so
// every route gets consistent status codes, bodies, and logging.
type Response interface {
	writeTo(w http.ResponseWriter)
	status() int
}

// Handler is the signature every route on a Router ultimately resolves to.
type Handler func(*http.Request, httprouter.Params) Response

type jsonResponse struct {
	code int
	body any
}

func (j *jsonResponse) status() int { return j.code }

func (j *jsonResponse) writeTo(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(j.code)
	if j.body != nil {
		json.NewEncoder(w).Encode(j.body)
	}
}

// JSON renders v as a 200 response body.
func JSON(v any) Response { return &jsonResponse{code: http.StatusOK, body: v} }

// Empty renders a 204 with no body, for handlers with nothing to return.
func Empty() Response { return &jsonResponse{code: http.StatusNoContent} }

type errResponse struct {
	code    int
	Message string `json:"error"`
	logMsg  string
}

func (e *errResponse) status() int { return e.code }

func (e *errResponse) writeTo(w http.ResponseWriter) {
	if e.code >= 500 {
		slog.Error(e.logMsg)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.code)
	json.NewEncoder(w).Encode(e)
}

// Error renders a 500 response and logs err server-side. The client only
// ever sees a generic message; details stay in the log.
func Error(err error) Response {
	return &errResponse{code: http.StatusInternalServerError, Message: "internal error", logMsg: err.Error()}
}

// Errorf is like Error but builds the message inline.
func Errorf(format string, args ...any) Response {
	return Error(fmt.Errorf(format, args...))
}

// ClientErrorf renders a response with the given status code and a
// client-visible message built from format/args. Use for 4xx responses
// where the message is safe to show the caller.
func ClientErrorf(code int, format string, args ...any) Response {
	msg := fmt.Sprintf(format, args...)
	return &errResponse{code: code, Message: msg, logMsg: msg}
}

// NotFoundf is ClientErrorf pinned to 404.
func NotFoundf(format string, args ...any) Response {
	return ClientErrorf(http.StatusNotFound, format, args...)
}

// Unauthorized renders a 401 in response to an auth failure.
func Unauthorized(err error) Response {
	return &errResponse{code: http.StatusUnauthorized, Message: "unauthorized", logMsg: err.Error()}
}

type Router struct {
	router *httprouter.Router
}

func NewRouter() *Router {
	return &Router{router: httprouter.New()}
}

// Serve wires up the stdlib http server to the engine, shutting down
// gracefully when ctx is cancelled.
func (r *Router) Serve(addr string) Proc {
	return func(ctx context.Context) error {
		svr := &http.Server{Handler: r, Addr: addr}
		go func() {
			<-ctx.Done()
			slog.Warn("gracefully shutting down http server...")
			svr.Shutdown(context.Background())
		}()
		if err := svr.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		slog.Info("the http server has shut down")
		return nil
	}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) { r.router.ServeHTTP(w, req) }

// Handle registers fn to serve method+path, logging each request's latency
// and resulting status code the way the stdlib-mux variant of this router
// does for HandleFunc.
func (r *Router) Handle(method, path string, fn Handler) {
	r.router.Handle(method, path, func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		start := time.Now()
		resp := fn(req, ps)
		resp.writeTo(w)
		slog.Info("http request", "method", method, "path", path, "latencyMS", time.Since(start).Milliseconds(), "status", resp.status())
	})
}

// HandleFunc registers a plain http.HandlerFunc (no Response wrapping) for
// routes that need to stream a body or set unusual headers, such as the
// health probe.
func (r *Router) HandleFunc(method, path string, fn http.HandlerFunc) {
	r.router.Handle(method, path, func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		fn(w, req)
	})
}

