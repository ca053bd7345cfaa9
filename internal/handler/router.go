package handler

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/scienceserver/internal/handler/activation"
	"github.com/zhouzirui/scienceserver/internal/handler/video"
	"github.com/zhouzirui/scienceserver/internal/model/request"
	"github.com/zhouzirui/scienceserver/pkg/utils"
)

// Router reads the opening request line of every connection and dispatches
// it to the activation, video, static or error handler.
type Router struct {
	activation     *activation.Handler
	video          *video.Handler
	static         http.Handler
	requestTimeout time.Duration
	maxLine        int
	log            logrus.FieldLogger
}

// NewRouter wires connection targets to their handlers. requestTimeout bounds
// the wait for the request line and maxLine its length and that of every
// header line.
func NewRouter(activationHandler *activation.Handler, videoHandler *video.Handler, static http.Handler, requestTimeout time.Duration, maxLine int, log logrus.FieldLogger) *Router {
	return &Router{
		activation:     activationHandler,
		video:          videoHandler,
		static:         static,
		requestTimeout: requestTimeout,
		maxLine:        maxLine,
		log:            log.WithField("component", "dispatcher"),
	}
}

// ServeConn handles one accepted connection. The caller closes conn.
func (rt *Router) ServeConn(ctx context.Context, conn net.Conn) {
	br := bufio.NewReader(conn)

	if rt.requestTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(rt.requestTimeout))
	}
	req, err := request.Read(br, rt.maxLine)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		if !errors.Is(err, io.EOF) {
			rt.log.WithError(err).WithField("remote", conn.RemoteAddr().String()).Warn("dropping unreadable request")
		}
		return
	}

	switch req.Target {
	case request.TargetStatic:
		if req.Proto == request.ProtoHTTP {
			rt.serveHTTP(ctx, rt.static, conn, br, req)
		}

	case request.TargetActivation:
		switch {
		case req.Proto == request.ProtoTEXT:
			rt.activation.ServeText(ctx, conn, br)
		case req.IsWebSocketUpgrade():
			rt.serveHTTP(ctx, rt.activation, conn, br, req)
		default:
			rt.log.WithFields(logrus.Fields{
				"protocol": req.Proto.String(),
				"remote":   conn.RemoteAddr().String(),
			}).Debug("activation needs TEXT, dropping connection")
		}

	case request.TargetVideo:
		if req.Proto != request.ProtoATP {
			rt.serveError(ctx, conn, br, req)
			return
		}
		rt.video.Serve(ctx, bufferedConn{Reader: br, Writer: conn}, req.Arg)

	case request.TargetUnknown:
		rt.serveError(ctx, conn, br, req)
	}
}

// serveError logs the bad target and answers HTTP clients with the bad
// request document. Other protocols get no body.
func (rt *Router) serveError(ctx context.Context, conn net.Conn, br *bufio.Reader, req *request.Request) {
	rt.log.WithFields(logrus.Fields{
		"path":     req.Path,
		"protocol": req.Proto.String(),
		"remote":   conn.RemoteAddr().String(),
	}).Warn("invalid request")

	if req.Proto == request.ProtoHTTP {
		rt.serveHTTP(ctx, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if err := utils.RespondBadRequest(w); err != nil {
				rt.log.WithError(err).Debug("bad request response failed")
			}
		}), conn, br, req)
	}
}

// serveHTTP runs an http.Handler against the raw connection.
func (rt *Router) serveHTTP(ctx context.Context, h http.Handler, conn net.Conn, br *bufio.Reader, req *request.Request) {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, req.Path, nil)
	if err != nil {
		rt.log.WithError(err).WithField("path", req.Path).Warn("unparseable request path")
		return
	}
	r.Header = req.Header
	r.Host = req.Header.Get("Host")
	r.RemoteAddr = conn.RemoteAddr().String()
	if major, minor, ok := http.ParseHTTPVersion(req.Version); ok {
		r.Proto, r.ProtoMajor, r.ProtoMinor = req.Version, major, minor
	}

	w := utils.NewConnResponseWriter(conn, br)
	h.ServeHTTP(w, r)
	if err := w.Finish(); err != nil {
		rt.log.WithError(err).Debug("http response write failed")
		return
	}
	if !w.Hijacked() {
		rt.log.WithFields(logrus.Fields{"path": req.Path, "status": w.Status()}).Debug("http request served")
	}
}

// bufferedConn reads through the request reader so bytes buffered with the
// request line are not lost.
type bufferedConn struct {
	io.Reader
	io.Writer
}
