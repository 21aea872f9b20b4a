// Package server exposes a covers.Service over HTTP.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adrien-f/covers"
	"github.com/adrien-f/covers/ident"
	"github.com/adrien-f/covers/thumbnail"
	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// RequestIDHeader carries the request id, generated unless the client sent one.
	RequestIDHeader = "X-Request-ID"
	// PlaceholderHeader is set on responses that carry the placeholder image.
	PlaceholderHeader = "X-Cover-Placeholder"

	shutdownTimeout = 30 * time.Second
)

var placeholderColor = color.RGBA{R: 0xe0, G: 0xe0, B: 0xe0, A: 0xff}

// Options configures a Server.
type Options struct {
	Logger logr.Logger
	// Placeholder is an image file served when no cover exists. A plain
	// image sized to the requested box is generated when empty.
	Placeholder   string
	DefaultWidth  int
	DefaultHeight int
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP front end.
type Server struct {
	service *covers.Service
	router  *gin.Engine
	logger  logr.Logger

	placeholder     []byte
	placeholderType string
	defaultWidth    int
	defaultHeight   int
}

// New creates a server for svc and registers its routes.
func New(svc *covers.Service, opts Options) (*Server, error) {
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	if err := thumbnail.CheckBox(opts.DefaultWidth, opts.DefaultHeight); err != nil {
		return nil, fmt.Errorf("default size: %w", err)
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		service:       svc,
		logger:        opts.Logger,
		defaultWidth:  opts.DefaultWidth,
		defaultHeight: opts.DefaultHeight,
	}

	if opts.Placeholder != "" {
		data, err := os.ReadFile(opts.Placeholder)
		if err != nil {
			return nil, fmt.Errorf("failed to read placeholder: %w", err)
		}
		s.placeholder = data
		s.placeholderType = http.DetectContentType(data)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestID())

	router.GET("/cover", s.getCover)
	// path served by the original deployment
	router.GET("/thumbnail", s.getCover)
	router.GET("/healthz", s.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))

	s.router = router
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve serves on l until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(l)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.logger.Info("HTTP server listening", "addr", l.Addr().String())
	return s.Serve(ctx, l)
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)

		start := time.Now()
		c.Next()

		s.logger.V(1).Info("Handled request",
			"request_id", id,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"sources": s.service.Sources(),
	})
}

// getCover handles GET /cover. Identifier parameters are matched case
// insensitively (isbn, oclc, lccn, gbid, upc, mbid, artist+album); the box
// is given by width/height or maxWidth/maxHeight.
func (s *Server) getCover(c *gin.Context) {
	query := lowerKeys(c.Request.URL.Query())

	ids := ident.FromQuery(query)
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one identifier is required"})
		return
	}

	width, err := dimension(query, s.defaultWidth, "width", "maxwidth")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	height, err := dimension(query, s.defaultHeight, "height", "maxheight")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	data, found, err := s.service.GetCoverImage(c.Request.Context(), ids, width, height)
	if err != nil {
		if errors.Is(err, covers.ErrInvalidDimensions) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error(err, "Failed to resolve cover", "request_id", c.Writer.Header().Get(RequestIDHeader), "ids", ids)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve cover"})
		return
	}

	if !found {
		s.servePlaceholder(c, width, height)
		return
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}

func (s *Server) servePlaceholder(c *gin.Context, width, height int) {
	c.Header(PlaceholderHeader, "true")
	if s.placeholder != nil {
		c.Data(http.StatusOK, s.placeholderType, s.placeholder)
		return
	}

	data, err := generatePlaceholder(width, height)
	if err != nil {
		s.logger.Error(err, "Failed to generate placeholder")
		c.Status(http.StatusNoContent)
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}

func generatePlaceholder(width, height int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: placeholderColor}, image.Point{}, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lowerKeys(q url.Values) url.Values {
	out := make(url.Values, len(q))
	for k, v := range q {
		k = strings.ToLower(k)
		out[k] = append(out[k], v...)
	}
	return out
}

// dimension reads the first of names present in q.
func dimension(q url.Values, def int, names ...string) (int, error) {
	for _, name := range names {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > thumbnail.MaxDimension {
			return 0, fmt.Errorf("%s must be an integer between 1 and %d", name, thumbnail.MaxDimension)
		}
		return n, nil
	}
	return def, nil
}
