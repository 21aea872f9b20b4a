// Package grpcapi exposes a covers.Service over gRPC.
//
// The service is declared by hand on top of well-known protobuf types so
// that no generated code is needed:
//
//	service covers.v1.CoverService {
//	  rpc GetCover(google.protobuf.Struct) returns (google.protobuf.BytesValue);
//	}
//
// The request struct carries the same parameters as the HTTP front end:
// isbn, oclc, lccn, gbid, upc, mbid, artist, album, width and height.
package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/adrien-f/covers"
	"github.com/adrien-f/covers/ident"
	"github.com/adrien-f/covers/thumbnail"
	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName    = "covers.v1.CoverService"
	GetCoverMethod = "/" + ServiceName + "/GetCover"
)

// CoverServiceServer is the server API of covers.v1.CoverService.
type CoverServiceServer interface {
	GetCover(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error)
}

// ServiceDesc describes covers.v1.CoverService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoverServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetCover",
			Handler:    getCoverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "covers/v1/covers.proto",
}

func getCoverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoverServiceServer).GetCover(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: GetCoverMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CoverServiceServer).GetCover(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls covers.v1.CoverService.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// GetCover requests a cover. Absence is reported as codes.NotFound.
func (c *Client) GetCover(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, GetCoverMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Options configures a Server.
type Options struct {
	Logger        logr.Logger
	DefaultWidth  int
	DefaultHeight int
}

// Server implements CoverServiceServer on a covers.Service.
type Server struct {
	service       *covers.Service
	logger        logr.Logger
	defaultWidth  int
	defaultHeight int
}

// NewServer creates a gRPC front end for svc.
func NewServer(svc *covers.Service, opts Options) (*Server, error) {
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	if err := thumbnail.CheckBox(opts.DefaultWidth, opts.DefaultHeight); err != nil {
		return nil, fmt.Errorf("default size: %w", err)
	}
	return &Server{
		service:       svc,
		logger:        opts.Logger,
		defaultWidth:  opts.DefaultWidth,
		defaultHeight: opts.DefaultHeight,
	}, nil
}

// Register adds the cover and health services to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
}

// Serve serves on l until ctx is cancelled, then stops gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(s.logRequests))
	s.Register(gs)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gs.Serve(l)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down gRPC server")
	gs.GracefulStop()
	if err := <-errCh; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
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
	s.logger.Info("gRPC server listening", "addr", l.Addr().String())
	return s.Serve(ctx, l)
}

func (s *Server) logRequests(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.V(1).Info("Handled call", "method", info.FullMethod, "code", status.Code(err).String(), "duration", time.Since(start))
	return resp, err
}

// GetCover resolves the cover described by req.
func (s *Server) GetCover(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error) {
	params, err := structToValues(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	ids := ident.FromQuery(params)
	if len(ids) == 0 {
		return nil, status.Error(codes.InvalidArgument, "at least one identifier is required")
	}

	width, err := dimension(params, "width", s.defaultWidth)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	height, err := dimension(params, "height", s.defaultHeight)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	data, found, err := s.service.GetCoverImage(ctx, ids, width, height)
	switch {
	case errors.Is(err, covers.ErrInvalidDimensions):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	case err != nil:
		s.logger.Error(err, "Failed to resolve cover", "ids", ids)
		return nil, status.Error(codes.Internal, "failed to resolve cover")
	case !found:
		return nil, status.Errorf(codes.NotFound, "no cover for %v", ids)
	}
	return wrapperspb.Bytes(data), nil
}

// structToValues flattens the request into query parameters. Strings and
// numbers become single values, lists become repeated values.
func structToValues(req *structpb.Struct) (url.Values, error) {
	values := url.Values{}
	for name, v := range req.GetFields() {
		name = strings.ToLower(name)
		if list := v.GetListValue(); list != nil {
			for _, item := range list.GetValues() {
				s, err := scalar(name, item)
				if err != nil {
					return nil, err
				}
				values.Add(name, s)
			}
			continue
		}
		s, err := scalar(name, v)
		if err != nil {
			return nil, err
		}
		values.Add(name, s)
	}
	return values, nil
}

func scalar(name string, v *structpb.Value) (string, error) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue, nil
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(k.NumberValue, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("%s: expected a string or a number", name)
	}
}

func dimension(params url.Values, name string, def int) (int, error) {
	raw := params.Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > thumbnail.MaxDimension {
		return 0, fmt.Errorf("%s must be an integer between 1 and %d", name, thumbnail.MaxDimension)
	}
	return n, nil
}
