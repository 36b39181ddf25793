package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/sushant-115/hvac/core/data_mover"
	"github.com/sushant-115/hvac/core/storage_engine/tiered_storage"
	internaltelemetry "github.com/sushant-115/hvac/internal/telemetry"
	"github.com/sushant-115/hvac/pkg/connection"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const serviceName = "hvac.TierService"

// MaxReadSize caps the payload of a single Read RPC. Its base64 encoding
// has to fit in connection.MaxMessageSize.
const MaxReadSize = 16 << 20

// TierServer is the server API of the tier service.
type TierServer interface {
	Open(context.Context, *OpenRequest) (*OpenResponse, error)
	Read(context.Context, *ReadRequest) (*ReadResponse, error)
	Seek(context.Context, *SeekRequest) (*SeekResponse, error)
	Close(context.Context, *CloseRequest) (*CloseResponse, error)
}

// RegisterTierServer registers srv on s.
func RegisterTierServer(s grpc.ServiceRegistrar, srv TierServer) {
	s.RegisterService(&TierServiceDesc, srv)
}

func _TierService_Open_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(OpenRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TierServer).Open(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Open"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TierServer).Open(ctx, req.(*OpenRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _TierService_Read_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReadRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TierServer).Read(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Read"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TierServer).Read(ctx, req.(*ReadRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _TierService_Seek_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SeekRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TierServer).Seek(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Seek"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TierServer).Seek(ctx, req.(*SeekRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _TierService_Close_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CloseRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TierServer).Close(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Close"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TierServer).Close(ctx, req.(*CloseRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// TierServiceDesc describes the tier service for grpc.Server.
var TierServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TierServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Open", Handler: _TierService_Open_Handler},
		{MethodName: "Read", Handler: _TierService_Read_Handler},
		{MethodName: "Seek", Handler: _TierService_Seek_Handler},
		{MethodName: "Close", Handler: _TierService_Close_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hvac/tier_service",
}

type openFile struct {
	path       string
	redirected bool
}

// Service implements TierServer on top of a node's policy store and mover.
type Service struct {
	store   *tiered_storage.PolicyStore
	mover   *data_mover.Mover
	logger  *zap.Logger
	metrics *internaltelemetry.RPCMetrics
	tracer  trace.Tracer

	mu    sync.Mutex
	files map[int]openFile
	// refs counts open server descriptors per path; the store only sees
	// the file as closed once the last one goes away.
	refs map[string]int
}

// NewService creates the tier service. metrics and tracer may be nil.
func NewService(store *tiered_storage.PolicyStore, mover *data_mover.Mover, logger *zap.Logger,
	metrics *internaltelemetry.RPCMetrics, tracer trace.Tracer) *Service {
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	return &Service{
		store:   store,
		mover:   mover,
		logger:  logger.Named("tier_service"),
		metrics: metrics,
		tracer:  tracer,
		files:   make(map[int]openFile),
		refs:    make(map[string]int),
	}
}

// NewGRPCServer builds a grpc.Server serving svc with the JSON codec and
// telemetry interceptor installed.
func NewGRPCServer(svc *Service, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ForceServerCodec(Codec{}),
		grpc.MaxRecvMsgSize(connection.MaxMessageSize),
		grpc.MaxSendMsgSize(connection.MaxMessageSize),
		grpc.UnaryInterceptor(svc.UnaryInterceptor()),
	)
	s := grpc.NewServer(opts...)
	RegisterTierServer(s, svc)
	return s
}

// UnaryInterceptor records RPC metrics and a span around every call.
func (s *Service) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		end := s.metrics.Begin(ctx, info.FullMethod)
		ctx, span := s.tracer.Start(ctx, info.FullMethod, trace.WithAttributes(
			attribute.String("rpc.service", serviceName),
			attribute.String("rpc.method", info.FullMethod),
		))
		resp, err := handler(ctx, req)
		code := status.Code(err)
		if err != nil {
			span.SetStatus(otelcodes.Error, code.String())
		} else {
			span.SetStatus(otelcodes.Ok, "Success")
		}
		span.End()
		end(code.String())
		return resp, err
	}
}

// Open opens the staged copy of the path when one exists, the original
// otherwise, and registers the file with the policy store.
func (s *Service) Open(ctx context.Context, req *OpenRequest) (*OpenResponse, error) {
	if req.Path == "" {
		return nil, status.Error(codes.InvalidArgument, "path is required")
	}
	target, redirected := s.mover.Redirects().Lookup(req.Path)
	if !redirected {
		target = req.Path
	}

	fd, err := unix.Open(target, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errnoStatus(err, "open %s", target)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, errnoStatus(err, "stat %s", target)
	}
	size := uint64(st.Size)

	tier, err := s.store.AddFile(req.Path, size)
	if errors.Is(err, tiered_storage.ErrCapacityExceeded) {
		// The file grew past what its tier can hold; keep serving it from
		// where the store already has it.
		s.logger.Warn("Size update rejected", zap.String("path", req.Path), zap.Uint64("size", size), zap.Error(err))
		tier = s.store.GetTier(req.Path)
	} else if err != nil {
		unix.Close(fd)
		return nil, status.Errorf(codes.Internal, "register %s: %v", req.Path, err)
	}

	// The reference count and the store's open flag change together so a
	// concurrent last Close cannot mark a freshly opened file closed.
	s.mu.Lock()
	if err := s.store.SetOpenState(req.Path, true); err != nil {
		s.logger.Error("Failed to mark file open", zap.String("path", req.Path), zap.Error(err))
	}
	s.files[fd] = openFile{path: req.Path, redirected: redirected}
	s.refs[req.Path]++
	s.mu.Unlock()

	s.logger.Debug("Opened file",
		zap.String("path", req.Path),
		zap.String("target", target),
		zap.Int("fd", fd),
		zap.String("tier", string(tier)))
	return &OpenResponse{FD: fd, Tier: tier, Size: size, Redirected: redirected}, nil
}

func (s *Service) Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error) {
	f, ok := s.lookup(req.FD)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "fd %d is not open", req.FD)
	}
	if req.Count < 0 || req.Count > MaxReadSize {
		return nil, status.Errorf(codes.InvalidArgument, "count %d out of range", req.Count)
	}

	buf := make([]byte, req.Count)
	var (
		n   int
		err error
	)
	if req.Offset == -1 {
		n, err = unix.Read(req.FD, buf)
	} else {
		n, err = unix.Pread(req.FD, buf, req.Offset)
	}
	if err != nil {
		return nil, errnoStatus(err, "read %s", f.path)
	}
	s.store.UpdateAccess(f.path)
	return &ReadResponse{Data: buf[:n]}, nil
}

func (s *Service) Seek(ctx context.Context, req *SeekRequest) (*SeekResponse, error) {
	f, ok := s.lookup(req.FD)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "fd %d is not open", req.FD)
	}
	off, err := unix.Seek(req.FD, req.Offset, req.Whence)
	if err != nil {
		return nil, errnoStatus(err, "seek %s", f.path)
	}
	return &SeekResponse{Offset: off}, nil
}

// Close closes the descriptor. When the last descriptor of a path goes
// away the file is marked closed, queued for migration unless it is already
// served from a staged copy, and the fast tier is brought back within
// capacity.
func (s *Service) Close(ctx context.Context, req *CloseRequest) (*CloseResponse, error) {
	s.mu.Lock()
	f, ok := s.files[req.FD]
	if !ok {
		s.mu.Unlock()
		return nil, status.Errorf(codes.NotFound, "fd %d is not open", req.FD)
	}
	delete(s.files, req.FD)
	s.refs[f.path]--
	last := s.refs[f.path] <= 0
	if last {
		delete(s.refs, f.path)
		if err := s.store.SetOpenState(f.path, false); err != nil {
			s.logger.Error("Failed to mark file closed", zap.String("path", f.path), zap.Error(err))
		}
	}
	s.mu.Unlock()

	if err := unix.Close(req.FD); err != nil {
		s.logger.Warn("Close failed", zap.String("path", f.path), zap.Int("fd", req.FD), zap.Error(err))
	}
	if !last {
		return &CloseResponse{}, nil
	}

	if !f.redirected {
		s.mover.EnqueueForMigration(f.path)
	}

	ev, err := s.store.EvictIfNeeded()
	switch {
	case err != nil:
		s.logger.Warn("Fast tier over capacity with no victim", zap.Error(err))
	case ev != nil:
		s.mover.HandleEviction(*ev)
	}
	return &CloseResponse{}, nil
}

// Shutdown closes every descriptor still held for clients.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for fd, f := range s.files {
		unix.Close(fd)
		if err := s.store.SetOpenState(f.path, false); err != nil && !errors.Is(err, tiered_storage.ErrNotFound) {
			s.logger.Warn("Failed to mark file closed", zap.String("path", f.path), zap.Error(err))
		}
	}
	if n := len(s.files); n > 0 {
		s.logger.Info("Closed client descriptors on shutdown", zap.Int("count", n))
	}
	s.files = make(map[int]openFile)
	s.refs = make(map[string]int)
}

func (s *Service) lookup(fd int) (openFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[fd]
	return f, ok
}

func errnoStatus(err error, format string, args ...any) error {
	c := codes.Internal
	switch {
	case errors.Is(err, unix.ENOENT):
		c = codes.NotFound
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		c = codes.PermissionDenied
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.EISDIR):
		c = codes.InvalidArgument
	}
	return status.Errorf(c, format+": %v", append(args, err)...)
}
