package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errChatResponse             = errors.New("chat response returned error")
	errRuntimeNotOK             = errors.New("runtime returned ok=false")
)

// Fully qualified method names of the tutor runtime service.
const (
	methodChat         = "/atlas.TutorRuntime/Chat"
	methodResetSession = "/atlas.TutorRuntime/ResetSession"
	methodHealth       = "/atlas.TutorRuntime/Health"
)

var chatStreamDesc = &grpc.StreamDesc{
	StreamName:    "Chat",
	ClientStreams: true,
	ServerStreams: true,
}

type healthRequest struct{}

type healthResponse struct {
	Ok     bool   `json:"ok"`
	Status string `json:"status"`
}

type resetRequest struct {
	UserID   string `json:"user_id"`
	CourseID string `json:"course_id"`
}

type resetResponse struct {
	Ok     bool   `json:"ok"`
	Status string `json:"status"`
}

// GrpcClient provides a gRPC client to the Python tutor runtime.
type GrpcClient struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient creates a new gRPC client to the tutor runtime.
func NewGrpcClient(addr string, connectTimeout time.Duration, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := DefaultGrpcClientConfig()
	if addr != "" {
		cfg.Address = addr
	}
	if connectTimeout > 0 {
		cfg.ConnectTimeout = connectTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to tutor runtime at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad runtime endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("tutor runtime at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to tutor runtime", "address", cfg.Address)

	return &GrpcClient{
		conn:   conn,
		addr:   cfg.Address,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks if the tutor runtime is healthy.
func (c *GrpcClient) Health(ctx context.Context) error {
	var resp healthResponse
	if err := c.conn.Invoke(ctx, methodHealth, &healthRequest{}, &resp); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if !resp.Ok {
		return fmt.Errorf("%w: %s", errRuntimeNotOK, resp.Status)
	}
	return nil
}

// ResetSession drops the runtime's in-memory state for one conversation.
func (c *GrpcClient) ResetSession(ctx context.Context, userID, courseID string) error {
	var resp resetResponse
	req := &resetRequest{UserID: userID, CourseID: courseID}
	if err := c.conn.Invoke(ctx, methodResetSession, req, &resp); err != nil {
		return fmt.Errorf("reset session failed: %w", err)
	}
	if !resp.Ok {
		return fmt.Errorf("%w: %s", errRuntimeNotOK, resp.Status)
	}
	return nil
}

// OpenChat opens a bidirectional chat stream and sends the opening frame.
func (c *GrpcClient) OpenChat(ctx context.Context, req ChatRequest) (ChatStream, error) {
	stream, err := c.conn.NewStream(ctx, chatStreamDesc, methodChat)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}

	open := &ClientFrame{
		Type:     FrameOpen,
		Message:  req.Message,
		UserID:   req.UserID,
		CourseID: req.CourseID,
	}
	if err := stream.SendMsg(open); err != nil {
		return nil, fmt.Errorf("chat open frame failed: %w", err)
	}

	return &grpcChatStream{stream: stream}, nil
}

type grpcChatStream struct {
	stream grpc.ClientStream
}

func (s *grpcChatStream) Send(frame *ClientFrame) error {
	return s.stream.SendMsg(frame)
}

func (s *grpcChatStream) Recv() (*ServerFrame, error) {
	var frame ServerFrame
	if err := s.stream.RecvMsg(&frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

func (s *grpcChatStream) CloseSend() error {
	return s.stream.CloseSend()
}
