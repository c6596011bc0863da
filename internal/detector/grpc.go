// Package detector provides a gRPC client for a remote face-detection service.
// Messages are google.protobuf.Struct values so the engine carries no
// generated code for the model server.
package detector

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/proctor-engine/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the gRPC service implemented by detector backends.
const ServiceName = "proctor.detector.v1.FaceDetector"

const detectMethod = "/" + ServiceName + "/Detect"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errMalformedResponse        = errors.New("malformed detector response")
)

// Config holds configuration for the gRPC detector client.
type Config struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultConfig returns default configuration for addr.
func DefaultConfig(addr string) Config {
	return Config{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   2 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcDetector implements classifier.FaceDetector against a remote model server.
type GrpcDetector struct {
	conn    *grpc.ClientConn
	health  grpc_health_v1.HealthClient
	addr    string
	timeout time.Duration
	logger  *slog.Logger
}

// NewGrpcDetector connects to the detector and waits until the connection is ready.
func NewGrpcDetector(cfg Config, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcDetector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, errors.New("detector address is required")
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector client for %s: %w", cfg.Address, err)
	}

	// Fail fast on a bad detector endpoint.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("face detector at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to face detector", "address", cfg.Address)

	return &GrpcDetector{
		conn:    conn,
		health:  grpc_health_v1.NewHealthClient(conn),
		addr:    cfg.Address,
		timeout: cfg.RequestTimeout,
		logger:  logger,
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

// Detect sends one frame to the detector.
func (d *GrpcDetector) Detect(ctx context.Context, frame []byte) (*domain.FaceDetection, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	req, err := structpb.NewStruct(map[string]any{
		"frame": base64.StdEncoding.EncodeToString(frame),
	})
	if err != nil {
		return nil, fmt.Errorf("encode detect request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := d.conn.Invoke(ctx, detectMethod, req, resp); err != nil {
		d.logger.Warn("Face detection call failed", "error", err, "address", d.addr)
		return nil, fmt.Errorf("detect: %w", err)
	}
	return DecodeDetection(resp)
}

// Health reports whether the detector's health service answers SERVING.
func (d *GrpcDetector) Health(ctx context.Context) error {
	resp, err := d.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("detector health check failed: %w", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("detector not serving: %s", resp.GetStatus())
	}
	return nil
}

// Close closes the gRPC connection.
func (d *GrpcDetector) Close() {
	if d.conn != nil {
		if err := d.conn.Close(); err != nil {
			d.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// EncodeDetection converts a detection to its wire form.
func EncodeDetection(det *domain.FaceDetection) (*structpb.Struct, error) {
	fields := map[string]any{
		"face_count": float64(det.FaceCount),
		"confidence": det.Confidence,
	}
	if det.Box != nil {
		fields["box"] = map[string]any{
			"x":      det.Box.X,
			"y":      det.Box.Y,
			"width":  det.Box.Width,
			"height": det.Box.Height,
		}
	}
	return structpb.NewStruct(fields)
}

// DecodeDetection converts a detector response into a FaceDetection.
func DecodeDetection(s *structpb.Struct) (*domain.FaceDetection, error) {
	f := s.GetFields()
	count, ok := f["face_count"]
	if !ok {
		return nil, fmt.Errorf("%w: face_count missing", errMalformedResponse)
	}
	n := count.GetNumberValue()
	if n < 0 || n != float64(int(n)) {
		return nil, fmt.Errorf("%w: face_count %v", errMalformedResponse, n)
	}

	det := &domain.FaceDetection{
		FaceCount:  int(n),
		Confidence: f["confidence"].GetNumberValue(),
	}
	if box := f["box"].GetStructValue(); box != nil {
		bf := box.GetFields()
		det.Box = &domain.BoundingBox{
			X:      bf["x"].GetNumberValue(),
			Y:      bf["y"].GetNumberValue(),
			Width:  bf["width"].GetNumberValue(),
			Height: bf["height"].GetNumberValue(),
		}
	}
	if err := domain.ValidateStruct(det); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedResponse, err)
	}
	return det, nil
}
