package grpcserver

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// LoggingUnary logs one line per call. Successful health checks arrive every
// few seconds from each device and go to debug level.
func LoggingUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		logCall(log, ctx, info.FullMethod, start, err)
		return resp, err
	}
}

// LoggingStream logs when a stream (a health Watch) closes.
func LoggingStream(log *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) error {
		start := time.Now()
		err := next(srv, ss)
		logCall(log, ss.Context(), info.FullMethod, start, err)
		return err
	}
}

// logCall writes metadata only, never messages.
func logCall(log *zap.Logger, ctx context.Context, method string, start time.Time, err error) {
	code := status.Code(err)
	lvl := zap.InfoLevel
	if code == codes.OK && strings.HasPrefix(method, healthPrefix) {
		lvl = zap.DebugLevel
	}
	if ce := log.Check(lvl, "grpc"); ce != nil {
		ce.Write(
			zap.String("method", method),
			zap.String("code", code.String()),
			zap.Duration("dur", time.Since(start)),
			zap.String("peer", peerAddr(ctx)),
		)
	}
}

func peerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}

// RecoverUnary turns a handler panic into codes.Internal.
func RecoverUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer recoverTo(log, info.FullMethod, &err)
		return next(ctx, req)
	}
}

// RecoverStream is RecoverUnary for streams.
func RecoverStream(log *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) (err error) {
		defer recoverTo(log, info.FullMethod, &err)
		return next(srv, ss)
	}
}

func recoverTo(log *zap.Logger, method string, err *error) {
	if r := recover(); r != nil {
		log.Error("panic",
			zap.Any("reason", r),
			zap.ByteString("stack", debug.Stack()),
			zap.String("method", method),
		)
		*err = status.Error(codes.Internal, "internal")
	}
}
