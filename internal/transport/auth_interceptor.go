package transport

import (
	"context"
	"crypto/subtle"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/zde37/tokenring/pkg"
)

// ControlTokenHeader carries the shared control-plane secret on every call.
const ControlTokenHeader = "x-ring-control-token"

// controlToken extracts the first control token sent with the call.
func controlToken(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	values := md.Get(ControlTokenHeader)
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// controlAuth guards the control service with a shared secret. An empty
// secret disables the check. Rejections are logged with the method.
func controlAuth(secret string, logger *pkg.Logger) grpc.UnaryServerInterceptor {
	if secret == "" {
		return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			return handler(ctx, req)
		}
	}

	expected := []byte(secret)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		token, ok := controlToken(ctx)
		if !ok {
			logger.Warn().Str("method", info.FullMethod).Msg("Control call without token rejected")
			return nil, status.Errorf(codes.Unauthenticated, "ring control token required for %s", info.FullMethod)
		}
		if subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			logger.Warn().Str("method", info.FullMethod).Msg("Control call with wrong token rejected")
			return nil, status.Errorf(codes.Unauthenticated, "ring control token rejected for %s", info.FullMethod)
		}
		return handler(ctx, req)
	}
}
