package workloadapi

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrClosed is returned by every operation attempted after Close.
	ErrClosed = errors.New("closed")

	// ErrSourceInit is wrapped by source construction failures, including
	// the initialization timeout.
	ErrSourceInit = errors.New("source initialization failed")
)

// shouldReconnect reports whether a terminated watch stream warrants a
// scheduled reconnect. Transport failures, stream resets, and server-side
// stream closure (io.EOF) all do; intentional shutdown does not.
func shouldReconnect(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	if st, ok := status.FromError(err); ok && st.Code() == codes.Canceled {
		return !strings.Contains(st.Message(), "context canceled")
	}

	return true
}
