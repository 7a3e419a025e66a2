package agent

import "context"

// ChatStream is one in-flight chat turn against the runtime. Recv returns
// io.EOF when the runtime closes its side.
type ChatStream interface {
	Send(frame *ClientFrame) error
	Recv() (*ServerFrame, error)
	CloseSend() error
}

// Runtime is the external tutor runtime the service drives. A nil Runtime is
// never passed around; the server runs in degraded mode without a Service at
// all when no runtime is configured.
type Runtime interface {
	OpenChat(ctx context.Context, req ChatRequest) (ChatStream, error)
	ResetSession(ctx context.Context, userID, courseID string) error
	Health(ctx context.Context) error
	Close()
}

var _ Runtime = (*GrpcClient)(nil)
