package proto

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/sidkik/deltasync/pkg/errors"
)

const (
	// CodecName is the gRPC content subtype of the sync stream.
	CodecName = "json"

	// ServiceName is the name of the gRPC service.
	ServiceName = "deltasync.Sync"

	connectMethod = "/" + ServiceName + "/Connect"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec encodes messages as JSON. Byte slices, such as the literal data in
// diffs, are base64 encoded.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

// Conn is one side of a sync connection.
type Conn interface {
	Send(*Message) error
	Recv() (*Message, error)
	Context() context.Context
}

// SyncServer handles sync connections.
type SyncServer interface {
	Connect(Conn) error
}

// ServiceDesc describes the sync service, which has a single bidirectional
// stream.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// RegisterSyncServer registers `srv` with a gRPC server.
func RegisterSyncServer(s *grpc.Server, srv SyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func connectHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(SyncServer).Connect(streamConn{stream})
}

// Connect opens a sync stream on `cc`. The stream ends when `ctx` is
// cancelled.
func Connect(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (Conn, error) {
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	stream, err := cc.NewStream(ctx, &ServiceDesc.Streams[0], connectMethod, opts...)
	if err != nil {
		return nil, errors.WithContext(err, "open stream")
	}
	return streamConn{stream}, nil
}

// stream is the part of grpc.ServerStream and grpc.ClientStream that
// streamConn needs.
type stream interface {
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
	Context() context.Context
}

type streamConn struct {
	stream
}

func (c streamConn) Send(msg *Message) error {
	return c.SendMsg(msg)
}

func (c streamConn) Recv() (*Message, error) {
	msg := &Message{}
	if err := c.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}
