package relay

import (
	json "github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	serviceName = "touristwatch.Relay"
	pushMethod  = "/touristwatch.Relay/PushBatches"
	codecName   = "json"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Batch carries one feed batch: a JSON object keyed by tourist id.
type Batch struct {
	Positions json.RawMessage `json:"positions"`
}

// Ack is returned when the client closes its stream.
type Ack struct {
	Accepted int `json:"accepted"`
}

// RelayServer defines the gRPC contract.
type RelayServer interface {
	PushBatches(Relay_PushBatchesServer) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RelayServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "PushBatches",
		Handler:       _Relay_PushBatches_Handler,
		ClientStreams: true,
	}},
}

// RegisterRelayServer registers service implementation.
func RegisterRelayServer(s *grpc.Server, srv RelayServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Relay_PushBatchesServer is the server side of the client stream.
type Relay_PushBatchesServer interface {
	grpc.ServerStream
	SendAndClose(*Ack) error
	Recv() (*Batch, error)
}

func _Relay_PushBatches_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(RelayServer).PushBatches(&pushBatchesServer{ServerStream: stream})
}

type pushBatchesServer struct {
	grpc.ServerStream
}

func (s *pushBatchesServer) SendAndClose(ack *Ack) error { return s.ServerStream.SendMsg(ack) }

func (s *pushBatchesServer) Recv() (*Batch, error) {
	msg := new(Batch)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// jsonCodec lets the relay run without generated protobuf types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)     { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }
