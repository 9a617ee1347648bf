package transport

import (
	"context"
	"fmt"
	"math"

	"google.golang.org/genproto/googleapis/api/httpbody"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zde37/tokenring/internal/ring"
)

// ControlServiceName is the fully qualified gRPC service name.
const ControlServiceName = "ringnode.v1.Control"

// Full method names, as seen by interceptors.
const (
	MethodEnqueue  = "/" + ControlServiceName + "/Enqueue"
	MethodStatus   = "/" + ControlServiceName + "/Status"
	MethodReport   = "/" + ControlServiceName + "/Report"
	MethodShutdown = "/" + ControlServiceName + "/Shutdown"
)

// ReportContentType is the content type of Report responses.
const ReportContentType = "text/plain; charset=utf-8"

// ControlServer is the server API for the ring node control service.
//
// Messages are protobuf well-known types:
//
//	Enqueue(Struct{dest: number, payload: string}) returns (Empty)
//	Status(Empty) returns (Struct)
//	Report(Empty) returns (google.api.HttpBody)
//	Shutdown(Empty) returns (Empty)
type ControlServer interface {
	Enqueue(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Report(context.Context, *emptypb.Empty) (*httpbody.HttpBody, error)
	Shutdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

// ControlServiceDesc describes the control service for grpc.Server.RegisterService.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ControlServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Enqueue", newStruct, ControlServer.Enqueue),
		unaryMethod("Status", newEmpty, ControlServer.Status),
		unaryMethod("Report", newEmpty, ControlServer.Report),
		unaryMethod("Shutdown", newEmpty, ControlServer.Shutdown),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ringnode/v1/control.proto",
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ControlServiceDesc, srv)
}

func newStruct() *structpb.Struct { return &structpb.Struct{} }
func newEmpty() *emptypb.Empty    { return &emptypb.Empty{} }

// unaryMethod builds the method handler protoc-gen-go-grpc would generate
// for a single unary RPC.
func unaryMethod[Req, Resp proto.Message](
	name string,
	newReq func() Req,
	call func(ControlServer, context.Context, Req) (Resp, error),
) grpc.MethodDesc {
	fullMethod := "/" + ControlServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// EnqueueRequest builds the Enqueue request message.
func EnqueueRequest(dest int, payload string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"dest":    structpb.NewNumberValue(float64(dest)),
		"payload": structpb.NewStringValue(payload),
	}}
}

// ParseEnqueueRequest extracts dest and payload from an Enqueue request.
func ParseEnqueueRequest(req *structpb.Struct) (int, string, error) {
	if req == nil {
		return 0, "", fmt.Errorf("request cannot be nil")
	}

	destValue, ok := req.GetFields()["dest"]
	if !ok {
		return 0, "", fmt.Errorf("dest is required")
	}
	num, ok := destValue.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, "", fmt.Errorf("dest must be a number")
	}
	if num.NumberValue != math.Trunc(num.NumberValue) ||
		num.NumberValue < math.MinInt32 || num.NumberValue > math.MaxInt32 {
		return 0, "", fmt.Errorf("dest must be an integer, got %v", num.NumberValue)
	}

	payloadValue, ok := req.GetFields()["payload"]
	if !ok {
		return 0, "", fmt.Errorf("payload is required")
	}
	str, ok := payloadValue.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return 0, "", fmt.Errorf("payload must be a string")
	}

	return int(num.NumberValue), str.StringValue, nil
}

// StatusToProto converts a ring.Status to a protobuf Struct.
func StatusToProto(s ring.Status) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"node_id":             structpb.NewNumberValue(float64(s.NodeID)),
		"ring_size":           structpb.NewNumberValue(float64(s.RingSize)),
		"has_token":           structpb.NewBoolValue(s.HasToken),
		"token_state":         structpb.NewStringValue(s.TokenState),
		"queue_length":        structpb.NewNumberValue(float64(s.QueueLength)),
		"link_state":          structpb.NewStringValue(s.LinkState),
		"link_connected":      structpb.NewBoolValue(s.LinkConnected),
		"inbound_connections": structpb.NewNumberValue(float64(s.InboundConnections)),
		"successor_addr":      structpb.NewStringValue(s.SuccessorAddr),
	}}
}

// ProtoToStatus converts a protobuf Struct back to a ring.Status. Missing
// fields keep their zero value.
func ProtoToStatus(pb *structpb.Struct) ring.Status {
	fields := pb.GetFields()
	num := func(key string) int { return int(fields[key].GetNumberValue()) }

	return ring.Status{
		NodeID:             num("node_id"),
		RingSize:           num("ring_size"),
		HasToken:           fields["has_token"].GetBoolValue(),
		TokenState:         fields["token_state"].GetStringValue(),
		QueueLength:        num("queue_length"),
		LinkState:          fields["link_state"].GetStringValue(),
		LinkConnected:      fields["link_connected"].GetBoolValue(),
		InboundConnections: num("inbound_connections"),
		SuccessorAddr:      fields["successor_addr"].GetStringValue(),
	}
}
