package server

import (
	"context"
	"encoding/json"
	"runtime/debug"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/opscientia/opsci-commons-rbac/internal/manager"
)

// ServiceName is the fully qualified name of the registry gRPC service.
// Requests and responses are google.protobuf.Struct messages.
const ServiceName = "registry.v1.Registry"

// RegistryServer is the server API of the registry gRPC service.
type RegistryServer interface {
	Publish(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DatasetsByOwner(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Published(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Search(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ChunksOfPublished(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AuthorsOfPublished(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FilesOfOwner(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type registryCall func(RegistryServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call registryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(RegistryServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(RegistryServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var registryServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RegistryServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Publish", RegistryServer.Publish),
		unaryMethod("Delete", RegistryServer.Delete),
		unaryMethod("DatasetsByOwner", RegistryServer.DatasetsByOwner),
		unaryMethod("Published", RegistryServer.Published),
		unaryMethod("Search", RegistryServer.Search),
		unaryMethod("ChunksOfPublished", RegistryServer.ChunksOfPublished),
		unaryMethod("AuthorsOfPublished", RegistryServer.AuthorsOfPublished),
		unaryMethod("FilesOfOwner", RegistryServer.FilesOfOwner),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "registry/v1/registry.proto",
}

// RegisterRegistryServer registers srv on s.
func RegisterRegistryServer(s grpc.ServiceRegistrar, srv RegistryServer) {
	s.RegisterService(&registryServiceDesc, srv)
}

// RegistryClient calls the registry gRPC service.
type RegistryClient struct {
	cc grpc.ClientConnInterface
}

// NewRegistryClient creates a client over cc.
func NewRegistryClient(cc grpc.ClientConnInterface) *RegistryClient {
	return &RegistryClient{cc: cc}
}

// Call invokes method with the given request fields.
func (c *RegistryClient) Call(ctx context.Context, method string, fields map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GRPCServer implements RegistryServer over the lifecycle and query
// services.
type GRPCServer struct {
	log       *zap.Logger
	lifecycle *manager.Lifecycle
	queries   *manager.Queries
}

var _ RegistryServer = (*GRPCServer)(nil)

// NewGRPCServer creates a new gRPC registry server.
func NewGRPCServer(log *zap.Logger, lifecycle *manager.Lifecycle, queries *manager.Queries) *GRPCServer {
	return &GRPCServer{log: log, lifecycle: lifecycle, queries: queries}
}

// Publish publishes a dataset. authors and keywords may be lists or comma
// separated strings.
func (s *GRPCServer) Publish(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := manager.PublishRequest{
		Address:     stringField(in, "address"),
		Signature:   stringField(in, "signature"),
		DatasetID:   stringField(in, "datasetId"),
		Title:       stringField(in, "title"),
		Description: stringField(in, "description"),
		Authors:     listField(in, "authors"),
		Keywords:    listField(in, "keywords"),
	}
	if err := s.lifecycle.Publish(ctx, req); err != nil {
		return nil, s.toStatus(err)
	}
	return s.result("message", "dataset "+req.DatasetID+" published")
}

// Delete removes an unpublished dataset by its blob group.
func (s *GRPCServer) Delete(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	report, err := s.lifecycle.Delete(ctx, manager.DeleteRequest{
		Address:     stringField(in, "address"),
		BlobGroupID: stringField(in, "blobGroupId"),
		Signature:   stringField(in, "signature"),
		Path:        stringField(in, "path"),
	})
	if err != nil {
		return nil, s.toStatus(err)
	}
	return s.result("report", report)
}

// DatasetsByOwner lists every dataset of address.
func (s *GRPCServer) DatasetsByOwner(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	datasets, err := s.queries.ByOwner(ctx, stringField(in, "address"))
	if err != nil {
		return nil, s.toStatus(err)
	}
	return s.list("datasets", datasets, len(datasets))
}

// Published lists published datasets: one by id, those of an uploader, or
// all of them.
func (s *GRPCServer) Published(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if id := stringField(in, "id"); id != "" {
		dataset, err := s.queries.PublishedByID(ctx, id)
		if err != nil {
			return nil, s.toStatus(err)
		}
		return s.result("dataset", dataset)
	}
	if uploader := stringField(in, "uploader"); uploader != "" {
		datasets, err := s.queries.PublishedByUploader(ctx, uploader)
		if err != nil {
			return nil, s.toStatus(err)
		}
		return s.list("datasets", datasets, len(datasets))
	}
	datasets, err := s.queries.AllPublished(ctx)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return s.list("datasets", datasets, len(datasets))
}

// Search runs a text search over published datasets. An empty result is
// not an error.
func (s *GRPCServer) Search(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	datasets, err := s.queries.SearchPublished(ctx, stringField(in, "query"))
	if err != nil {
		return nil, s.toStatus(err)
	}
	return s.result("datasets", datasets)
}

// ChunksOfPublished lists the chunks of a published dataset.
func (s *GRPCServer) ChunksOfPublished(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	chunks, err := s.queries.ChunksOfPublishedDataset(ctx, stringField(in, "datasetId"))
	if err != nil {
		return nil, s.toStatus(err)
	}
	return s.list("chunks", chunks, len(chunks))
}

// AuthorsOfPublished lists the authors of a published dataset.
func (s *GRPCServer) AuthorsOfPublished(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	authors, err := s.queries.AuthorsOfPublishedDataset(ctx, stringField(in, "datasetId"))
	if err != nil {
		return nil, s.toStatus(err)
	}
	return s.list("authors", authors, len(authors))
}

// FilesOfOwner lists the files of address with their blob group.
func (s *GRPCServer) FilesOfOwner(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	files, err := s.queries.FilesOfOwner(ctx, stringField(in, "address"))
	if err != nil {
		return nil, s.toStatus(err)
	}
	return s.list("files", files, len(files))
}

// list answers NotFound for empty listings, like the HTTP API.
func (s *GRPCServer) list(key string, items any, n int) (*structpb.Struct, error) {
	if n == 0 {
		return nil, status.Error(codes.NotFound, "none found")
	}
	return s.result(key, items)
}

// result encodes v through its JSON form so field names match the HTTP API.
func (s *GRPCServer) result(key string, v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encoding response")
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, status.Error(codes.Internal, "encoding response")
	}
	out, err := structpb.NewStruct(map[string]any{key: generic})
	if err != nil {
		s.log.Error("encoding response", zap.Error(err))
		return nil, status.Error(codes.Internal, "encoding response")
	}
	return out, nil
}

func (s *GRPCServer) toStatus(err error) error {
	switch {
	case manager.ErrValidation.Has(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case manager.ErrAuthorization.Has(err):
		return status.Error(codes.PermissionDenied, err.Error())
	case manager.ErrNotFound.Has(err):
		return status.Error(codes.NotFound, err.Error())
	case manager.ErrConflict.Has(err):
		return status.Error(codes.FailedPrecondition, err.Error())
	case manager.ErrStore.Has(err):
		s.log.Error("store failure", zap.Error(err))
		return status.Error(codes.Unavailable, "storage failure")
	default:
		s.log.Error("unclassified failure", zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
}

func stringField(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func listField(in *structpb.Struct, key string) []string {
	v := in.GetFields()[key]
	if list := v.GetListValue(); list != nil {
		var out []string
		for _, item := range list.GetValues() {
			out = append(out, item.GetStringValue())
		}
		return out
	}
	return manager.SplitList(v.GetStringValue())
}

// UnaryInterceptor logs failed calls and turns panics into Internal errors.
func UnaryInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if v := recover(); v != nil {
				log.Error("panic in grpc handler",
					zap.String("method", info.FullMethod),
					zap.Any("panic", v),
					zap.ByteString("stack", debug.Stack()))
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		resp, err = handler(ctx, req)
		if err != nil {
			log.Debug("grpc call failed", zap.String("method", info.FullMethod), zap.Error(err))
		}
		return resp, err
	}
}
