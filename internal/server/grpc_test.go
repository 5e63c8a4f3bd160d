package server

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/reflection"
	reflectionpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/opscientia/opsci-commons-rbac/internal/manager"
)

func newTestConn(t *testing.T, env *testEnv) *grpc.ClientConn {
	t.Helper()
	log := zaptest.NewLogger(t)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryInterceptor(log)))
	RegisterRegistryServer(srv, NewGRPCServer(log, env.lifecycle, env.queries))
	reflection.Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func newTestClient(t *testing.T, env *testEnv) *RegistryClient {
	t.Helper()
	return NewRegistryClient(newTestConn(t, env))
}

func TestGRPCLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	client := newTestClient(t, env)

	dataset, blobID := env.upload(t, manager.UploadFile{Path: "a.csv", Data: []byte("1,2,3")})

	t.Run("owner listing", func(t *testing.T) {
		out, err := client.Call(ctx, "DatasetsByOwner", map[string]any{"address": env.address})
		require.NoError(t, err)
		list := out.GetFields()["datasets"].GetListValue().GetValues()
		require.Len(t, list, 1)
		assert.Equal(t, dataset.ID, list[0].GetStructValue().GetFields()["id"].GetStringValue())
	})

	t.Run("files carry blob group", func(t *testing.T) {
		out, err := client.Call(ctx, "FilesOfOwner", map[string]any{"address": env.address})
		require.NoError(t, err)
		list := out.GetFields()["files"].GetListValue().GetValues()
		require.Len(t, list, 1)
		assert.Equal(t, blobID, list[0].GetStructValue().GetFields()["blobStoreId"].GetStringValue())
	})

	t.Run("unpublished dataset is not found", func(t *testing.T) {
		_, err := client.Call(ctx, "Published", map[string]any{"id": dataset.ID})
		assert.Equal(t, codes.NotFound, status.Code(err))
	})

	t.Run("empty listings are not found", func(t *testing.T) {
		stranger := "0x0000000000000000000000000000000000000001"
		for _, c := range []struct {
			method string
			fields map[string]any
		}{
			{"DatasetsByOwner", map[string]any{"address": stranger}},
			{"FilesOfOwner", map[string]any{"address": stranger}},
			{"Published", map[string]any{}},
			{"Published", map[string]any{"uploader": env.address}},
		} {
			_, err := client.Call(ctx, c.method, c.fields)
			assert.Equal(t, codes.NotFound, status.Code(err), c.method)
		}

		out, err := client.Call(ctx, "Search", map[string]any{"query": "nothing"})
		require.NoError(t, err)
		assert.Empty(t, out.GetFields()["datasets"].GetListValue().GetValues())
	})

	t.Run("bad signature is denied", func(t *testing.T) {
		_, err := client.Call(ctx, "Publish", map[string]any{
			"address":     env.address,
			"signature":   env.sign(t, "wrong message"),
			"datasetId":   dataset.ID,
			"title":       "t",
			"description": "d",
			"authors":     "Alice",
			"keywords":    "k",
		})
		assert.Equal(t, codes.PermissionDenied, status.Code(err))
	})

	t.Run("missing query", func(t *testing.T) {
		_, err := client.Call(ctx, "Search", map[string]any{})
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("publish then delete is refused", func(t *testing.T) {
		_, err := client.Call(ctx, "Publish", map[string]any{
			"address":     env.address,
			"signature":   env.sign(t, manager.PublishMessage(env.address, dataset.ID)),
			"datasetId":   dataset.ID,
			"title":       "Sensor log",
			"description": "Raw readings",
			"authors":     []any{"Alice", "Bob"},
			"keywords":    []any{"sensors"},
		})
		require.NoError(t, err)

		out, err := client.Call(ctx, "AuthorsOfPublished", map[string]any{"datasetId": dataset.ID})
		require.NoError(t, err)
		authors := out.GetFields()["authors"].GetListValue().GetValues()
		require.Len(t, authors, 2)
		assert.Equal(t, "Bob", authors[1].GetStructValue().GetFields()["name"].GetStringValue())

		out, err = client.Call(ctx, "Search", map[string]any{"query": "sensors"})
		require.NoError(t, err)
		assert.Len(t, out.GetFields()["datasets"].GetListValue().GetValues(), 1)

		_, err = client.Call(ctx, "Delete", map[string]any{
			"address":     env.address,
			"blobGroupId": blobID,
			"signature":   env.sign(t, manager.DeleteMessage(env.address, blobID)),
		})
		assert.Equal(t, codes.FailedPrecondition, status.Code(err))
		assert.True(t, env.hasBlob(t, blobID))
	})

	t.Run("delete unpublished", func(t *testing.T) {
		_, other := env.upload(t, manager.UploadFile{Path: "b", Data: []byte("b")})
		out, err := client.Call(ctx, "Delete", map[string]any{
			"address":     env.address,
			"blobGroupId": other,
			"signature":   env.sign(t, manager.DeleteMessage(env.address, other)),
		})
		require.NoError(t, err)
		steps := out.GetFields()["report"].GetStructValue().GetFields()["steps"].GetListValue().GetValues()
		assert.Len(t, steps, 4)
		assert.False(t, env.hasBlob(t, other))
	})
}

func TestGRPCReflectionDescribesRegistry(t *testing.T) {
	ctx := context.Background()
	conn := newTestConn(t, newTestEnv(t))

	stream, err := reflectionpb.NewServerReflectionClient(conn).ServerReflectionInfo(ctx)
	require.NoError(t, err)
	defer func() { _ = stream.CloseSend() }()

	require.NoError(t, stream.Send(&reflectionpb.ServerReflectionRequest{
		MessageRequest: &reflectionpb.ServerReflectionRequest_ListServices{},
	}))
	resp, err := stream.Recv()
	require.NoError(t, err)
	var services []string
	for _, s := range resp.GetListServicesResponse().GetService() {
		services = append(services, s.GetName())
	}
	assert.Contains(t, services, ServiceName)

	require.NoError(t, stream.Send(&reflectionpb.ServerReflectionRequest{
		MessageRequest: &reflectionpb.ServerReflectionRequest_FileContainingSymbol{FileContainingSymbol: ServiceName},
	}))
	resp, err = stream.Recv()
	require.NoError(t, err, "describe must resolve the service")
	require.Nil(t, resp.GetErrorResponse())

	var file *descriptorpb.FileDescriptorProto
	for _, raw := range resp.GetFileDescriptorResponse().GetFileDescriptorProto() {
		fd := new(descriptorpb.FileDescriptorProto)
		require.NoError(t, proto.Unmarshal(raw, fd))
		if fd.GetName() == "registry/v1/registry.proto" {
			file = fd
		}
	}
	require.NotNil(t, file)
	assert.Equal(t, "registry.v1", file.GetPackage())
	require.Len(t, file.GetService(), 1)

	var methods []string
	for _, m := range file.GetService()[0].GetMethod() {
		methods = append(methods, m.GetName())
		assert.Equal(t, ".google.protobuf.Struct", m.GetInputType())
		assert.Equal(t, ".google.protobuf.Struct", m.GetOutputType())
	}
	assert.Equal(t, []string{
		"Publish", "Delete", "DatasetsByOwner", "Published",
		"Search", "ChunksOfPublished", "AuthorsOfPublished", "FilesOfOwner",
	}, methods)
}
