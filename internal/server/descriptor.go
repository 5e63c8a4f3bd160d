package server

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/structpb"
)

const servicePackage = "registry.v1"

// registryFile describes the registry service under the file name of
// registryServiceDesc.Metadata so that server reflection can resolve it.
func registryFile() (protoreflect.FileDescriptor, error) {
	structName := "." + string((&structpb.Struct{}).ProtoReflect().Descriptor().FullName())

	methods := make([]*descriptorpb.MethodDescriptorProto, 0, len(registryServiceDesc.Methods))
	for _, m := range registryServiceDesc.Methods {
		methods = append(methods, &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(m.MethodName),
			InputType:  proto.String(structName),
			OutputType: proto.String(structName),
		})
	}

	file := &descriptorpb.FileDescriptorProto{
		Name:       proto.String(registryServiceDesc.Metadata.(string)),
		Package:    proto.String(servicePackage),
		Dependency: []string{structpb.File_google_protobuf_struct_proto.Path()},
		Syntax:     proto.String("proto3"),
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name:   proto.String(ServiceName[len(servicePackage)+1:]),
			Method: methods,
		}},
	}
	return protodesc.NewFile(file, protoregistry.GlobalFiles)
}

func init() {
	fd, err := registryFile()
	if err != nil {
		panic(err)
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		panic(err)
	}
}
