package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

func TestHealth(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer()
	go func() { _ = s.Serve(lis) }()
	defer s.Stop()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func(service string) (*healthpb.HealthCheckResponse, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	}
	serving := &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}

	t.Run("overall", func(t *testing.T) {
		resp, err := check("")
		require.NoError(t, err)
		assert.True(t, proto.Equal(serving, resp))
	})

	t.Run("unknown model", func(t *testing.T) {
		_, err := check(ModelService("m1"))
		assert.Equal(t, codes.NotFound, status.Code(err))
	})

	t.Run("model lifecycle", func(t *testing.T) {
		s.ModelLoaded("m1")
		resp, err := check(ModelService("m1"))
		require.NoError(t, err)
		assert.True(t, proto.Equal(serving, resp))

		s.ModelUnloaded("m1")
		resp, err = check(ModelService("m1"))
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
	})
}
