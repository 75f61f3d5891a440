package server

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func newTestInterceptors() (*Interceptors, *bytes.Buffer) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetFormatter(&logrus.JSONFormatter{})
	return NewInterceptors(log), &buf
}

func TestUnaryLogging(t *testing.T) {
	i, buf := newTestInterceptors()
	info := &grpc.UnaryServerInfo{FullMethod: "/casc.v1.CASC/Resolve"}

	resp, err := i.UnaryLogging(context.Background(), "req", info, func(_ context.Context, req any) (any, error) {
		return req, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "req", resp)
	assert.Contains(t, buf.String(), `"code":"OK"`)
	assert.Contains(t, buf.String(), `"level":"info"`)

	buf.Reset()
	_, err = i.UnaryLogging(context.Background(), "req", info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.NotFound, "gone")
	})
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.Contains(t, buf.String(), `"level":"warning"`)

	buf.Reset()
	_, _ = i.UnaryLogging(context.Background(), "req", info, func(context.Context, any) (any, error) {
		return nil, errors.New("plain error")
	})
	assert.Contains(t, buf.String(), `"code":"Unknown"`)
	assert.Contains(t, buf.String(), `"level":"error"`)
}

func TestRecovery(t *testing.T) {
	i, buf := newTestInterceptors()

	_, err := i.UnaryRecovery(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x/Y"},
		func(context.Context, any) (any, error) { panic("kaboom") })
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Contains(t, buf.String(), "kaboom")

	err = i.StreamRecovery(nil, nil, &grpc.StreamServerInfo{FullMethod: "/x/Z"},
		func(any, grpc.ServerStream) error { panic("stream kaboom") })
	assert.Equal(t, codes.Internal, status.Code(err))
}
