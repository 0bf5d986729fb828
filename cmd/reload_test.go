package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"firestige.xyz/netstack/internal/command"
)

// MockClient implements ClientInterface
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Stats(ctx context.Context, layer string) (any, error) {
	args := m.Called(ctx, layer)
	return args.Get(0), args.Error(1)
}

func (m *MockClient) Netstat(ctx context.Context, params command.NetstatParams) (any, error) {
	args := m.Called(ctx, params)
	return args.Get(0), args.Error(1)
}

func (m *MockClient) Routes(ctx context.Context) (any, error) {
	args := m.Called(ctx)
	return args.Get(0), args.Error(1)
}

func (m *MockClient) Interfaces(ctx context.Context) (any, error) {
	args := m.Called(ctx)
	return args.Get(0), args.Error(1)
}

func (m *MockClient) Status(ctx context.Context) (any, error) {
	args := m.Called(ctx)
	return args.Get(0), args.Error(1)
}

func (m *MockClient) Reload(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockClient) Shutdown(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func TestRunReload_Success(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Reload", mock.Anything).Return(nil)

	var buf bytes.Buffer
	err := runReload(context.Background(), mockClient, &buf)

	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "✓ Configuration reloaded successfully")
	mockClient.AssertExpectations(t)
}

func TestRunReload_Failure(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Reload", mock.Anything).Return(errors.New("connection failed"))

	var buf bytes.Buffer
	err := runReload(context.Background(), mockClient, &buf)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to reload")
	assert.Contains(t, err.Error(), "connection failed")
	assert.Empty(t, buf.String())
	mockClient.AssertExpectations(t)
}

func TestReloadCmd_Execute(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Reload", mock.Anything).Return(nil)

	originalCli := cli
	SetClient(mockClient)
	defer SetClient(originalCli)

	root := &cobra.Command{Use: "netstack"}
	root.AddCommand(reloadCmd)

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"reload"})

	err := root.Execute()

	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "✓ Configuration reloaded successfully")
	mockClient.AssertExpectations(t)
}

func TestRunStop(t *testing.T) {
	tests := []struct {
		name        string
		shutdownErr error
		pidFile     string
		wantErr     string
		wantOutput  string
	}{
		{
			name:       "shutdown accepted",
			wantOutput: "✓ Shutdown requested",
		},
		{
			name:        "socket down without pidfile",
			shutdownErr: errors.New("connect: no such file"),
			wantErr:     "no such file",
		},
		{
			name:        "socket down and pidfile missing",
			shutdownErr: errors.New("connect: no such file"),
			pidFile:     "/nonexistent/netstack.pid",
			wantErr:     "signal fallback",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockClient := new(MockClient)
			mockClient.On("Shutdown", mock.Anything).Return(tt.shutdownErr)

			var buf bytes.Buffer
			err := runStop(context.Background(), mockClient, &buf, tt.pidFile)

			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
				assert.Contains(t, buf.String(), tt.wantOutput)
			}
			mockClient.AssertExpectations(t)
		})
	}
}
