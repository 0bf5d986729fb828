package command

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startServer(t *testing.T, socketPath string) (cancel func(), errCh chan error) {
	t.Helper()
	server := NewUDSServer(socketPath, NewCommandHandler(fakeStack{}, nil))
	ctx, cancel := context.WithCancel(context.Background())
	errCh = make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()
	select {
	case <-server.Ready():
	case err := <-errCh:
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server didn't start in time")
	}
	return cancel, errCh
}

func TestUDSServerClient_Integration(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	cancel, errCh := startServer(t, socketPath)
	defer cancel()

	client := NewUDSClient(socketPath, 5*time.Second)

	t.Run("stats", func(t *testing.T) {
		resp, err := client.Stats(context.Background(), "ip")
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if resp.Error != nil {
			t.Fatalf("unexpected error: %v", resp.Error.Message)
		}
		result, ok := resp.Result.(map[string]any)
		if !ok {
			t.Fatal("result is not a map")
		}
		if _, exists := result["ip"]; !exists {
			t.Error("result missing 'ip' field")
		}
	})

	t.Run("netstat", func(t *testing.T) {
		resp, err := client.Netstat(context.Background(), NetstatParams{Proto: "udp"})
		if err != nil {
			t.Fatalf("Netstat failed: %v", err)
		}
		if resp.Error != nil {
			t.Fatalf("unexpected error: %v", resp.Error.Message)
		}
		result := resp.Result.(map[string]any)
		if result["tcp"] != nil {
			t.Errorf("tcp should be filtered out, got %v", result["tcp"])
		}
		if udp, _ := result["udp"].([]any); len(udp) != 1 {
			t.Errorf("expected 1 udp entry, got %v", result["udp"])
		}
	})

	t.Run("routes", func(t *testing.T) {
		resp, err := client.Routes(context.Background())
		if err != nil {
			t.Fatalf("Routes failed: %v", err)
		}
		if routes, _ := resp.Result.([]any); len(routes) != 1 {
			t.Errorf("expected 1 route, got %v", resp.Result)
		}
	})

	t.Run("ping", func(t *testing.T) {
		if err := client.Ping(context.Background()); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("unknown_method", func(t *testing.T) {
		resp, err := client.Call(context.Background(), "unknown.method", nil)
		if err != nil {
			t.Fatalf("Call failed: %v", err)
		}
		if resp.Error == nil {
			t.Fatal("expected error for unknown method")
		}
		if resp.Error.Code != ErrCodeMethodNotFound {
			t.Errorf("error code = %d, want %d", resp.Error.Code, ErrCodeMethodNotFound)
		}
	})

	cancel()
	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			t.Errorf("server error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("server didn't stop in time")
	}

	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("socket file not removed after server stop")
	}
}

func TestUDSServer_MalformedRequests(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "raw.sock")
	cancel, _ := startServer(t, socketPath)
	defer cancel()

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	scanner := bufio.NewScanner(conn)

	for _, tc := range []struct {
		line string
		code int
	}{
		{"not json\n", ErrCodeParseError},
		{`{"jsonrpc":"2.0","id":7}` + "\n", ErrCodeInvalidRequest},
	} {
		if _, err := conn.Write([]byte(tc.line)); err != nil {
			t.Fatalf("write: %v", err)
		}
		if !scanner.Scan() {
			t.Fatalf("no response to %q", tc.line)
		}
		var resp JSONRPCResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			t.Fatalf("bad response: %v", err)
		}
		if resp.Error == nil || resp.Error.Code != tc.code {
			t.Errorf("%q: got %+v, want code %d", tc.line, resp.Error, tc.code)
		}
	}
}

func TestUDSClient_ConnectionError(t *testing.T) {
	client := NewUDSClient(filepath.Join(t.TempDir(), "missing.sock"), 1*time.Second)
	if err := client.Ping(context.Background()); err == nil {
		t.Error("expected connection error")
	}
}

func TestUDSClient_Timeout(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "test-timeout.sock")
	cancel, _ := startServer(t, socketPath)
	defer cancel()

	client := NewUDSClient(socketPath, 1*time.Nanosecond)
	if _, err := client.Status(context.Background()); err == nil {
		t.Error("expected timeout error")
	}
}

func TestUDSServer_MultipleConnections(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "test-multi.sock")
	cancel, _ := startServer(t, socketPath)
	defer cancel()

	errCh := make(chan error, 5)
	for range 5 {
		go func() {
			_, err := NewUDSClient(socketPath, 5*time.Second).Interfaces(context.Background())
			errCh <- err
		}()
	}
	for i := range 5 {
		if err := <-errCh; err != nil {
			t.Errorf("client %d failed: %v", i, err)
		}
	}
}
