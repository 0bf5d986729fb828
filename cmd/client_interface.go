package cmd

import (
	"context"

	"firestige.xyz/netstack/internal/command"
)

// ClientInterface is what the control commands need from the daemon.
type ClientInterface interface {
	Stats(ctx context.Context, layer string) (any, error)
	Netstat(ctx context.Context, params command.NetstatParams) (any, error)
	Routes(ctx context.Context) (any, error)
	Interfaces(ctx context.Context) (any, error)
	Status(ctx context.Context) (any, error)
	Reload(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

var cli ClientInterface

// SetClient injects a client, used by tests.
func SetClient(c ClientInterface) {
	cli = c
}

// GetClient returns the injected client, or a UDS client on --socket.
func GetClient() ClientInterface {
	if cli == nil {
		return &udsClient{c: command.NewUDSClient(socketPath, requestTimeout)}
	}
	return cli
}

// udsClient adapts command.UDSClient, turning RPC errors into Go errors.
type udsClient struct {
	c *command.UDSClient
}

func result(resp *command.Response, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (u *udsClient) Stats(ctx context.Context, layer string) (any, error) {
	return result(u.c.Stats(ctx, layer))
}

func (u *udsClient) Netstat(ctx context.Context, params command.NetstatParams) (any, error) {
	return result(u.c.Netstat(ctx, params))
}

func (u *udsClient) Routes(ctx context.Context) (any, error) {
	return result(u.c.Routes(ctx))
}

func (u *udsClient) Interfaces(ctx context.Context) (any, error) {
	return result(u.c.Interfaces(ctx))
}

func (u *udsClient) Status(ctx context.Context) (any, error) {
	return result(u.c.Status(ctx))
}

func (u *udsClient) Reload(ctx context.Context) error {
	_, err := result(u.c.ConfigReload(ctx))
	return err
}

func (u *udsClient) Shutdown(ctx context.Context) error {
	_, err := result(u.c.Shutdown(ctx))
	return err
}
