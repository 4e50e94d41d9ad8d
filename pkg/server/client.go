package server

import (
	"context"

	"google.golang.org/grpc"
)

// Client calls the ensemble service over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc. Every call uses the JSON content subtype.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Run(ctx context.Context, in *RunRequest, opts ...grpc.CallOption) (*RunResponse, error) {
	out := new(RunResponse)
	if err := c.invoke(ctx, "Run", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Models(ctx context.Context, in *ModelsRequest, opts ...grpc.CallOption) (*ModelsResponse, error) {
	out := new(ModelsResponse)
	if err := c.invoke(ctx, "Models", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Stats(ctx context.Context, in *StatsRequest, opts ...grpc.CallOption) (*StatsResponse, error) {
	out := new(StatsResponse)
	if err := c.invoke(ctx, "Stats", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, opts...)
}
