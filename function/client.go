package function

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zero-day-ai/granule/fetcherr"
)

// Client invokes a function over an existing connection.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient returns a Client using conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Invoke sends req and returns the function's response. Transport failures
// are returned as the error; task failures are reported in the Response.
func (c *Client) Invoke(ctx context.Context, req Request, opts ...grpc.CallOption) (Response, error) {
	in, err := toStruct(req)
	if err != nil {
		return Response{}, fetcherr.Wrap("function.Invoke", fetcherr.KindSerialization, err)
	}

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, invokeMethod, in, out, opts...); err != nil {
		return Response{}, err
	}

	var resp Response
	if err := fromStruct(out, &resp); err != nil {
		return Response{}, fetcherr.Wrap("function.Invoke", fetcherr.KindSerialization, err)
	}
	return resp, nil
}
