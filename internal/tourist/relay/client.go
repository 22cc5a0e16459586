package relay

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
)

// Client pushes batches to a relay server.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Push streams batches and returns how many the server accepted.
func (c *Client) Push(ctx context.Context, batches ...[]byte) (int, error) {
	cs, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], pushMethod, grpc.CallContentSubtype(codecName))
	if err != nil {
		return 0, fmt.Errorf("open relay stream: %w", err)
	}
	for _, b := range batches {
		if err := cs.SendMsg(&Batch{Positions: b}); err != nil {
			// the server ended the stream; its status arrives with RecvMsg
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, fmt.Errorf("send batch: %w", err)
		}
	}
	if err := cs.CloseSend(); err != nil {
		return 0, fmt.Errorf("close relay stream: %w", err)
	}
	var ack Ack
	if err := cs.RecvMsg(&ack); err != nil {
		return 0, fmt.Errorf("relay ack: %w", err)
	}
	return ack.Accepted, nil
}
