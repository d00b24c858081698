package grpcserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/creditmeter/internal/action"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a remote CreditService.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Execute sends request and decodes the response envelope.
func (client *Client) Execute(ctx context.Context, request action.Request, options ...grpc.CallOption) (action.Response, error) {
	encoded, err := valueToStruct(request)
	if err != nil {
		return action.Response{}, fmt.Errorf("encode request: %w", err)
	}
	reply := &structpb.Struct{}
	if err := client.conn.Invoke(ctx, FullMethodExecute, encoded, reply, options...); err != nil {
		return action.Response{}, err
	}
	var response action.Response
	if err := structToValue(reply, &response); err != nil {
		return action.Response{}, fmt.Errorf("decode response: %w", err)
	}
	return response, nil
}

// Dial connects to address and waits until the connection is ready or ctx ends.
func Dial(ctx context.Context, address string, useInsecure bool) (*grpc.ClientConn, error) {
	dialOptions := []grpc.DialOption{}
	if useInsecure {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	conn, err := grpc.NewClient(address, dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("connect credit service: %w", err)
	}
	conn.Connect()
	if err := waitForClientReady(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("connect credit service: %w", err)
	}
	return conn, nil
}

func waitForClientReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if state == connectivity.Shutdown {
			return errors.New("grpc connection shutdown before ready")
		}
		if !conn.WaitForStateChange(ctx, state) {
			if err := ctx.Err(); err != nil {
				return err
			}
			return errors.New("grpc connection failed to reach ready state")
		}
	}
}
