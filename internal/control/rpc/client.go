package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"

	"overseer/internal/config"
)

// Client is a thin synchronous client over the RPC socket, used by the CLI.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
}

// Dial connects to the daemon's control socket.
func Dial(socketPath string) (*Client, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath()
	}

	conn, err := net.DialTimeout("unix", socketPath, config.SocketDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}

	return &Client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends req and waits for the matching response line.
func (c *Client) Call(req Request) (Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	data = append(data, '\n')

	if _, err := c.conn.Write(data); err != nil {
		return Response{}, fmt.Errorf("write request: %w", err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("parse response: %w", err)
	}

	if resp.Error != "" {
		return resp, fmt.Errorf("%s: %s", resp.ErrorKind, resp.Error)
	}

	return resp, nil
}
