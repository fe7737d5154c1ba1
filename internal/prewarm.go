package internal

import (
	"context"
	"io"

	"github.com/0XwX/stealth-fetch/internal/http"
	"github.com/0XwX/stealth-fetch/internal/transport/h2c"
)

// Prewarm establishes a connection to the origin of rawURL and, for h2
// origins, leaves it in the pool with the settings exchange already
// done. The probe stream is verified with a PING and closed.
func (c *Client) Prewarm(ctx context.Context, rawURL string) error {
	req := &http.Request{Method: "GET", URL: rawURL}
	pr, err := req.Prepare()
	if err != nil {
		return err
	}
	conn, err := c.dial(ctx, pr)
	if err != nil {
		return err
	}
	if s, ok := conn.(*h2c.Stream); ok {
		err = s.Connection.Ping(ctx)
	}
	closeQuiet(conn)
	return err
}

func closeQuiet(c io.Closer) {
	_ = c.Close()
}
