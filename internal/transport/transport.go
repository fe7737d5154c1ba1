package transport

import (
	"context"
	"io"

	"github.com/0XwX/stealth-fetch/internal/http"
)

type Transport interface {
	RoundTrip(ctx context.Context, conn io.ReadWriteCloser, req *http.PreparedRequest, resp *http.Response) error
}
