package transport

import "io"

type bodyCloser struct {
	io.Reader
	close func() error
}

func (b bodyCloser) Close() error {
	return b.close()
}

func noopClose() error { return nil }
