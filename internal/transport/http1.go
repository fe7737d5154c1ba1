package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/0XwX/stealth-fetch/internal/http"
	"github.com/0XwX/stealth-fetch/internal/transport/chunked"
)

// MaxHeaderBytes bounds the response head. Exceeding it aborts the
// response before anything past the budget is buffered.
const MaxHeaderBytes = 80 << 10

var (
	ErrMalformedResponse = errors.New("http1: malformed response head")
	ErrHeaderTooLarge    = errors.New("http1: response header section exceeds 80KiB")
)

const defaultUserAgent = "stealth-fetch/1.1"

type HTTP1 struct{}

func (t HTTP1) RoundTrip(ctx context.Context, conn io.ReadWriteCloser, req *http.PreparedRequest, resp *http.Response) error {
	if err := t.Write(ctx, conn, req); err != nil {
		return err
	}
	return t.Read(ctx, conn, req, resp)
}

func (t HTTP1) Write(ctx context.Context, w io.Writer, r *http.PreparedRequest) error {
	body, err := r.GetBody()
	if err != nil {
		return err
	}
	if body != nil {
		defer body.Close() // request body is ALWAYS closed
	}
	hasBody := body != nil && body != http.NoBody

	streaming := hasBody && r.ContentLength < 0
	if err := t.writeHeader(w, r, streaming); err != nil {
		return err
	}
	if !hasBody {
		return nil
	}
	if streaming {
		cw := chunked.NewChunkedWriter(w)
		if _, err := io.Copy(cw, body); err != nil {
			return err
		}
		return cw.Close()
	}
	n, err := io.Copy(w, body)
	if err != nil {
		return err
	}
	if n != r.ContentLength {
		return io.ErrShortWrite
	}
	return nil
}

// writeHeader writes the request line and header section, e.g.:
//
//	GET / HTTP/1.1\r\n
//	host: www.example.com\r\n
//	x-xx-yy: cccccc\r\n
//	\r\n
//
// The engine owns host, user-agent, connection and the body framing
// headers; everything else comes from the normalized header map.
func (t HTTP1) writeHeader(w io.Writer, r *http.PreparedRequest, streaming bool) error {
	header := bufio.NewWriter(w)

	header.WriteString(r.Method)
	header.WriteByte(' ')
	header.WriteString(r.U.RequestURI())
	header.WriteString(" HTTP/1.1\r\n")

	header.WriteString("host: ")
	header.WriteString(r.HeaderHost)
	header.WriteString("\r\n")
	if http.GetHeader(r.Header, "user-agent") == "" {
		header.WriteString("user-agent: " + defaultUserAgent + "\r\n")
	}
	header.WriteString("connection: close\r\n")
	if streaming {
		header.WriteString("transfer-encoding: chunked\r\n")
	} else if r.ContentLength > 0 || bodyExpected(r.Method) {
		header.WriteString("content-length: ")
		header.WriteString(strconv.FormatInt(r.ContentLength, 10))
		header.WriteString("\r\n")
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			header.WriteString(k)
			header.WriteString(": ")
			header.WriteString(v)
			if _, err := header.WriteString("\r\n"); err != nil {
				return err
			}
		}
	}
	if _, err := header.WriteString("\r\n"); err != nil {
		return err
	}
	return header.Flush()
}

func bodyExpected(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH":
		return true
	}
	return false
}

func (t HTTP1) Read(ctx context.Context, r io.Reader, req *http.PreparedRequest, resp *http.Response) error {
	closeConn := noopClose
	if cr, ok := r.(io.Closer); ok {
		closeConn = cr.Close
	}
	br := bufio.NewReaderSize(r, 8<<10)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.readHead(br, resp); err != nil {
			return err
		}
		// interim responses are stripped; the next head follows in the
		// same byte stream
		if resp.StatusCode >= 100 && resp.StatusCode < 200 {
			resp.RawHeaders = nil
			resp.Header = nil
			continue
		}
		break
	}
	resp.Proto = http.ProtoHTTP1
	return t.readTransfer(br, req, resp, closeConn)
}

// readHead consumes the status line and header lines up to the blank
// line, within the MaxHeaderBytes budget.
func (t HTTP1) readHead(br *bufio.Reader, resp *http.Response) error {
	budget := MaxHeaderBytes

	line, err := readHeaderLine(br, &budget)
	if err != nil {
		return err
	}
	if err := parseStatusLine(line, resp); err != nil {
		return err
	}
	for {
		line, err := readHeaderLine(br, &budget)
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return ErrMalformedResponse
		}
		resp.AddRawHeader(strings.TrimSpace(name), strings.TrimSpace(value))
	}
}

func readHeaderLine(br *bufio.Reader, budget *int) (string, error) {
	var line []byte
	for {
		frag, err := br.ReadSlice('\n')
		*budget -= len(frag)
		if *budget < 0 {
			return "", ErrHeaderTooLarge
		}
		line = append(line, frag...)
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return "", err
		}
		return strings.TrimRight(string(line), "\r\n"), nil
	}
}

func parseStatusLine(line string, resp *http.Response) error {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return ErrMalformedResponse
	}
	code, text, _ := strings.Cut(rest, " ")
	if len(code) != 3 {
		return fmt.Errorf("http1: malformed status code %q", code)
	}
	n, err := strconv.Atoi(code)
	if err != nil || n < 100 {
		return fmt.Errorf("http1: malformed status code %q", code)
	}
	resp.StatusCode = n
	resp.Status = strings.TrimSpace(text)
	return nil
}

// readTransfer resolves body framing: chunked wins, then a valid
// content-length, then close-delimited.
func (t HTTP1) readTransfer(br *bufio.Reader, req *http.PreparedRequest, resp *http.Response, closeConn func() error) error {
	closer := func(rd io.Reader) io.ReadCloser { return bodyCloser{rd, closeConn} }

	if noResponseBody(req, resp) {
		resp.ContentLength = 0
		resp.Body = closer(strings.NewReader(""))
		return nil
	}

	if te := resp.GetHeader("transfer-encoding"); te != "" {
		for _, coding := range strings.Split(te, ",") {
			if strings.EqualFold(strings.TrimSpace(coding), "chunked") {
				resp.ContentLength = -1
				resp.Body = closer(chunked.NewChunkedReader(br))
				return nil
			}
		}
	}

	if cls := resp.Header["content-length"]; len(cls) > 0 {
		// hardening against response smuggling: conflicting lengths are
		// fatal, duplicates collapse
		first := strings.TrimSpace(cls[0])
		for _, cl := range cls[1:] {
			if strings.TrimSpace(cl) != first {
				return fmt.Errorf("http1: conflicting content-length headers %q", cls)
			}
		}
		if n, err := strconv.ParseUint(first, 10, 63); err == nil {
			resp.ContentLength = int64(n)
			resp.Body = closer(&lengthBody{r: br, remaining: int64(n)})
			return nil
		}
	}

	// close-delimited: EOF is the natural terminator
	resp.ContentLength = -1
	resp.Body = closer(br)
	return nil
}

func noResponseBody(req *http.PreparedRequest, resp *http.Response) bool {
	if req != nil && req.Method == "HEAD" {
		return true
	}
	return resp.StatusCode == 204 || resp.StatusCode == 304
}

// lengthBody delivers exactly remaining bytes: excess is truncated at
// the boundary, EOF before the boundary is an error.
type lengthBody struct {
	r         io.Reader
	remaining int64
}

func (l *lengthBody) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if err == io.EOF && l.remaining > 0 {
		err = io.ErrUnexpectedEOF
	}
	if err == nil && l.remaining == 0 {
		err = io.EOF
	}
	return n, err
}
