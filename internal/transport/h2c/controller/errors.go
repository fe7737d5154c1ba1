package controller

import (
	"errors"
	"fmt"

	"golang.org/x/net/http2"
)

var (
	ErrMultipleGoAway  = errors.New("h2: connection already seen GOAWAY")
	ErrReasonNil       = errors.New("h2: connection closed without reason, this is unexpected")
	ErrSettingsTimeout = errors.New("h2: timed out waiting for settings exchange")
)

type ReasonGoAway struct {
	code   http2.ErrCode
	debug  []byte
	remote bool
	last   uint32
}

func (r *ReasonGoAway) Error() string {
	return fmt.Sprintf("GOAWAY seen on connection, err:%s, sent by remote peer:%t, last:%d", r.code.String(), r.remote, r.last)
}

func (r *ReasonGoAway) Code() http2.ErrCode { return r.code }
func (r *ReasonGoAway) Remote() bool        { return r.remote }
func (r *ReasonGoAway) LastStreamID() uint32 {
	return r.last
}
