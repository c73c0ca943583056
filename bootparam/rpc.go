package bootparam

import (
	"bytes"
	"errors"
	"fmt"

	xdr "github.com/davecgh/go-xdr/xdr2"
)

// ONC RPC (RFC 5531) framing, only what a bootparam client needs.
const (
	rpcVersion = 2

	msgCall  = 0
	msgReply = 1

	replyAccepted = 0

	acceptSuccess      = 0
	acceptProgUnavail  = 1
	acceptProgMismatch = 2
	acceptProcUnavail  = 3
	acceptGarbageArgs  = 4
	acceptSystemErr    = 5

	authNull = 0
)

var (
	errDenied   = errors.New("RPC call denied")
	errNotReply = errors.New("not an RPC reply")
)

type opaqueAuth struct {
	Flavor uint32
	Body   []byte
}

type callHeader struct {
	XID     uint32
	MsgType uint32
	RPCVers uint32
	Prog    uint32
	Vers    uint32
	Proc    uint32
	Cred    opaqueAuth
	Verf    opaqueAuth
}

type replyHeader struct {
	XID       uint32
	MsgType   uint32
	ReplyStat uint32
}

type acceptedReply struct {
	Verf       opaqueAuth
	AcceptStat uint32
}

// AcceptError is an RPC call the server accepted but could not run.
type AcceptError struct {
	Stat uint32
}

func (e *AcceptError) Error() string {
	switch e.Stat {
	case acceptProgUnavail:
		return "RPC program unavailable"
	case acceptProgMismatch:
		return "RPC program version mismatch"
	case acceptProcUnavail:
		return "RPC procedure unavailable"
	case acceptGarbageArgs:
		return "RPC server could not decode arguments"
	case acceptSystemErr:
		return "RPC server system error"
	default:
		return fmt.Sprintf("RPC accept status %d", e.Stat)
	}
}

func encodeCall(xid, prog, vers, proc uint32, args interface{}) ([]byte, error) {
	var buf bytes.Buffer
	h := callHeader{
		XID:     xid,
		MsgType: msgCall,
		RPCVers: rpcVersion,
		Prog:    prog,
		Vers:    vers,
		Proc:    proc,
		Cred:    opaqueAuth{Flavor: authNull},
		Verf:    opaqueAuth{Flavor: authNull},
	}
	if _, err := xdr.Marshal(&buf, &h); err != nil {
		return nil, fmt.Errorf("failed to encode RPC header: %w", err)
	}
	if args != nil {
		if _, err := xdr.Marshal(&buf, args); err != nil {
			return nil, fmt.Errorf("failed to encode RPC arguments: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// replyXID peeks at the transaction id of a datagram.
func replyXID(b []byte) (uint32, bool) {
	var h replyHeader
	if _, err := xdr.Unmarshal(bytes.NewReader(b), &h); err != nil {
		return 0, false
	}
	return h.XID, h.MsgType == msgReply
}

// decodeReply checks the reply header and decodes the results into res.
func decodeReply(b []byte, res interface{}) error {
	r := bytes.NewReader(b)
	var h replyHeader
	if _, err := xdr.Unmarshal(r, &h); err != nil {
		return fmt.Errorf("failed to decode RPC reply: %w", err)
	}
	if h.MsgType != msgReply {
		return errNotReply
	}
	if h.ReplyStat != replyAccepted {
		return errDenied
	}
	var a acceptedReply
	if _, err := xdr.Unmarshal(r, &a); err != nil {
		return fmt.Errorf("failed to decode RPC reply: %w", err)
	}
	if a.AcceptStat != acceptSuccess {
		return &AcceptError{Stat: a.AcceptStat}
	}
	if _, err := xdr.Unmarshal(r, res); err != nil {
		return fmt.Errorf("failed to decode RPC results: %w", err)
	}

	return nil
}
