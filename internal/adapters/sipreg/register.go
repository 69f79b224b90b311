// Package sipreg builds REGISTER requests and classifies registrar responses.
package sipreg

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/dkeye/Phone/internal/domain"
)

const (
	MarkerAccepted = "authentication accepted"
	MarkerFailed   = "authentication failed"
)

var (
	ErrNotResponse = errors.New("sip message is not a response")
	ErrParse       = errors.New("sip parse failed")
)

// Params carries everything one REGISTER needs. Zero CallID/FromTag/Branch are generated.
type Params struct {
	Identity    domain.Identity
	Registrar   string
	Port        int
	ContactHost string
	Transport   string
	Expires     uint32
	CSeq        uint32
	CallID      string
	FromTag     string
	Branch      string
	Credential  string
	UserAgent   string
}

// BuildRegister assembles the request with Via, From, To, Call-ID, CSeq, Contact and Expires.
func BuildRegister(p Params) *sip.Request {
	if p.Transport == "" {
		p.Transport = "WS"
	}
	if p.CallID == "" {
		p.CallID = uuid.NewString() + "@" + p.ContactHost
	}
	if p.FromTag == "" {
		p.FromTag = shortID()
	}
	if p.Branch == "" {
		p.Branch = shortID()
	}

	registrar := sip.Uri{Scheme: "sip", Host: p.Registrar, Port: p.Port}
	aor := sip.Uri{Scheme: "sip", User: string(p.Identity), Host: p.Registrar}

	req := sip.NewRequest(sip.REGISTER, registrar)
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       strings.ToUpper(p.Transport),
		Host:            p.ContactHost,
		Params:          sip.NewParams().Add("branch", "z9hG4bK"+p.Branch),
	})
	mf := sip.MaxForwardsHeader(70)
	req.AppendHeader(&mf)
	req.AppendHeader(&sip.FromHeader{
		Address: aor,
		Params:  sip.NewParams().Add("tag", p.FromTag),
	})
	req.AppendHeader(&sip.ToHeader{
		Address: aor,
		Params:  sip.NewParams(),
	})
	callID := sip.CallIDHeader(p.CallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: p.CSeq, MethodName: sip.REGISTER})
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{
			Scheme:    "sip",
			User:      string(p.Identity),
			Host:      p.ContactHost,
			UriParams: sip.NewParams().Add("transport", strings.ToLower(p.Transport)),
		},
		Params: sip.NewParams(),
	})
	expires := sip.ExpiresHeader(p.Expires)
	req.AppendHeader(&expires)
	if p.Credential != "" {
		req.AppendHeader(sip.NewHeader("Authorization", "Bearer "+p.Credential))
	}
	if p.UserAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", p.UserAgent))
	}
	cl := sip.ContentLengthHeader(0)
	req.AppendHeader(&cl)
	return req
}

// Encode renders the request as CRLF text terminated by the empty line.
func Encode(req *sip.Request) []byte {
	return []byte(req.String())
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

type Outcome int

const (
	// OutcomeUnrecognized carries no marker; the registrar timeout decides.
	OutcomeUnrecognized Outcome = iota
	OutcomeProvisional
	OutcomeAccepted
	OutcomeAuthFailed
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProvisional:
		return "provisional"
	case OutcomeAccepted:
		return "accepted"
	case OutcomeAuthFailed:
		return "auth_failed"
	case OutcomeRejected:
		return "rejected"
	}
	return "unrecognized"
}

// Response is the part of a registrar reply the registrar state machine acts on.
type Response struct {
	StatusCode int
	Reason     string
	CallID     string
	CSeq       uint32
	Outcome    Outcome
}

// Cause maps a failed outcome to the bus cause.
func (r Response) Cause() domain.Cause {
	switch r.Outcome {
	case OutcomeAuthFailed:
		return domain.CauseAuthenticationFailed
	case OutcomeRejected:
		return domain.RejectedCause(r.StatusCode, r.Reason)
	}
	return domain.CauseNone
}

// IsSIP reports whether a frame is SIP text rather than JSON signaling.
func IsSIP(data []byte) bool {
	data = bytes.TrimLeft(data, " \r\n\t")
	if bytes.HasPrefix(data, []byte("SIP/2.0 ")) {
		return true
	}
	for _, m := range []string{"REGISTER ", "INVITE ", "OPTIONS ", "NOTIFY ", "BYE "} {
		if bytes.HasPrefix(data, []byte(m)) {
			return true
		}
	}
	return false
}

// ParseResponse parses a registrar reply and looks for the authentication markers
// in the reason phrase, header values and body.
func ParseResponse(data []byte) (Response, error) {
	msg, err := sip.NewParser().ParseSIP(data)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	res, ok := msg.(*sip.Response)
	if !ok {
		return Response{}, ErrNotResponse
	}

	out := Response{StatusCode: int(res.StatusCode), Reason: res.Reason}
	if cid := res.CallID(); cid != nil {
		out.CallID = cid.Value()
	}
	if cseq := res.CSeq(); cseq != nil {
		out.CSeq = cseq.SeqNo
	}

	text := strings.Builder{}
	text.WriteString(res.Reason)
	for _, h := range res.Headers() {
		text.WriteByte('\n')
		text.WriteString(h.Value())
	}
	text.WriteByte('\n')
	text.Write(res.Body())
	hay := strings.ToLower(text.String())

	switch {
	case out.StatusCode < 200:
		out.Outcome = OutcomeProvisional
	case out.StatusCode < 300 && strings.Contains(hay, MarkerAccepted):
		out.Outcome = OutcomeAccepted
	case out.StatusCode >= 300 && strings.Contains(hay, MarkerFailed):
		out.Outcome = OutcomeAuthFailed
	case out.StatusCode >= 300:
		out.Outcome = OutcomeRejected
	default:
		out.Outcome = OutcomeUnrecognized
	}
	return out, nil
}
