// Package sipmsg constructs outbound SIP requests (INVITE, ACK, BYE, CANCEL)
// as structured sipgo messages. Construction is pure: nothing here touches the
// network, and the caller owns branch, tag and CSeq bookkeeping.
package sipmsg

import (
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// Dialog is the snapshot of per-call signaling state a request is built from.
// CSeq is the value to stamp on the request; the owning session increments it
// before each new in-dialog request.
type Dialog struct {
	SIPCallID string
	FromUser  string
	ToUser    string
	Domain    string
	Contact   sip.Uri
	Transport string
	LocalTag  string
	RemoteTag string
	CSeq      uint32
}

// InviteOpts vary between the initial INVITE and an authenticated retry.
// AuthName is "Authorization" for 401 retries and "Proxy-Authorization" for
// 407 retries; both empty on the first attempt.
type InviteOpts struct {
	Branch    string
	AuthName  string
	AuthValue string
}

// NewTag returns a fresh dialog tag.
func NewTag() string {
	return uuid.NewString()[:8]
}

// NewBranch returns a fresh per-transaction branch with the RFC 3261 magic
// cookie. Every retransmission-distinct attempt must get its own.
func NewBranch() string {
	return sip.GenerateBranch()
}

// NewCallID returns a fresh protocol-level Call-ID.
func NewCallID(host string) string {
	return uuid.NewString() + "@" + host
}

// Invite builds an INVITE carrying the SDP offer. The Via host and Contact
// match what the transport announces as its own address, so in-dialog
// requests from the peer route back to us.
func Invite(d Dialog, sdpOffer []byte, o InviteOpts) *sip.Request {
	target := sip.Uri{User: d.ToUser, Host: d.Domain}
	req := sip.NewRequest(sip.INVITE, target)
	req.SetTransport(transportName(d.Transport))

	req.AppendHeader(via(d, o.Branch))
	req.AppendHeader(from(d))
	req.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})
	callID := sip.CallIDHeader(d.SIPCallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.CSeq, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: d.Contact})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	if o.AuthName != "" {
		req.AppendHeader(sip.NewHeader(o.AuthName, o.AuthValue))
	}
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(sdpOffer)
	return req
}

// Ack acknowledges a 2xx final response. Per RFC 3261 the ACK reuses the CSeq
// number of the INVITE it acknowledges rather than taking a new one; sipgo's
// helper also copies the dialog tags from the response.
func Ack(invite *sip.Request, final *sip.Response) *sip.Request {
	return sip.NewAckRequest(invite, final, nil)
}

// Bye builds an in-dialog BYE. The dialog tags are reused but the request is
// a new transaction: fresh branch, and the caller must have bumped CSeq.
func Bye(d Dialog, branch string) *sip.Request {
	target := sip.Uri{User: d.ToUser, Host: d.Domain}
	req := sip.NewRequest(sip.BYE, target)
	req.SetTransport(transportName(d.Transport))

	req.AppendHeader(via(d, branch))
	req.AppendHeader(from(d))
	to := &sip.ToHeader{Address: target, Params: sip.NewParams()}
	if d.RemoteTag != "" {
		to.Params.Add("tag", d.RemoteTag)
	}
	req.AppendHeader(to)
	callID := sip.CallIDHeader(d.SIPCallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.CSeq, MethodName: sip.BYE})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	return req
}

// Cancel builds a CANCEL for a not-yet-answered INVITE transaction. Per RFC
// 3261 section 9.1 it mirrors the INVITE it cancels: same Via branch, From,
// To, Call-ID and CSeq number, with only the method swapped.
func Cancel(invite *sip.Request) *sip.Request {
	req := sip.NewRequest(sip.CANCEL, invite.Recipient)
	req.SetTransport(invite.Transport())

	sip.CopyHeaders("Via", invite, req)
	sip.CopyHeaders("From", invite, req)
	sip.CopyHeaders("To", invite, req)
	sip.CopyHeaders("Call-ID", invite, req)
	if cseq := invite.CSeq(); cseq != nil {
		req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	return req
}

func via(d Dialog, branch string) *sip.ViaHeader {
	params := sip.NewParams()
	params.Add("branch", branch)
	return &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       transportName(d.Transport),
		Host:            d.Contact.Host,
		Port:            d.Contact.Port,
		Params:          params,
	}
}

func from(d Dialog) *sip.FromHeader {
	params := sip.NewParams()
	params.Add("tag", d.LocalTag)
	return &sip.FromHeader{
		Address: sip.Uri{User: d.FromUser, Host: d.Domain},
		Params:  params,
	}
}

func transportName(t string) string {
	if t == "" {
		return "UDP"
	}
	return strings.ToUpper(t)
}
