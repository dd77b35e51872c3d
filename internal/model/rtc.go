// Package model holds the wire-level data types shared by the room media
// plane, the signaling edge and the pilot protocol.
package model

import (
	"encoding/json"
	"fmt"
)

// MediaKind is the advertised media type of a pushed stream.
type MediaKind string

const (
	MediaAudio   MediaKind = "audio"
	MediaVideo   MediaKind = "video"
	MediaUnknown MediaKind = "unknown"
)

// ParseMediaKind maps the wire string to a MediaKind, defaulting to unknown.
func ParseMediaKind(s string) MediaKind {
	switch s {
	case "audio":
		return MediaAudio
	case "video":
		return MediaVideo
	default:
		return MediaUnknown
	}
}

// RtpSessionParam carries the per-stream negotiation result. The JSON keys are
// a stable schema shared with the pilot center and peer instances; optional
// keys are omitted when unset.
type RtpSessionParam struct {
	AVType         MediaKind `json:"av_type"`
	Codec          string    `json:"codec"`
	FmtpParam      string    `json:"fmtp_param"`
	RtcpFeatures   []string  `json:"rtcp_features"`
	Channel        int       `json:"channel,omitempty"`
	SSRC           uint32    `json:"ssrc"`
	PayloadType    uint8     `json:"payload_type"`
	ClockRate      uint32    `json:"clock_rate"`
	RtxSSRC        uint32    `json:"rtx_ssrc"`
	RtxPayloadType uint8     `json:"rtx_payload_type"`
	UseNack        bool      `json:"use_nack"`
	KeyRequest     bool      `json:"key_request,omitempty"`
	MidExtID       int       `json:"mid_ext_id,omitempty"`
	TccExtID       int       `json:"tcc_ext_id,omitempty"`
	AbsSendTimeExtID int     `json:"abs_send_time_ext_id,omitempty"`

	// Mid is the negotiated media section identifier; -1 when absent.
	// It is session local and not part of the wire schema.
	Mid int `json:"-"`
}

// HasRtx reports whether a retransmission stream was negotiated.
func (p *RtpSessionParam) HasRtx() bool {
	return p.RtxSSRC != 0
}

// Dump renders the param as its canonical JSON string, for logs.
func (p *RtpSessionParam) Dump() string {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("rtp param marshal error: %v", err)
	}
	return string(b)
}

// PushInfo is the per-stream advertisement: the server generated pusher id
// plus the negotiated RTP parameters. It is shared with local peers and the
// pilot center as {pusherId, rtpParam}.
type PushInfo struct {
	PusherID string          `json:"pusherId"`
	RtpParam RtpSessionParam `json:"rtpParam"`
}

// Dump renders the push info as JSON, for logs.
func (p *PushInfo) Dump() string {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("push info marshal error: %v", err)
	}
	return string(b)
}

// PullRequestInfo describes one subscription request: the publishing user, the
// subscribing user, and the pushers being pulled.
type PullRequestInfo struct {
	TargetUserID string     `json:"target_user_id"`
	SrcUserID    string     `json:"src_user_id"`
	RoomID       string     `json:"room_id"`
	Pushers      []PushInfo `json:"pushers"`
}

// Dump renders the pull request with only pusher ids and media types, matching
// the log format used on the control path.
func (p *PullRequestInfo) Dump() string {
	type pusherRef struct {
		PusherID string `json:"pusher_id"`
		Type     string `json:"type"`
	}
	refs := make([]pusherRef, 0, len(p.Pushers))
	for _, pi := range p.Pushers {
		refs = append(refs, pusherRef{PusherID: pi.PusherID, Type: string(pi.RtpParam.AVType)})
	}
	out := struct {
		TargetUserID string      `json:"target_user_id"`
		SrcUserID    string      `json:"src_user_id"`
		RoomID       string      `json:"room_id"`
		Pushers      []pusherRef `json:"pushers"`
	}{p.TargetUserID, p.SrcUserID, p.RoomID, refs}
	b, err := json.Marshal(out)
	if err != nil {
		return fmt.Sprintf("pull request marshal error: %v", err)
	}
	return string(b)
}

// UserSnapshot is one entry of the roster sent in join responses and
// newUser/newPusher notifications.
type UserSnapshot struct {
	UserID   string     `json:"userId"`
	UserName string     `json:"userName"`
	Pushers  []PushInfo `json:"pushers"`
}
