// Package sdp handles the offer/answer exchange at the WebRTC edge: parsing
// publisher/subscriber offers, generating passive answers with the configured
// ICE candidates grafted in, extracting the negotiated RtpSessionParam set,
// and rewriting pull answers with the publisher's stream description.
package sdp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/nullcore1024/RTCPilot/internal/model"
	"github.com/nullcore1024/RTCPilot/internal/transport"
)

// Direction of the answer's media sections.
type Direction string

const (
	DirectionRecvOnly Direction = "recvonly"
	DirectionSendOnly Direction = "sendonly"
)

// Candidate is one ICE candidate grafted into every generated answer.
type Candidate struct {
	IP         string
	Port       uint16
	Foundation uint32
	Priority   uint32
	NetType    string
}

var videoCodecs = map[string]bool{"VP8": true, "VP9": true, "H264": true, "AV1": true}
var audioCodecs = map[string]bool{"opus": true, "PCMU": true, "PCMA": true}

// Parse decodes an SDP of the given type; only offers are accepted here.
func Parse(sdpType, sdpStr string) (*sdp.SessionDescription, error) {
	if sdpType != "offer" {
		return nil, fmt.Errorf("unexpected sdp type %q", sdpType)
	}
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(sdpStr)); err != nil {
		return nil, fmt.Errorf("parse offer sdp: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("offer has no media sections")
	}
	return desc, nil
}

type rtpMap struct {
	codec     string
	clockRate uint32
	channel   int
}

func parseRtpMaps(m *sdp.MediaDescription) map[uint8]rtpMap {
	maps := make(map[uint8]rtpMap)
	for _, a := range m.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		// "<pt> <codec>/<rate>[/<channels>]"
		parts := strings.SplitN(a.Value, " ", 2)
		if len(parts) != 2 {
			continue
		}
		pt, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		enc := strings.Split(parts[1], "/")
		rm := rtpMap{codec: enc[0]}
		if len(enc) > 1 {
			rate, _ := strconv.Atoi(enc[1])
			rm.clockRate = uint32(rate)
		}
		if len(enc) > 2 {
			rm.channel, _ = strconv.Atoi(enc[2])
		}
		maps[uint8(pt)] = rm
	}
	return maps
}

func fmtpFor(m *sdp.MediaDescription, pt uint8) string {
	prefix := strconv.Itoa(int(pt)) + " "
	for _, a := range m.Attributes {
		if a.Key == "fmtp" && strings.HasPrefix(a.Value, prefix) {
			return strings.TrimPrefix(a.Value, prefix)
		}
	}
	return ""
}

func rtcpFeaturesFor(m *sdp.MediaDescription, pt uint8) []string {
	prefix := strconv.Itoa(int(pt)) + " "
	var features []string
	for _, a := range m.Attributes {
		if a.Key == "rtcp-fb" && strings.HasPrefix(a.Value, prefix) {
			features = append(features, strings.TrimPrefix(a.Value, prefix))
		}
	}
	return features
}

func ssrcsFor(m *sdp.MediaDescription) (primary, rtx uint32) {
	for _, a := range m.Attributes {
		if a.Key == "ssrc-group" && strings.HasPrefix(a.Value, "FID ") {
			fields := strings.Fields(strings.TrimPrefix(a.Value, "FID "))
			if len(fields) >= 2 {
				p, _ := strconv.ParseUint(fields[0], 10, 32)
				r, _ := strconv.ParseUint(fields[1], 10, 32)
				return uint32(p), uint32(r)
			}
		}
	}
	for _, a := range m.Attributes {
		if a.Key == "ssrc" {
			fields := strings.Fields(a.Value)
			if len(fields) > 0 {
				p, err := strconv.ParseUint(fields[0], 10, 32)
				if err == nil {
					return uint32(p), 0
				}
			}
		}
	}
	return 0, 0
}

func extMapIDs(m *sdp.MediaDescription) (mid, tcc, absSendTime int) {
	for _, a := range m.Attributes {
		if a.Key != "extmap" {
			continue
		}
		fields := strings.Fields(a.Value)
		if len(fields) < 2 {
			continue
		}
		id, err := strconv.Atoi(strings.SplitN(fields[0], "/", 2)[0])
		if err != nil {
			continue
		}
		switch fields[1] {
		case sdp.SDESMidURI:
			mid = id
		case sdp.TransportCCURI:
			tcc = id
		case sdp.ABSSendTimeURI:
			absSendTime = id
		}
	}
	return mid, tcc, absSendTime
}

func rtxPayloadFor(m *sdp.MediaDescription, maps map[uint8]rtpMap, pt uint8) uint8 {
	apt := "apt=" + strconv.Itoa(int(pt))
	for cand, rm := range maps {
		if !strings.EqualFold(rm.codec, "rtx") {
			continue
		}
		if strings.Contains(fmtpFor(m, cand), apt) {
			return cand
		}
	}
	return 0
}

// ExtractParams derives one RtpSessionParam per usable media section. Sections
// without a supported codec or without an SSRC advertisement are skipped.
func ExtractParams(desc *sdp.SessionDescription) ([]model.RtpSessionParam, error) {
	var params []model.RtpSessionParam
	for _, m := range desc.MediaDescriptions {
		kind := model.ParseMediaKind(m.MediaName.Media)
		if kind == model.MediaUnknown {
			continue
		}
		maps := parseRtpMaps(m)

		var chosen uint8
		var chosenMap rtpMap
		for _, f := range m.MediaName.Formats {
			pt, err := strconv.Atoi(f)
			if err != nil {
				continue
			}
			rm, ok := maps[uint8(pt)]
			if !ok {
				continue
			}
			if (kind == model.MediaVideo && videoCodecs[rm.codec]) ||
				(kind == model.MediaAudio && audioCodecs[rm.codec]) {
				chosen = uint8(pt)
				chosenMap = rm
				break
			}
		}
		if chosen == 0 {
			continue
		}

		ssrc, rtxSsrc := ssrcsFor(m)
		if ssrc == 0 {
			continue
		}
		features := rtcpFeaturesFor(m, chosen)
		useNack := false
		keyRequest := false
		for _, f := range features {
			if f == "nack" {
				useNack = true
			}
			if f == "nack pli" || f == "ccm fir" {
				keyRequest = true
			}
		}
		midExt, tccExt, absExt := extMapIDs(m)

		param := model.RtpSessionParam{
			AVType:           kind,
			Codec:            chosenMap.codec,
			FmtpParam:        fmtpFor(m, chosen),
			RtcpFeatures:     features,
			Channel:          chosenMap.channel,
			SSRC:             ssrc,
			PayloadType:      chosen,
			ClockRate:        chosenMap.clockRate,
			RtxSSRC:          rtxSsrc,
			UseNack:          useNack,
			KeyRequest:       keyRequest,
			MidExtID:         midExt,
			TccExtID:         tccExt,
			AbsSendTimeExtID: absExt,
			Mid:              -1,
		}
		if rtxSsrc != 0 {
			param.RtxPayloadType = rtxPayloadFor(m, maps, chosen)
		}
		if midVal, ok := m.Attribute("mid"); ok {
			if n, err := strconv.Atoi(midVal); err == nil {
				param.Mid = n
			}
		}
		params = append(params, param)
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("no usable media sections in sdp")
	}
	return params, nil
}

// BuildAnswer generates the local answer for an offer: same media sections,
// passive DTLS setup, the given direction, local ICE identity, and the
// configured candidates grafted into every section.
func BuildAnswer(offer *sdp.SessionDescription, direction Direction, ident transport.ICEIdentity, candidates []Candidate) (*sdp.SessionDescription, error) {
	answer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      offer.Origin.SessionID,
			SessionVersion: 2,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "127.0.0.1",
		},
		SessionName:      "-",
		TimeDescriptions: []sdp.TimeDescription{{}},
	}
	for _, a := range offer.Attributes {
		if a.Key == "group" || a.Key == "msid-semantic" {
			answer.Attributes = append(answer.Attributes, a)
		}
	}

	for _, om := range offer.MediaDescriptions {
		kind := model.ParseMediaKind(om.MediaName.Media)
		if kind == model.MediaUnknown {
			continue
		}
		am := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   om.MediaName.Media,
				Port:    sdp.RangedPort{Value: 9},
				Protos:  om.MediaName.Protos,
				Formats: om.MediaName.Formats,
			},
			ConnectionInformation: &sdp.ConnectionInformation{
				NetworkType: "IN",
				AddressType: "IP4",
				Address:     &sdp.Address{Address: "0.0.0.0"},
			},
		}
		if midVal, ok := om.Attribute("mid"); ok {
			am.Attributes = append(am.Attributes, sdp.Attribute{Key: "mid", Value: midVal})
		}
		am.Attributes = append(am.Attributes,
			sdp.Attribute{Key: "ice-ufrag", Value: ident.Ufrag},
			sdp.Attribute{Key: "ice-pwd", Value: ident.Pwd},
			sdp.Attribute{Key: "fingerprint", Value: "sha-256 " + ident.Fingerprint},
			sdp.Attribute{Key: "setup", Value: "passive"},
			sdp.Attribute{Key: string(direction)},
			sdp.Attribute{Key: "rtcp-mux"},
		)
		for _, a := range om.Attributes {
			switch a.Key {
			case "rtpmap", "fmtp", "rtcp-fb", "extmap":
				am.Attributes = append(am.Attributes, a)
			}
		}
		for _, c := range candidates {
			am.Attributes = append(am.Attributes, sdp.Attribute{
				Key: "candidate",
				Value: fmt.Sprintf("%d 1 %s %d %s %d typ host",
					c.Foundation, strings.ToLower(netTypeOrUDP(c.NetType)), c.Priority, c.IP, c.Port),
			})
		}
		am.Attributes = append(am.Attributes, sdp.Attribute{Key: "end-of-candidates"})
		answer.MediaDescriptions = append(answer.MediaDescriptions, am)
	}
	if len(answer.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("offer has no usable media sections")
	}
	return answer, nil
}

func netTypeOrUDP(netType string) string {
	if netType == "" {
		return "udp"
	}
	return netType
}

// RewriteForPullers replaces each matching media section's ssrc advertisement
// and codec description with the publisher's parameters, so the subscriber
// receives exactly the stream the publisher negotiated.
func RewriteForPullers(answer *sdp.SessionDescription, params []model.RtpSessionParam) error {
	for _, param := range params {
		for _, m := range answer.MediaDescriptions {
			if model.ParseMediaKind(m.MediaName.Media) != param.AVType {
				continue
			}
			var kept []sdp.Attribute
			for _, a := range m.Attributes {
				switch a.Key {
				case "ssrc", "ssrc-group", "rtpmap", "fmtp", "rtcp-fb", "recvonly", "sendrecv", "sendonly", "inactive":
					continue
				}
				kept = append(kept, a)
			}
			m.Attributes = kept

			pt := strconv.Itoa(int(param.PayloadType))
			m.MediaName.Formats = []string{pt}
			m.Attributes = append(m.Attributes, sdp.Attribute{Key: "sendonly"})
			m.Attributes = append(m.Attributes, sdp.Attribute{
				Key:   "rtpmap",
				Value: fmt.Sprintf("%s %s", pt, codecLine(param)),
			})
			if param.FmtpParam != "" {
				m.Attributes = append(m.Attributes, sdp.Attribute{Key: "fmtp", Value: pt + " " + param.FmtpParam})
			}
			for _, f := range param.RtcpFeatures {
				m.Attributes = append(m.Attributes, sdp.Attribute{Key: "rtcp-fb", Value: pt + " " + f})
			}
			streamID := fmt.Sprintf("stream_%d", param.SSRC)
			if param.HasRtx() {
				rtxPt := strconv.Itoa(int(param.RtxPayloadType))
				m.MediaName.Formats = append(m.MediaName.Formats, rtxPt)
				m.Attributes = append(m.Attributes,
					sdp.Attribute{Key: "rtpmap", Value: fmt.Sprintf("%s rtx/%d", rtxPt, param.ClockRate)},
					sdp.Attribute{Key: "fmtp", Value: rtxPt + " apt=" + pt},
					sdp.Attribute{Key: "ssrc-group", Value: fmt.Sprintf("FID %d %d", param.SSRC, param.RtxSSRC)},
				)
			}
			m.Attributes = append(m.Attributes,
				sdp.Attribute{Key: "ssrc", Value: fmt.Sprintf("%d cname:cname_%d", param.SSRC, param.SSRC)},
				sdp.Attribute{Key: "ssrc", Value: fmt.Sprintf("%d msid:%s %s", param.SSRC, streamID, streamID)},
			)
			if param.HasRtx() {
				m.Attributes = append(m.Attributes,
					sdp.Attribute{Key: "ssrc", Value: fmt.Sprintf("%d cname:cname_%d", param.RtxSSRC, param.RtxSSRC)},
					sdp.Attribute{Key: "ssrc", Value: fmt.Sprintf("%d msid:%s %s", param.RtxSSRC, streamID, streamID)},
				)
			}
			break
		}
	}
	return nil
}

func codecLine(param model.RtpSessionParam) string {
	line := fmt.Sprintf("%s/%d", param.Codec, param.ClockRate)
	if param.Channel > 0 {
		line += "/" + strconv.Itoa(param.Channel)
	}
	return line
}

// ExtensionIDs are the negotiated header-extension IDs of one media section.
type ExtensionIDs struct {
	Mid         int
	Tcc         int
	AbsSendTime int
}

// ExtensionIDsByKind collects the extmap IDs a peer offered, per media kind.
// Subscribers may negotiate different IDs than the publisher did; the send
// path remaps them per packet.
func ExtensionIDsByKind(desc *sdp.SessionDescription) map[model.MediaKind]ExtensionIDs {
	out := make(map[model.MediaKind]ExtensionIDs)
	for _, m := range desc.MediaDescriptions {
		kind := model.ParseMediaKind(m.MediaName.Media)
		if kind == model.MediaUnknown {
			continue
		}
		mid, tcc, abs := extMapIDs(m)
		out[kind] = ExtensionIDs{Mid: mid, Tcc: tcc, AbsSendTime: abs}
	}
	return out
}

// Marshal renders the description back to its wire string.
func Marshal(desc *sdp.SessionDescription) (string, error) {
	b, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal sdp: %w", err)
	}
	return string(b), nil
}
