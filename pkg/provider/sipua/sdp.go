package sipua

import (
	"fmt"
	"strconv"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/softphone/pkg/session"
)

// payloadFormat формат RTP полезной нагрузки для rtpmap
type payloadFormat struct {
	payloadType uint8
	encoding    string
	clockRate   int
	channels    int
	fmtp        string
}

const telephoneEventPT = 101

var payloadFormats = map[session.AudioCodec]payloadFormat{
	session.CodecPCMU: {payloadType: 0, encoding: "PCMU", clockRate: 8000},
	session.CodecPCMA: {payloadType: 8, encoding: "PCMA", clockRate: 8000},
	session.CodecG729: {payloadType: 18, encoding: "G729", clockRate: 8000, fmtp: "annexb=no"},
	session.CodecOpus: {payloadType: 111, encoding: "opus", clockRate: 48000, channels: 2, fmtp: "useinbandfec=1"},
}

// codecOrder порядок предложения кодеков: выбранный первым, PCMU и PCMA как запасные
func codecOrder(preferred session.AudioCodec) []session.AudioCodec {
	if !preferred.Valid() {
		preferred = session.CodecPCMU
	}
	order := []session.AudioCodec{preferred}
	for _, c := range []session.AudioCodec{session.CodecPCMU, session.CodecPCMA} {
		if c != preferred {
			order = append(order, c)
		}
	}
	return order
}

// OfferConfig параметры SDP предложения
type OfferConfig struct {
	Host      string
	Port      int
	Codec     session.AudioCodec
	SessionID uint64
}

// BuildOffer создаёт SDP предложение для аудио вызова
func BuildOffer(cfg OfferConfig) *sdp.SessionDescription {
	offer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      cfg.SessionID,
			SessionVersion: cfg.SessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: cfg.Host,
		},
		SessionName: "softphone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: cfg.Host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: cfg.Port},
			Protos: []string{"RTP", "AVP"},
		},
	}

	for _, codec := range codecOrder(cfg.Codec) {
		pf := payloadFormats[codec]
		media.MediaName.Formats = append(media.MediaName.Formats, strconv.Itoa(int(pf.payloadType)))
		media.Attributes = append(media.Attributes, sdp.NewAttribute("rtpmap", pf.rtpmap()))
		if pf.fmtp != "" {
			media.Attributes = append(media.Attributes,
				sdp.NewAttribute("fmtp", fmt.Sprintf("%d %s", pf.payloadType, pf.fmtp)))
		}
	}

	// DTMF
	media.MediaName.Formats = append(media.MediaName.Formats, strconv.Itoa(telephoneEventPT))
	media.Attributes = append(media.Attributes,
		sdp.NewAttribute("rtpmap", fmt.Sprintf("%d telephone-event/8000", telephoneEventPT)),
		sdp.NewAttribute("fmtp", fmt.Sprintf("%d 0-16", telephoneEventPT)),
		sdp.NewAttribute("ptime", "20"),
		sdp.NewPropertyAttribute("sendrecv"),
	)

	offer.MediaDescriptions = []*sdp.MediaDescription{media}
	return offer
}

func (pf payloadFormat) rtpmap() string {
	if pf.channels > 1 {
		return fmt.Sprintf("%d %s/%d/%d", pf.payloadType, pf.encoding, pf.clockRate, pf.channels)
	}
	return fmt.Sprintf("%d %s/%d", pf.payloadType, pf.encoding, pf.clockRate)
}
