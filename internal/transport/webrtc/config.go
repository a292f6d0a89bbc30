package webrtc

import "github.com/pion/webrtc/v3"

const (
	dataChannelLabel    = "touch"
	dataChannelProtocol = "touch"
)

var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

// Configuration groups stunServers into a single ICE server entry. An empty
// list yields host candidates only.
func Configuration(stunServers []string) webrtc.Configuration {
	config := webrtc.Configuration{ICETransportPolicy: webrtc.ICETransportPolicyAll}
	if len(stunServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: append([]string(nil), stunServers...)}}
	}
	return config
}

func DefaultSTUNConfig() webrtc.Configuration {
	return Configuration(DefaultSTUNServers)
}

func DefaultDataChannelConfig() *webrtc.DataChannelInit {
	protocolName := dataChannelProtocol
	ordered := true
	return &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: nil,
		Protocol:       &protocolName,
	}
}
