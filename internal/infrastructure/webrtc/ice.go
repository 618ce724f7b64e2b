package webrtc

import (
	"fmt"

	"github.com/maartenbreddels/ipywebrtc/internal/core/catalog"
	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"
	"github.com/maartenbreddels/ipywebrtc/internal/core/entity"
	"github.com/maartenbreddels/ipywebrtc/pkg/config"
	"github.com/maartenbreddels/ipywebrtc/pkg/validation"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ICEDefaults holds the STUN/TURN servers handed to front-end peers. The
// host never opens a peer connection itself; the browser does, using the
// servers carried in each peer's ice_servers attribute.
type ICEDefaults struct {
	servers []webrtc.ICEServer
	logger  *zap.SugaredLogger
}

// NewICEDefaults converts configured servers, rejecting malformed URLs.
func NewICEDefaults(servers []config.ICEServer, logger *zap.SugaredLogger) (*ICEDefaults, error) {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, s := range servers {
		for _, u := range s.URLs {
			if err := validation.ValidateICEServerURL(u); err != nil {
				return nil, fmt.Errorf("ice_servers[%d]: %w", i, err)
			}
		}
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, server)
	}
	return &ICEDefaults{servers: out, logger: logger}, nil
}

// Servers returns the servers in the shape RTCPeerConnection expects.
func (d *ICEDefaults) Servers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(d.servers))
	copy(out, d.servers)
	return out
}

// Configuration is what the front-end passes to new RTCPeerConnection().
func (d *ICEDefaults) Configuration() webrtc.Configuration {
	return webrtc.Configuration{ICEServers: d.Servers()}
}

// URLs flattens every server URL, in configuration order.
func (d *ICEDefaults) URLs() []string {
	var urls []string
	for _, s := range d.servers {
		urls = append(urls, s.URLs...)
	}
	return urls
}

// Install seeds ice_servers on every locally created WebRTCPeer. Values
// given at create time still win since they are applied afterwards.
// Mirrors keep whatever the front-end sends.
func (d *ICEDefaults) Install(cat *catalog.Catalog) error {
	urls := d.URLs()
	if len(urls) == 0 {
		return nil
	}
	return cat.AddSetup(domain.KindWebRTCPeer, func(e *entity.Entity) {
		if e.Origin() != domain.OriginLocal {
			return
		}
		if err := e.Set("ice_servers", urls); err != nil {
			d.logger.Warnw("failed to seed ice servers",
				"entity_id", e.ID(),
				"error", err,
			)
		}
	})
}
