// Package ice fetches and normalizes STUN/TURN server descriptors.
package ice

import (
	"encoding/json"
	"strings"

	"p2pcall/native/internal/domain"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	// MaxServers caps the normalized list.
	MaxServers = 4
	// FallbackSTUN is appended when direct connectivity is allowed.
	FallbackSTUN = "stun:stun.l.google.com:19302"

	legacyTwilioTURN = "turn:global.turn.twilio.com:443?transport=tcp"
	secureTwilioTURN = "turns:global.turn.twilio.com:443?transport=tcp"
)

type rawServer struct {
	URL        stringOrStringSlice `json:"url"`
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username"`
	Credential string              `json:"credential"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// Normalize parses a serialized server list and applies the connectivity
// policy. A legacy "url" field replaces "urls". With disableP2P set, STUN
// entries are removed and no fallback STUN server is added. Entries left
// without URLs are dropped and the result never exceeds MaxServers.
func Normalize(raw string, disableP2P bool) []domain.ServerDescriptor {
	var servers []rawServer
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &servers); err != nil {
			log.Warn().Err(err).Str("module", "ice").Msg("unparseable server list")
			servers = nil
		}
	}

	out := make([]domain.ServerDescriptor, 0, len(servers)+1)
	for _, s := range servers {
		urls := s.URLs
		if s.URL != nil {
			urls = s.URL
		}

		kept := make([]string, 0, len(urls))
		for _, u := range urls {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			if disableP2P && isSTUN(u) {
				continue
			}
			if u == legacyTwilioTURN {
				u = secureTwilioTURN
			}
			kept = append(kept, u)
		}
		if len(kept) == 0 {
			continue
		}

		out = append(out, domain.ServerDescriptor{
			URLs:       kept,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	if !disableP2P {
		out = append(out, domain.ServerDescriptor{URLs: []string{FallbackSTUN}})
	}
	if len(out) > MaxServers {
		out = out[:MaxServers]
	}
	return out
}

// ToICEServers converts descriptors to pion's configuration type.
func ToICEServers(servers []domain.ServerDescriptor) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		server := webrtc.ICEServer{
			URLs:     append([]string(nil), s.URLs...),
			Username: s.Username,
		}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		out = append(out, server)
	}
	return out
}

func isSTUN(url string) bool {
	return strings.HasPrefix(url, "stun:") || strings.HasPrefix(url, "stuns:")
}
