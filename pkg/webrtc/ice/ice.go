package ice

import (
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// Modes accepted in Config.Mode.
const (
	ModeSTUNTURN = "stun-turn"
	ModeTURNOnly = "turn-only"
	ModeSTUNOnly = "stun-only"
)

// DefaultSTUN is advertised when no STUN URLs are configured.
var DefaultSTUN = []string{"stun:stun.l.google.com:19302"}

// Config selects which ICE servers clients are told about.
//
//   - Mode: stun-turn (default), turn-only, stun-only
//   - STUNURLs / TURNURLs: server URLs
//   - Username / Password: TURN credentials (if required)
type Config struct {
	Mode     string
	STUNURLs []string
	TURNURLs []string
	Username string
	Password string
}

// Servers builds the ICE server list for cfg. Every URL must parse as a
// STUN/TURN URI of the right family.
func Servers(cfg Config, logger *logrus.Entry) (mode string, servers []webrtc.ICEServer, err error) {
	mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = ModeSTUNTURN
	}
	switch mode {
	case ModeSTUNTURN, ModeTURNOnly, ModeSTUNOnly:
	default:
		return "", nil, fmt.Errorf("unknown ICE mode %q", cfg.Mode)
	}

	stunURLs := clean(cfg.STUNURLs)
	turnURLs := clean(cfg.TURNURLs)
	if err := validate(stunURLs, false); err != nil {
		return "", nil, err
	}
	if err := validate(turnURLs, true); err != nil {
		return "", nil, err
	}

	turnOnly := mode == ModeTURNOnly
	stunOnly := mode == ModeSTUNOnly

	if !turnOnly {
		if len(stunURLs) > 0 {
			servers = append(servers, webrtc.ICEServer{URLs: stunURLs})
		} else {
			servers = append(servers, webrtc.ICEServer{URLs: DefaultSTUN})
		}
	}

	if !stunOnly {
		if len(turnURLs) > 0 {
			servers = append(servers, webrtc.ICEServer{
				URLs:       turnURLs,
				Username:   cfg.Username,
				Credential: cfg.Password,
			})
		} else if !turnOnly {
			logger.Info("TURN not configured; set TURN_URLS and credentials for relay fallback")
		}
	}

	if turnOnly && len(servers) == 0 {
		logger.Warn("ICE_MODE=turn-only set but no TURN servers are configured; falling back to default STUN")
		servers = append(servers, webrtc.ICEServer{URLs: DefaultSTUN})
	}

	logger.WithFields(logrus.Fields{
		"mode":    mode,
		"servers": len(servers),
	}).Info("ICE servers loaded")
	return mode, servers, nil
}

func validate(urls []string, turn bool) error {
	for _, raw := range urls {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return fmt.Errorf("ice url %q: %w", raw, err)
		}
		isTURN := uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS
		if isTURN != turn {
			return fmt.Errorf("ice url %q: unexpected scheme %s", raw, uri.Scheme)
		}
	}
	return nil
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(csv string) []string {
	return clean(strings.Split(csv, ","))
}

func clean(in []string) []string {
	var out []string
	for _, p := range in {
		v := strings.TrimSpace(p)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
