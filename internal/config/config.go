package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/callkit/internal/proto"
	"github.com/petervdpas/callkit/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Call     Call     `json:"call"`
	Media    Media    `json:"media"`
	Paths    Paths    `json:"paths"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
	Name    string `json:"name"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`

	// Optional websocket relay for networks where gossipsub can't form a
	// mesh. Example: ws://relay.example.org:8789/ws
	RelayURL string `json:"relay_url"`
}

type Call struct {
	RingTimeoutSec    int `json:"ring_timeout_seconds"`
	HealthGraceSec    int `json:"health_grace_seconds"`
	HealthIntervalSec int `json:"health_interval_seconds"`
}

type Media struct {
	StunURLs []string `json:"stun_urls"`
}

type Paths struct {
	DataDir        string `json:"data_dir"`
	BackgroundsDir string `json:"backgrounds_dir"`

	// DirectoryURL points at the peer directory service (id → name/avatar).
	// Empty disables lookups; ids render as-is.
	DirectoryURL string `json:"directory_url"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    proto.MdnsTag,
		},
		Call: Call{
			RingTimeoutSec:    30,
			HealthGraceSec:    10,
			HealthIntervalSec: 5,
		},
		Media: Media{
			StunURLs: []string{"stun:stun.l.google.com:19302"},
		},
		Paths: Paths{
			DataDir:        "data",
			BackgroundsDir: "data/backgrounds",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}
	if r := strings.TrimSpace(c.P2P.RelayURL); r != "" {
		u, err := url.Parse(r)
		if err != nil {
			return fmt.Errorf("p2p.relay_url: %v", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.New("p2p.relay_url scheme must be ws or wss")
		}
		if u.Host == "" {
			return errors.New("p2p.relay_url missing host")
		}
	}

	// Call
	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_seconds must be > 0")
	}
	if c.Call.HealthGraceSec <= 0 {
		return errors.New("call.health_grace_seconds must be > 0")
	}
	if c.Call.HealthIntervalSec <= 0 {
		return errors.New("call.health_interval_seconds must be > 0")
	}

	// Media
	for _, s := range c.Media.StunURLs {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("media.stun_urls entry %q must start with stun: or turn:", s)
		}
	}

	// Paths
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}
	if strings.TrimSpace(c.Paths.BackgroundsDir) == "" {
		return errors.New("paths.backgrounds_dir is required")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
