package config

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// HostConfig holds per-host settings persisted in <project>/.wireterm/host.yaml:
// the host's own persisted identity, the upstream peers it dials on startup,
// and the set of filesystem paths its file monitor exposes to watching
// clients, each optionally restricted to a list of owner ids.
type HostConfig struct {
	ServerID string   `yaml:"server_id"`
	Label    string   `yaml:"label,omitempty"`
	Upstreams []string `yaml:"upstreams,omitempty"` // addresses dialed as a client on startup, building the hop chain
	Paths    PathList `yaml:"paths,omitempty"`

	Admins      []string `yaml:"admins,omitempty"`       // owner ids (wire.ID.Format()) with access to every path
	IdleTimeout string   `yaml:"idle_timeout,omitempty"` // disconnect a connection idle longer than this (e.g. "4h")
	Locked      bool     `yaml:"locked,omitempty"`       // reject new terminal ownership claims while true
}

// IsAdmin reports whether ownerID is in the Admins list.
func (c *HostConfig) IsAdmin(ownerID string) bool {
	for _, a := range c.Admins {
		if a == ownerID {
			return true
		}
	}
	return false
}

// PathEntry is a monitored directory with an optional per-path owner ACL.
// When Owners is nil/empty, the path is visible to every connected owner.
type PathEntry struct {
	Path   string   `yaml:"path" json:"path"`
	Owners []string `yaml:"owners,omitempty" json:"owners,omitempty"`
}

// PathList supports mixed YAML formats in a single sequence: plain scalar
// strings ("~/projects/foo") for open paths, and mappings
// ({path: ..., owners: [...]}) for ACLed ones.
type PathList []PathEntry

// UnmarshalYAML handles both scalar strings and mapping nodes in a YAML sequence.
func (pl *PathList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return &yaml.TypeError{Errors: []string{"expected sequence"}}
	}
	var result PathList
	for _, item := range value.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			result = append(result, PathEntry{Path: item.Value})
		case yaml.MappingNode:
			var entry PathEntry
			if err := item.Decode(&entry); err != nil {
				return err
			}
			result = append(result, entry)
		}
	}
	*pl = result
	return nil
}

// MarshalYAML serializes PathList: entries without owners become plain
// strings, matching how a hand-edited host.yaml is typically written.
func (pl PathList) MarshalYAML() (any, error) {
	var nodes []*yaml.Node
	for _, e := range pl {
		if len(e.Owners) == 0 {
			nodes = append(nodes, &yaml.Node{Kind: yaml.ScalarNode, Value: e.Path})
		} else {
			var n yaml.Node
			if err := n.Encode(e); err != nil {
				return nil, err
			}
			nodes = append(nodes, &n)
		}
	}
	return &yaml.Node{Kind: yaml.SequenceNode, Content: nodes}, nil
}

// Strings returns just the path strings.
func (pl PathList) Strings() []string {
	out := make([]string, len(pl))
	for i, e := range pl {
		out[i] = e.Path
	}
	return out
}

// PathsForOwner returns the paths visible to ownerID: every path when admin
// is true, otherwise open entries plus entries that explicitly name
// ownerID.
func (pl PathList) PathsForOwner(ownerID string, admin bool) []string {
	if admin {
		return pl.Strings()
	}
	var out []string
	for _, e := range pl {
		if len(e.Owners) == 0 {
			out = append(out, e.Path)
			continue
		}
		for _, o := range e.Owners {
			if o == ownerID {
				out = append(out, e.Path)
				break
			}
		}
	}
	return out
}

// LoadHostConfig reads host.yaml from dir. If the file doesn't exist, it
// returns a zero-value config (no error). If a legacy bare server-id file
// exists, ServerID is seeded from it.
func LoadHostConfig(dir string) (*HostConfig, error) {
	cfg := &HostConfig{}
	path := filepath.Join(dir, "host.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if idData, idErr := os.ReadFile(filepath.Join(dir, "server-id")); idErr == nil {
				cfg.ServerID = strings.TrimSpace(string(idData))
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveHostConfig writes host.yaml to dir, creating dir if needed.
func SaveHostConfig(dir string, cfg *HostConfig) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "host.yaml"), data, 0644)
}
