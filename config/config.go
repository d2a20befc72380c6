// Package config loads the per-process deployment record described in
// spec.md §6: this replica's id, the (n, t) deployment size, the network
// and secret-key maps needed to build a wire.PeerTable, the client-facing
// address, and the reconstruction/consensus thresholds. No environment
// variables are consulted, matching spec.md §6 exactly.
package config

import (
	"bytes"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/drand/rbc/wire"
)

// Config is the (id, n, t, net_map, sk_map, client_addr) record of
// spec.md §6, plus the reconstruction threshold and the leader-agreement
// threshold every protocol instance is parameterized by. NetMap and SKMap
// are keyed by the decimal string form of a replica id rather than int:
// TOML tables require string keys, and keeping one shape across all four
// formats (rather than a special case for TOML) keeps the loaders
// uniform.
type Config struct {
	ID                 int            `toml:"id" json:"id" yaml:"id"`
	N                  int            `toml:"n" json:"n" yaml:"n"`
	T                  int            `toml:"t" json:"t" yaml:"t"`
	NetMap             map[string]string `toml:"net_map" json:"net_map" yaml:"net_map"`
	SKMap              map[string]string `toml:"sk_map" json:"sk_map" yaml:"sk_map"`
	ClientAddr         string         `toml:"client_addr" json:"client_addr" yaml:"client_addr"`
	Threshold          int            `toml:"threshold" json:"threshold" yaml:"threshold"`
	ConsensusThreshold int            `toml:"consensus_threshold" json:"consensus_threshold" yaml:"consensus_threshold"`
	LeaderID           int            `toml:"leader_id" json:"leader_id" yaml:"leader_id"`
}

// Validate checks the deployment record is internally consistent: a
// permissioned n >= 3t+1 system (spec.md's blanket assumption) with a
// complete net_map/sk_map and this replica's own id among them.
func (c *Config) Validate() error {
	if c.N < 3*c.T+1 {
		return fmt.Errorf("config: n=%d must satisfy n >= 3t+1 for t=%d", c.N, c.T)
	}
	if c.ID < 0 || c.ID >= c.N {
		return fmt.Errorf("config: id %d out of range [0,%d)", c.ID, c.N)
	}
	if len(c.NetMap) != c.N {
		return fmt.Errorf("config: net_map has %d entries, want %d", len(c.NetMap), c.N)
	}
	if len(c.SKMap) != c.N {
		return fmt.Errorf("config: sk_map has %d entries, want %d", len(c.SKMap), c.N)
	}
	for i := 0; i < c.N; i++ {
		key := strconv.Itoa(i)
		if _, ok := c.NetMap[key]; !ok {
			return fmt.Errorf("config: net_map missing replica %d", i)
		}
		if _, ok := c.SKMap[key]; !ok {
			return fmt.Errorf("config: sk_map missing replica %d", i)
		}
	}
	if c.ConsensusThreshold < 1 || c.ConsensusThreshold > c.N {
		return fmt.Errorf("config: consensus_threshold %d out of range [1,%d]", c.ConsensusThreshold, c.N)
	}
	if c.LeaderID < 0 || c.LeaderID >= c.N {
		return fmt.Errorf("config: leader_id %d out of range [0,%d)", c.LeaderID, c.N)
	}
	return nil
}

// PeerTable builds the wire.PeerTable this replica's transport dials out
// on, decoding each hex-encoded secret key in sk_map and converting the
// string-keyed net_map/sk_map into the int-keyed shape wire.PeerTable
// expects.
func (c *Config) PeerTable() (wire.PeerTable, error) {
	addrs := make(map[int]string, len(c.NetMap))
	for idStr, addr := range c.NetMap {
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return wire.PeerTable{}, fmt.Errorf("config: net_map key %q is not a replica id: %w", idStr, err)
		}
		addrs[id] = addr
	}

	keys := make(map[int][]byte, len(c.SKMap))
	for idStr, hexKey := range c.SKMap {
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return wire.PeerTable{}, fmt.Errorf("config: sk_map key %q is not a replica id: %w", idStr, err)
		}
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return wire.PeerTable{}, fmt.Errorf("config: decode sk_map[%d]: %w", id, err)
		}
		keys[id] = key
	}
	return wire.PeerTable{ID: c.ID, Addresses: addrs, Keys: keys}, nil
}

// PairwiseSKMaps generates n per-replica sk_map values for an n-party
// deployment: spec.md §3/§4.1 names sec_key_map as a *pairwise* symmetric
// secret table (MAC'd with sec_key_map[receiver]), so replica i's and
// replica j's views of the secret for the unordered pair (i,j) must be
// the identical value, and must differ from the secret either of them
// holds for any other peer. genKey is called once per unordered pair and
// once per replica for its diagonal entry (n*(n+1)/2 times in all) and
// should return a fresh hex-encoded secret each time. Each replica's own
// diagonal entry (needed only so Config.Validate sees a complete n-entry
// map) gets its own fresh, unused key.
func PairwiseSKMaps(n int, genKey func() (string, error)) ([]map[string]string, error) {
	maps := make([]map[string]string, n)
	for i := 0; i < n; i++ {
		maps[i] = make(map[string]string, n)
	}
	for i := 0; i < n; i++ {
		self, err := genKey()
		if err != nil {
			return nil, fmt.Errorf("config: generate diagonal key for replica %d: %w", i, err)
		}
		maps[i][strconv.Itoa(i)] = self
		for j := i + 1; j < n; j++ {
			pair, err := genKey()
			if err != nil {
				return nil, fmt.Errorf("config: generate pairwise key for (%d,%d): %w", i, j, err)
			}
			maps[i][strconv.Itoa(j)] = pair
			maps[j][strconv.Itoa(i)] = pair
		}
	}
	return maps, nil
}

// LoadTOML reads a Config from a TOML file, the teacher's own group-file
// format (cmd/drand-cli's ParseProposalFile, key's *TOML types).
func LoadTOML(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("config: decode toml %s: %w", path, err)
	}
	return &c, nil
}

// LoadJSON reads a Config from a JSON file.
func LoadJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: decode json %s: %w", path, err)
	}
	return &c, nil
}

// LoadYAML reads a Config from a YAML file.
func LoadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: decode yaml %s: %w", path, err)
	}
	return &c, nil
}

// LoadGob reads a Config from its gob binary encoding, the fourth format
// spec.md §6 names alongside JSON/TOML/YAML.
func LoadGob(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c); err != nil {
		return nil, fmt.Errorf("config: decode gob %s: %w", path, err)
	}
	return &c, nil
}

// SaveGob writes c's gob binary encoding to path, the counterpart to
// LoadGob, used by Save for the .dat/.gob extensions.
func SaveGob(c *Config, path string) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("config: encode gob: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// SaveTOML writes c's TOML encoding to path.
func SaveTOML(c *Config, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(c)
}

// SaveJSON writes c's JSON encoding to path.
func SaveJSON(c *Config, path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode json: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// SaveYAML writes c's YAML encoding to path.
func SaveYAML(c *Config, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encode yaml: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Load reads a Config from path, picking the format by its file extension:
// .json, .toml, .yaml/.yml, or .dat/.gob for the binary encoding — matching
// original_source/node/src/main.rs's conf_file.extension() dispatch.
func Load(path string) (*Config, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		return LoadJSON(path)
	case ".toml":
		return LoadTOML(path)
	case ".yaml", ".yml":
		return LoadYAML(path)
	case ".dat", ".gob":
		return LoadGob(path)
	default:
		return nil, fmt.Errorf("config: unrecognized config file extension %q", ext)
	}
}

// Save writes c to path in the format selected by its file extension, the
// counterpart to Load.
func Save(c *Config, path string) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		return SaveJSON(c, path)
	case ".toml":
		return SaveTOML(c, path)
	case ".yaml", ".yml":
		return SaveYAML(c, path)
	case ".dat", ".gob":
		return SaveGob(c, path)
	default:
		return fmt.Errorf("config: unrecognized config file extension %q", ext)
	}
}
