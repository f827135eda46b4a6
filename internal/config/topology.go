package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Topology is the static startup configuration read once from helia.toml.
// Like the viper settings, topology changes require a daemon restart:
// listen socket path, initial replica seed list, and which hash provider
// to use.
type Topology struct {
	Listen struct {
		SocketPath string `toml:"socket_path"`
		DataDir    string `toml:"data_dir"`
	} `toml:"listen"`

	Replicas []ReplicaSeed `toml:"replica"`

	Provider struct {
		HashProvider string `toml:"hash_provider"` // "sha256" (default); "dev" or "fnv" selects the FNV dev provider
		WASMModule   string `toml:"wasm_module"`   // path; decoded but not read by heliad
	} `toml:"provider"`
}

// ReplicaSeed is a replica the daemon adds to the replica registry at
// startup; it is not dialed until a WAL entry is broadcast to it.
type ReplicaSeed struct {
	ID      string `toml:"id"`
	Address string `toml:"address"`
}

// LoadTopology decodes helia.toml from path. A missing file is not an
// error; callers get a zero-value Topology with sane defaults applied.
func LoadTopology(path string) (*Topology, error) {
	t := &Topology{}
	t.Listen.SocketPath = ".helia/heliad.sock"
	t.Listen.DataDir = ".helia"
	t.Provider.HashProvider = "sha256"

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return t, nil
	}

	if _, err := toml.DecodeFile(path, t); err != nil {
		return nil, fmt.Errorf("config: decoding topology %s: %w", path, err)
	}
	return t, nil
}
