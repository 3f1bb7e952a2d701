// Package assets maintains the catalog of known fungible assets. The
// catalog maps a mint identifier to display metadata and is used to
// annotate and cross-check spending limits.
package assets

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	xerrors "AgentVault/internal/errors"
)

// MintNative denotes the base asset of the underlying ledger.
const MintNative = "native"

// Asset describes one known fungible asset.
type Asset struct {
	Mint     string `yaml:"mint" json:"mint"`
	Symbol   string `yaml:"symbol" json:"symbol"`
	Decimals int    `yaml:"decimals" json:"decimals"`
	Notes    string `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// Catalog is a registry of known assets keyed by mint. Safe for
// concurrent use.
type Catalog struct {
	mu     sync.RWMutex
	byMint map[string]Asset
}

type registryFile struct {
	Assets []Asset `yaml:"assets"`
}

// NewCatalog returns a catalog seeded with the native asset.
func NewCatalog() *Catalog {
	return &Catalog{byMint: map[string]Asset{
		MintNative: {Mint: MintNative, Symbol: "SOL", Decimals: 9},
	}}
}

// LoadCatalog reads a YAML registry file and merges it over the defaults.
func LoadCatalog(path string) (*Catalog, error) {
	catalog := NewCatalog()
	if path == "" {
		return catalog, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read asset registry")
	}
	var file registryFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidationFailed, err, "parse asset registry")
	}
	for _, asset := range file.Assets {
		if err := catalog.Register(asset); err != nil {
			return nil, err
		}
	}
	return catalog, nil
}

// Register adds or replaces an asset entry.
func (c *Catalog) Register(asset Asset) error {
	mint := strings.TrimSpace(asset.Mint)
	if mint == "" {
		return xerrors.New(xerrors.CodeValidationFailed, "asset mint is empty")
	}
	if asset.Decimals < 0 {
		return xerrors.New(xerrors.CodeValidationFailed, fmt.Sprintf("asset %s has negative decimals", mint))
	}
	asset.Mint = mint
	c.mu.Lock()
	c.byMint[mint] = asset
	c.mu.Unlock()
	return nil
}

// Lookup returns the catalog entry for a mint.
func (c *Catalog) Lookup(mint string) (Asset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	asset, ok := c.byMint[strings.TrimSpace(mint)]
	return asset, ok
}

// List returns all registered assets.
func (c *Catalog) List() []Asset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Asset, 0, len(c.byMint))
	for _, asset := range c.byMint {
		out = append(out, asset)
	}
	return out
}
