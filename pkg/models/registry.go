package models

import "fmt"

// DefaultAssetScale is used for assets the registry does not know.
const DefaultAssetScale = 8

// AssetRegistry resolves assets and trading pairs known to the engine.
// It is built once from configuration and read-only afterwards.
type AssetRegistry struct {
	assets map[string]Asset
	pairs  map[string]AssetPair
}

// NewAssetRegistry builds a registry from configured assets and pairs.
func NewAssetRegistry(assets []Asset, pairs []AssetPair) *AssetRegistry {
	r := &AssetRegistry{
		assets: make(map[string]Asset, len(assets)),
		pairs:  make(map[string]AssetPair, len(pairs)),
	}
	for _, a := range assets {
		r.assets[a.ID] = a
	}
	for _, p := range pairs {
		r.pairs[p.ID] = p
	}
	return r
}

// Asset returns the asset definition for id.
func (r *AssetRegistry) Asset(id string) (Asset, error) {
	a, ok := r.assets[id]
	if !ok {
		return Asset{}, fmt.Errorf("unknown asset %q", id)
	}
	return a, nil
}

// Pair returns the pair definition for id.
func (r *AssetRegistry) Pair(id string) (AssetPair, error) {
	p, ok := r.pairs[id]
	if !ok {
		return AssetPair{}, fmt.Errorf("unknown asset pair %q", id)
	}
	return p, nil
}

// Scale returns the decimal scale for assetID, falling back to
// DefaultAssetScale when the asset is unknown.
func (r *AssetRegistry) Scale(assetID string) int32 {
	if a, ok := r.assets[assetID]; ok {
		return a.Scale
	}
	return DefaultAssetScale
}
