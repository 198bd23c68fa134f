package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/klazomenai/splash-gate/pkg/gate"
)

// MaxManifestSize limits the manifest file read into memory.
const MaxManifestSize = 1 << 20

var ErrEmptyManifest = errors.New("manifest is empty")

// ManifestAsset is one manifest entry. Kind is kept as text so an unknown
// value can be reported with its position.
type ManifestAsset struct {
	URL  string `yaml:"url" json:"url"`
	Kind string `yaml:"kind" json:"kind"`
}

// Manifest lists the critical assets and the font faces the page uses.
type Manifest struct {
	Assets []ManifestAsset `yaml:"assets" json:"assets"`
	Fonts  []string        `yaml:"fonts" json:"fonts"`
}

// DefaultManifest is the critical set of the landing page: four hero
// videos and two images. Fonts are self-hosted by next/font and not listed.
func DefaultManifest() Manifest {
	return Manifest{
		Assets: []ManifestAsset{
			{URL: "/videos/doll.mp4", Kind: "video-metadata"},
			{URL: "/videos/doll2.mp4", Kind: "video-metadata"},
			{URL: "/videos/doll3.mp4", Kind: "video-metadata"},
			{URL: "/videos/Aiagent.mp4", Kind: "video-metadata"},
			{URL: "/assets/images/iPhone14Pro.svg", Kind: "image"},
			{URL: "/assets/images/bg-inte.webp", Kind: "image"},
		},
	}
}

// ParseManifest decodes YAML, rejecting unknown fields.
func ParseManifest(data []byte) (Manifest, error) {
	if len(data) == 0 {
		return Manifest{}, ErrEmptyManifest
	}
	if len(data) > MaxManifestSize {
		return Manifest{}, fmt.Errorf("manifest of %d bytes exceeds %d", len(data), MaxManifestSize)
	}
	var m Manifest
	if err := yaml.UnmarshalWithOptions(data, &m, yaml.Strict()); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// LoadManifest reads path, or returns DefaultManifest when path is empty.
func LoadManifest(path string) (Manifest, error) {
	if path == "" {
		return DefaultManifest(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// Validate checks every entry has a URL and a known kind.
func (m Manifest) Validate() error {
	for i, a := range m.Assets {
		if strings.TrimSpace(a.URL) == "" {
			return fmt.Errorf("assets[%d]: url is required", i)
		}
		if _, err := gate.ParseKind(a.Kind); err != nil {
			return fmt.Errorf("assets[%d] %q: %w", i, a.URL, err)
		}
	}
	for i, f := range m.Fonts {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("fonts[%d]: url is required", i)
		}
	}
	return nil
}

// Resolve turns the manifest into gate assets with absolute URLs. Relative
// URLs are resolved against base.
func (m Manifest) Resolve(base string) ([]gate.Asset, []string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return nil, nil, fmt.Errorf("parse base url: %w", err)
	}
	assets := make([]gate.Asset, 0, len(m.Assets))
	for _, a := range m.Assets {
		kind, err := gate.ParseKind(a.Kind)
		if err != nil {
			return nil, nil, fmt.Errorf("asset %q: %w", a.URL, err)
		}
		u, err := resolve(b, a.URL)
		if err != nil {
			return nil, nil, err
		}
		assets = append(assets, gate.Asset{URL: u, Kind: kind})
	}
	fonts := make([]string, 0, len(m.Fonts))
	for _, f := range m.Fonts {
		u, err := resolve(b, f)
		if err != nil {
			return nil, nil, err
		}
		fonts = append(fonts, u)
	}
	return assets, fonts, nil
}

func resolve(base *url.URL, ref string) (string, error) {
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("parse asset url %q: %w", ref, err)
	}
	return base.ResolveReference(r).String(), nil
}
