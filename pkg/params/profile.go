package params

import (
	"bytes"
	"os"
	"path/filepath"

	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// PartialProfile is a parameter document that only names some fields. Fields
// it does not mention keep the value they already have when applied.
type PartialProfile struct {
	// Name identifies the profile in logs. Usually the file path.
	Name string
	node yaml.Node
}

// ParsePartial parses a partial profile document.
func ParsePartial(name string, data []byte) (*PartialProfile, error) {
	pp := &PartialProfile{Name: name}
	if len(bytes.TrimSpace(data)) == 0 {
		return pp, nil
	}
	if err := yaml.Unmarshal(data, &pp.node); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to parse profile %s", name)
	}
	return pp, nil
}

// LoadPartial reads a partial profile from disk.
func LoadPartial(path string) (*PartialProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to read profile %s", path)
	}
	return ParsePartial(path, data)
}

// FromParameters turns a complete parameter set into a profile that sets
// every field.
func FromParameters(name string, p *RenderParameters) (*PartialProfile, error) {
	pp := &PartialProfile{Name: name}
	if err := pp.node.Encode(p); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to encode profile %s", name)
	}
	return pp, nil
}

// ApplyTo overlays the profile on p.
func (pp *PartialProfile) ApplyTo(p *RenderParameters) error {
	if pp == nil || pp.node.Kind == 0 {
		return nil
	}
	if err := pp.node.Decode(p); err != nil {
		return pkgerrors.Wrapf(err, "failed to apply profile %s", pp.Name)
	}
	p.SetExposure(p.Exposure.Compensation)
	return nil
}

// Merge applies the profiles in order on top of base. Later profiles win.
func Merge(base *RenderParameters, profiles ...*PartialProfile) (*RenderParameters, error) {
	p := base.Clone()
	if p == nil {
		p = Defaults()
	}
	for _, pp := range profiles {
		if err := pp.ApplyTo(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Save writes p as a YAML document. Parent directories are created.
func Save(p *RenderParameters, path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to marshal parameters")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return pkgerrors.Wrapf(err, "failed to create directory %s", dir)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return pkgerrors.Wrapf(err, "failed to write parameters to %s", path)
	}
	return nil
}

// Load reads a parameter document on top of the built-in defaults.
func Load(path string) (*RenderParameters, error) {
	pp, err := LoadPartial(path)
	if err != nil {
		return nil, err
	}
	return Merge(Defaults(), pp)
}
