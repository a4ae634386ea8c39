// Package profiles resolves processing profiles by name.
//
// Profiles are partial parameter documents stored in a directory. Two names
// are reserved: "Internal" is the built-in parameter set and "Dynamic"
// picks profiles by evaluating the rules in dynamic.yaml against the
// metadata of the image being processed.
package profiles

import (
	"os"
	"path/filepath"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rtcal/pkg/config"
	"github.com/charlie0129/rtcal/pkg/engine"
	"github.com/charlie0129/rtcal/pkg/params"
)

// Store loads profiles from a directory.
type Store struct {
	dir string
	ext string
	log logrus.FieldLogger
}

func NewStore(dir, ext string, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return &Store{dir: dir, ext: ext, log: log}
}

// NewStoreFromConfig creates a store for the configured profile directory.
func NewStoreFromConfig(c config.Config, log logrus.FieldLogger) *Store {
	return NewStore(c.ProfilesDir(), c.ParamExtension(), log)
}

// Dir returns the profile directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path resolves a profile name. Names with a directory component or the
// profile extension are used as paths.
func (s *Store) Path(name string) string {
	if strings.ContainsRune(name, os.PathSeparator) || (s.ext != "" && strings.HasSuffix(name, s.ext)) {
		return name
	}
	return filepath.Join(s.dir, name+s.ext)
}

// IsInternal reports whether name selects the built-in parameters.
func IsInternal(name string) bool {
	return strings.EqualFold(name, config.ProfileInternal)
}

// IsDynamic reports whether name selects rule based resolution.
func IsDynamic(name string) bool {
	return strings.EqualFold(name, config.ProfileDynamic)
}

// Internal returns the built-in parameters as a profile.
func Internal() *params.PartialProfile {
	pp, err := params.FromParameters(config.ProfileInternal, params.Defaults())
	if err != nil {
		// Defaults always encode.
		panic(err)
	}
	return pp
}

// Load reads the named profile. A missing file is engine.ErrProfileNotFound.
func (s *Store) Load(name string) (*params.PartialProfile, error) {
	if IsInternal(name) {
		return Internal(), nil
	}
	if IsDynamic(name) {
		return nil, pkgerrors.Errorf("%s can only be used as a default profile", config.ProfileDynamic)
	}

	path := s.Path(name)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, pkgerrors.Wrapf(engine.ErrProfileNotFound, "%s (%s)", name, path)
		}
		return nil, pkgerrors.Wrapf(err, "failed to stat profile %s", path)
	}
	return params.LoadPartial(path)
}

// Resolve returns the profiles a default profile name stands for, in the
// order they apply.
func (s *Store) Resolve(name string, md engine.Metadata) ([]*params.PartialProfile, error) {
	switch {
	case IsInternal(name):
		return []*params.PartialProfile{Internal()}, nil
	case IsDynamic(name):
		return s.Dynamic(md)
	default:
		pp, err := s.Load(name)
		if err != nil {
			return nil, err
		}
		return []*params.PartialProfile{pp}, nil
	}
}

// Check verifies that name can be resolved without loading an image.
func (s *Store) Check(name string) error {
	if IsInternal(name) || IsDynamic(name) {
		return nil
	}
	_, err := s.Load(name)
	return err
}

// InitialParameters merges the default profile for md, picked by its raw
// flag, on top of the built-in parameters.
func (s *Store) InitialParameters(md engine.Metadata, rawProfile, imageProfile string) (*params.RenderParameters, error) {
	name := imageProfile
	if md.Raw {
		name = rawProfile
	}
	pps, err := s.Resolve(name, md)
	if err != nil {
		return nil, err
	}
	return params.Merge(params.Defaults(), pps...)
}
