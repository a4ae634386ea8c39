package profiles

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dop251/goja"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/charlie0129/rtcal/pkg/engine"
	"github.com/charlie0129/rtcal/pkg/params"
)

// RulesFile is the name of the dynamic rules document in the profile
// directory.
const RulesFile = "dynamic.yaml"

// ruleTimeout bounds the evaluation of one rule.
const ruleTimeout = 100 * time.Millisecond

// Rule applies Profile to images for which the JavaScript expression Match
// evaluates truthy. The expression sees an `image` object with the fields
// path, name, ext, format, raw, width, height, make and model.
type Rule struct {
	Name    string `yaml:"name"`
	Match   string `yaml:"match"`
	Profile string `yaml:"profile"`
}

type rulesDocument struct {
	Rules []Rule `yaml:"rules"`
}

// Rules reads the dynamic rules. A missing rules file means no rules.
func (s *Store) Rules() ([]Rule, error) {
	path := filepath.Join(s.dir, RulesFile)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, pkgerrors.Wrapf(err, "failed to read %s", path)
	}
	var doc rulesDocument
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to parse %s", path)
	}
	return doc.Rules, nil
}

// Dynamic returns the built-in parameters followed by the profile of every
// rule matching md, in rule order.
func (s *Store) Dynamic(md engine.Metadata) ([]*params.PartialProfile, error) {
	rules, err := s.Rules()
	if err != nil {
		return nil, err
	}

	out := []*params.PartialProfile{Internal()}
	if len(rules) == 0 {
		return out, nil
	}

	vm := goja.New()
	if err := vm.Set("image", imageObject(md)); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to expose image metadata")
	}

	for _, r := range rules {
		ok, err := evaluate(vm, r.Match)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "dynamic rule %q", r.Name)
		}
		if !ok {
			continue
		}
		s.log.WithFields(logrus.Fields{
			"rule":    r.Name,
			"profile": r.Profile,
			"image":   md.Path,
		}).Debug("dynamic rule matched")

		pp, err := s.Load(r.Profile)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "dynamic rule %q", r.Name)
		}
		out = append(out, pp)
	}
	return out, nil
}

func imageObject(md engine.Metadata) map[string]any {
	base := filepath.Base(md.Path)
	return map[string]any{
		"path":   md.Path,
		"name":   base,
		"ext":    strings.ToLower(strings.TrimPrefix(filepath.Ext(base), ".")),
		"format": md.Format,
		"raw":    md.Raw,
		"width":  md.Width,
		"height": md.Height,
		"make":   md.Make,
		"model":  md.Model,
	}
}

func evaluate(vm *goja.Runtime, expr string) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}

	defer vm.ClearInterrupt()
	timer := time.AfterFunc(ruleTimeout, func() {
		vm.Interrupt("rule evaluation timed out")
	})
	defer timer.Stop()

	v, err := vm.RunString(expr)
	if err != nil {
		return false, err
	}
	return v.ToBoolean(), nil
}
