package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/ashureev/proctor-engine/internal/domain"
	"gopkg.in/yaml.v3"
)

// DefaultProfile is the profile key applied to exams without their own entry.
const DefaultProfile = "default"

// Profiles maps exam ids to the monitoring settings sessions of that exam start with.
type Profiles map[string]domain.Settings

type profileFile struct {
	Profiles map[string]yaml.Node `yaml:"profiles"`
}

// LoadProfiles reads exam settings profiles from a YAML file of the form
//
//	profiles:
//	  default:
//	    thresholds: {audio_rms_max: 0.25}
//	  exam-42:
//	    enabled_signals: [face, tab]
//
// Fields a profile omits keep the values from domain.DefaultSettings.
// An empty path yields an empty set.
func LoadProfiles(path string) (Profiles, error) {
	if path == "" {
		return Profiles{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return ParseProfiles(data)
}

// ParseProfiles decodes and validates a profiles document.
func ParseProfiles(data []byte) (Profiles, error) {
	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}

	out := make(Profiles, len(file.Profiles))
	for name, node := range file.Profiles {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("profile with empty name")
		}
		settings := domain.DefaultSettings()
		if err := node.Decode(&settings); err != nil {
			return nil, fmt.Errorf("parse profile %q: %w", name, err)
		}
		if err := domain.ValidateSettings(settings); err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}
		out[name] = settings
	}
	return out, nil
}

// For returns the settings for examID, falling back to the default profile
// and then to domain.DefaultSettings. The result is a private copy.
func (p Profiles) For(examID string) domain.Settings {
	if s, ok := p[examID]; ok {
		return s.Clone()
	}
	if s, ok := p[DefaultProfile]; ok {
		return s.Clone()
	}
	return domain.DefaultSettings()
}
