// Package config loads the adapter's YAML configuration (spec §4.B/§4.C's
// "configuration" concept made concrete) and watches it for changes with
// fsnotify, pushing reloaded AE tables into an aepolicy.Registry without a
// restart.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clarapipe/dicom-adapter/aepolicy"
	"github.com/clarapipe/dicom-adapter/model"
)

// Duration wraps time.Duration so YAML values like "5s"/"1h" decode with
// time.ParseDuration instead of yaml.v3's default (integer nanoseconds,
// which would make every config file count zeros by hand).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the top-level YAML document shape.
type Config struct {
	SCP      SCPConfig             `yaml:"scp"`
	SCU      SCUConfig             `yaml:"scu"`
	Storage  StorageConfig         `yaml:"storage"`
	Services ServicesConfig        `yaml:"services"`
	Sources  map[string]string     `yaml:"sources"`  // calling AE title -> source id
	AETitles map[string]CalledAE  `yaml:"ae_titles"` // local AE title -> policy
}

// SCPConfig configures the inbound DIMSE listener (server package).
type SCPConfig struct {
	ListenAddress          string   `yaml:"listen_address"`
	AETitle                string   `yaml:"ae_title"`
	MaxAssociations        int64    `yaml:"max_associations"`
	AssociationIdleTimeout Duration `yaml:"association_idle_timeout"`
	DIMSEIdleTimeout       Duration `yaml:"dimse_idle_timeout"`
}

// SCUConfig configures the outbound DICOM retrieval client (retrieval.DimseClient).
type SCUConfig struct {
	CallingAETitle string   `yaml:"calling_ae_title"`
	LocalAETitle   string   `yaml:"local_ae_title"`
	ListenAddress  string   `yaml:"listen_address"`
	DialTimeout    Duration `yaml:"dial_timeout"`
	ReadTimeout    Duration `yaml:"read_timeout"`
	WriteTimeout   Duration `yaml:"write_timeout"`
	PushTimeout    Duration `yaml:"push_timeout"`
}

// StorageConfig configures the staging store and the inference request database.
type StorageConfig struct {
	Root               string   `yaml:"root"`
	RetentionWindow    Duration `yaml:"retention_window"`
	HighWaterBytes     int64    `yaml:"high_water_bytes"`
	InferenceStorePath string   `yaml:"inference_store_path"`
}

// ServicesConfig configures the external collaborators (spec §6).
type ServicesConfig struct {
	PlatformBaseURL string `yaml:"platform_base_url"`
}

// CalledAE is the YAML shape for one entry of ae_titles, decoded into
// aepolicy.CalledAEConfig.
type CalledAE struct {
	Grouping          string   `yaml:"grouping"`
	Timeout           Duration `yaml:"timeout"`
	MaxAge            Duration `yaml:"max_age"`
	Priority          byte     `yaml:"priority"`
	AllowedSOPClasses []string `yaml:"allowed_sop_classes"`
	AllowedSources    []string `yaml:"allowed_sources"`
	PipelineIDs       []string `yaml:"pipeline_ids"`
}

// Load reads and parses the YAML document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ParseGroupingKind maps the YAML string onto model.GroupingKind. An
// unrecognized or empty value is GroupingNone.
func ParseGroupingKind(s string) model.GroupingKind {
	switch s {
	case "patient_id":
		return model.GroupingPatientID
	case "study_instance_uid":
		return model.GroupingStudyInstanceUID
	case "calling_ae":
		return model.GroupingCallingAET
	default:
		return model.GroupingNone
	}
}

// CallingTable builds the aepolicy.Reload calling-AE table from Sources.
func (c *Config) CallingTable() map[string]aepolicy.SourceID {
	out := make(map[string]aepolicy.SourceID, len(c.Sources))
	for ae, src := range c.Sources {
		out[ae] = aepolicy.SourceID(src)
	}
	return out
}

// CalledTable builds the aepolicy.Reload called-AE table from AETitles.
func (c *Config) CalledTable() map[string]aepolicy.CalledAEConfig {
	out := make(map[string]aepolicy.CalledAEConfig, len(c.AETitles))
	for ae, raw := range c.AETitles {
		cfg := aepolicy.CalledAEConfig{
			AETitle:     ae,
			Grouping:    ParseGroupingKind(raw.Grouping),
			Timeout:     time.Duration(raw.Timeout),
			MaxAge:      time.Duration(raw.MaxAge),
			Priority:    raw.Priority,
			PipelineIDs: raw.PipelineIDs,
		}
		if len(raw.AllowedSOPClasses) > 0 {
			cfg.AllowedSOPClasses = make(map[string]bool, len(raw.AllowedSOPClasses))
			for _, uid := range raw.AllowedSOPClasses {
				cfg.AllowedSOPClasses[uid] = true
			}
		}
		if len(raw.AllowedSources) > 0 {
			cfg.AllowedSources = make(map[aepolicy.SourceID]bool, len(raw.AllowedSources))
			for _, src := range raw.AllowedSources {
				cfg.AllowedSources[aepolicy.SourceID(src)] = true
			}
		}
		out[ae] = cfg
	}
	return out
}
