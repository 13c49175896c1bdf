// Package config resolves the job configuration from defaults, an optional
// HCL file, and the command line.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/swot-confluence/init-workflow/pkg/dataset"
	"github.com/swot-confluence/init-workflow/pkg/efs"
)

const (
	// DefaultRegion is the region the deployed pipeline runs in.
	DefaultRegion = "us-west-2"

	// DefaultPublishKey is the object key downstream stages read the
	// continent-setfinder artifact from.
	DefaultPublishKey = "continent-setfinder.json"

	// SwordPatchesKey is the patch file shipped alongside the SWORD database.
	SwordPatchesKey = "sword_patches_v216.json"

	DefaultFetchTimeout  = 5 * time.Minute
	DefaultMaxAttempts   = 3
	DefaultRetryInterval = 500 * time.Millisecond
)

// Dataset logical names.
const (
	DatasetGauge   = "gauge"
	DatasetSword   = "sword"
	DatasetReaches = "reaches"
)

// Config is the fully resolved job configuration.
type Config struct {
	// Prefix names the AWS environment; buckets derive from it.
	Prefix string
	// ReachSubsetKey is the reaches-of-interest object key in the config
	// bucket. Empty means reuse a previously fetched subset file.
	ReachSubsetKey string
	Region         string
	FetchTimeout   time.Duration
	MaxAttempts    uint64
	RetryInterval  time.Duration

	Mounts   map[string]string
	Datasets []dataset.Descriptor

	PublishBucket string
	PublishKey    string
}

// ConfigBucket returns the bucket reference datasets are fetched from.
func (c Config) ConfigBucket() string {
	return c.Prefix + "-config"
}

// ReachesDir returns the local directory the reaches-of-interest dataset is
// committed to.
func (c Config) ReachesDir() string {
	return filepath.Join(c.Mounts[efs.MountInput], DatasetReaches)
}

// fileSchema mirrors the optional HCL configuration file.
type fileSchema struct {
	Mounts   *mountsBlock   `hcl:"mounts,block"`
	Datasets []datasetBlock `hcl:"dataset,block"`
	Publish  *publishBlock  `hcl:"publish,block"`
}

type mountsBlock struct {
	Input       *string `hcl:"input,optional"`
	Flpe        *string `hcl:"flpe,optional"`
	Moi         *string `hcl:"moi,optional"`
	Diagnostics *string `hcl:"diagnostics,optional"`
	Offline     *string `hcl:"offline,optional"`
	Validation  *string `hcl:"validation,optional"`
	Output      *string `hcl:"output,optional"`
	Logs        *string `hcl:"logs,optional"`
}

type datasetBlock struct {
	Name       string   `hcl:"name,label"`
	Bucket     *string  `hcl:"bucket,optional"`
	Prefix     *string  `hcl:"prefix,optional"`
	ExtraKeys  []string `hcl:"extra_keys,optional"`
	Dest       *string  `hcl:"dest,optional"`
	MinObjects *int     `hcl:"min_objects,optional"`
}

type publishBlock struct {
	Bucket *string `hcl:"bucket,optional"`
	Key    *string `hcl:"key,optional"`
}

// Resolve builds the job configuration: defaults first, then the HCL file at
// path when given. Dataset destinations from the file are taken relative to
// the input mount unless absolute.
func Resolve(prefix, reachSubsetKey, path string) (Config, error) {
	cfg := Config{
		Prefix:         prefix,
		ReachSubsetKey: reachSubsetKey,
		Region:         DefaultRegion,
		FetchTimeout:   DefaultFetchTimeout,
		MaxAttempts:    DefaultMaxAttempts,
		RetryInterval:  DefaultRetryInterval,
		Mounts:         efs.DefaultMounts(),
		PublishBucket:  prefix + "-json",
		PublishKey:     DefaultPublishKey,
	}

	var file fileSchema
	if path != "" {
		if err := hclsimple.DecodeFile(path, nil, &file); err != nil {
			return Config{}, fmt.Errorf("could not load config file '%s': %v", path, err)
		}
		applyMounts(&cfg, file.Mounts)
		if file.Publish != nil {
			setString(&cfg.PublishBucket, file.Publish.Bucket)
			setString(&cfg.PublishKey, file.Publish.Key)
		}
	}

	cfg.Datasets = defaultDatasets(cfg)
	for _, block := range file.Datasets {
		applyDataset(&cfg, block)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultDatasets(cfg Config) []dataset.Descriptor {
	input := cfg.Mounts[efs.MountInput]
	datasets := []dataset.Descriptor{
		{
			Name:   DatasetGauge,
			Bucket: cfg.ConfigBucket(),
			Prefix: "gage/",
			Dest:   filepath.Join(input, "gage"),
		},
		{
			Name:      DatasetSword,
			Bucket:    cfg.ConfigBucket(),
			Prefix:    "sword/",
			ExtraKeys: []string{SwordPatchesKey},
			Dest:      filepath.Join(input, "sword"),
		},
	}
	if cfg.ReachSubsetKey != "" {
		datasets = append(datasets, dataset.Descriptor{
			Name:      DatasetReaches,
			Bucket:    cfg.ConfigBucket(),
			ExtraKeys: []string{cfg.ReachSubsetKey},
			Dest:      cfg.ReachesDir(),
		})
	}
	return datasets
}

func applyMounts(cfg *Config, block *mountsBlock) {
	if block == nil {
		return
	}
	overrides := map[string]*string{
		efs.MountInput:       block.Input,
		efs.MountFlpe:        block.Flpe,
		efs.MountMoi:         block.Moi,
		efs.MountDiagnostics: block.Diagnostics,
		efs.MountOffline:     block.Offline,
		efs.MountValidation:  block.Validation,
		efs.MountOutput:      block.Output,
		efs.MountLogs:        block.Logs,
	}
	for name, value := range overrides {
		if value != nil {
			cfg.Mounts[name] = *value
		}
	}
}

func applyDataset(cfg *Config, block datasetBlock) {
	dest := ""
	if block.Dest != nil {
		dest = *block.Dest
		if !filepath.IsAbs(dest) {
			dest = filepath.Join(cfg.Mounts[efs.MountInput], dest)
		}
	}

	for i := range cfg.Datasets {
		if cfg.Datasets[i].Name != block.Name {
			continue
		}
		setString(&cfg.Datasets[i].Bucket, block.Bucket)
		setString(&cfg.Datasets[i].Prefix, block.Prefix)
		if block.ExtraKeys != nil {
			cfg.Datasets[i].ExtraKeys = block.ExtraKeys
		}
		if dest != "" {
			cfg.Datasets[i].Dest = dest
		}
		if block.MinObjects != nil {
			cfg.Datasets[i].MinObjects = *block.MinObjects
		}
		return
	}

	if dest == "" {
		dest = filepath.Join(cfg.Mounts[efs.MountInput], block.Name)
	}
	desc := dataset.Descriptor{
		Name:      block.Name,
		Bucket:    cfg.ConfigBucket(),
		ExtraKeys: block.ExtraKeys,
		Dest:      dest,
	}
	setString(&desc.Bucket, block.Bucket)
	setString(&desc.Prefix, block.Prefix)
	if block.MinObjects != nil {
		desc.MinObjects = *block.MinObjects
	}
	cfg.Datasets = append(cfg.Datasets, desc)
}

func (c Config) validate() error {
	if c.Prefix == "" {
		return fmt.Errorf("an AWS environment prefix is required")
	}
	for _, d := range c.Datasets {
		if d.Bucket == "" || d.Dest == "" {
			return fmt.Errorf("dataset '%s' is missing a bucket or destination", d.Name)
		}
		if d.Prefix == "" && len(d.ExtraKeys) == 0 {
			return fmt.Errorf("dataset '%s' selects no remote objects", d.Name)
		}
	}
	if c.PublishBucket == "" || c.PublishKey == "" {
		return fmt.Errorf("a publish bucket and key are required")
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}
