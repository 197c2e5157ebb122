package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Bootstrap is the small YAML file the cmd/ binaries read at startup to
// learn which directive file, TLS material, and log settings to use —
// the one config surface that is naturally structured data rather than
// line-directives (SPEC_FULL.md §2), mirroring the teacher's
// AgentConfig/ServerConfig split between YAML-plus-defaulting bootstrap
// and a domain-specific body.
type Bootstrap struct {
	DirectiveFile string     `yaml:"directive_file"`
	Logging       Logging    `yaml:"logging"`
	TLS           TLS        `yaml:"tls"`
	Cache         CacheRoots `yaml:"cache"`
}

// Logging mirrors the teacher's LoggingInfo. SessionLogDir, if set, makes
// the PostMaster give every Channel its own per-endpoint log file under
// this directory (internal/logging.NewSessionLogger), on top of whatever
// File/Format already sends to the process-wide logger.
type Logging struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	File          string `yaml:"file"`
	SessionLogDir string `yaml:"session_log_dir"`
}

// TLS holds the `http.*` TLS/auth directives from spec.md §6's config
// surface table. Cert/Key/CAFile build the mTLS client config this core
// installs on the PostMaster for roots:// endpoints (internal/pki); the
// remaining fields (CADir, CipherFilter, SSLVerifyDepth, SecretKey,
// GridMap) describe the optional HTTP gateway this core does not
// implement, and are only located here for handing to that external
// collaborator.
type TLS struct {
	Cert           string `yaml:"cert"`
	Key            string `yaml:"key"`
	CADir          string `yaml:"cadir"`
	CAFile         string `yaml:"cafile"`
	CipherFilter   string `yaml:"cipherfilter"`
	SSLVerifyDepth int    `yaml:"sslverifydepth"`
	SecretKey      string `yaml:"secretkey"`
	GridMap        string `yaml:"gridmap"`
}

// CacheRoots selects the OSS backends behind the two `pfc.spaces` names.
// The meta space (cinfo sidecars, dirstate snapshots) is always local
// disk under MetaRoot. The data space defaults to local disk under
// DataRoot, but naming an S3 bucket switches it to object storage;
// S3Endpoint points the client at an S3-compatible store instead of AWS
// proper, and S3Prefix namespaces this cache's objects within the bucket.
type CacheRoots struct {
	DataRoot   string `yaml:"data_root"`
	MetaRoot   string `yaml:"meta_root"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Prefix   string `yaml:"s3_prefix"`
	S3Endpoint string `yaml:"s3_endpoint"`
}

// LoadBootstrap reads and validates path.
func LoadBootstrap(path string) (*Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading bootstrap file: %w", err)
	}
	var b Bootstrap
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("config: parsing bootstrap file: %w", err)
	}
	b.applyDefaults()
	if err := b.validate(); err != nil {
		return nil, fmt.Errorf("config: validating bootstrap file: %w", err)
	}
	return &b, nil
}

func (b *Bootstrap) applyDefaults() {
	if b.Logging.Level == "" {
		b.Logging.Level = "info"
	}
	if b.Logging.Format == "" {
		b.Logging.Format = "json"
	}
}

func (b *Bootstrap) validate() error {
	if b.DirectiveFile == "" {
		return fmt.Errorf("directive_file is required")
	}
	if b.Cache.DataRoot == "" {
		b.Cache.DataRoot = "/var/cache/xrdcl/data"
	}
	if b.Cache.MetaRoot == "" {
		b.Cache.MetaRoot = "/var/cache/xrdcl/meta"
	}
	return nil
}
