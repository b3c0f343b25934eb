// Package brand provides centralized branding constants.
//
// The brand identity is loaded from brand.json at compile time via go:embed.
// This allows other tools (scripts, docs generators) to read the same file.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

// Brand holds all branding information
type Brand struct {
	Name              string `json:"name"`
	LowerName         string `json:"lowerName"`
	Vendor            string `json:"vendor"`
	Website           string `json:"website"`
	Repository        string `json:"repository"`
	Description       string `json:"description"`
	Tagline           string `json:"tagline"`
	ConfigEnvPrefix   string `json:"configEnvPrefix"`
	DefaultConfigDir  string `json:"defaultConfigDir"`
	DefaultStateDir   string `json:"defaultStateDir"`
	BinaryName        string `json:"binaryName"`
	ConfigFileName    string `json:"configFileName"`
	DocumentType      string `json:"documentType"`
	DefaultExcludeTag string `json:"defaultExcludeTag"`
	AuditFileName     string `json:"auditFileName"`
	MetricsJob        string `json:"metricsJob"`
	License           string `json:"license"`
}

var b Brand

func init() {
	if err := json.Unmarshal(brandJSON, &b); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}

	Name = b.Name
	LowerName = b.LowerName
	Vendor = b.Vendor
	Website = b.Website
	Repository = b.Repository
	Description = b.Description
	Tagline = b.Tagline
	ConfigEnvPrefix = b.ConfigEnvPrefix
	DefaultConfigDir = b.DefaultConfigDir
	DefaultStateDir = b.DefaultStateDir
	BinaryName = b.BinaryName
	ConfigFileName = b.ConfigFileName
	DocumentType = b.DocumentType
	DefaultExcludeTag = b.DefaultExcludeTag
	AuditFileName = b.AuditFileName
	MetricsJob = b.MetricsJob
	License = b.License
}

var (
	Name              string
	LowerName         string
	Vendor            string
	Website           string
	Repository        string
	Description       string
	Tagline           string
	ConfigEnvPrefix   string
	DefaultConfigDir  string
	DefaultStateDir   string
	BinaryName        string
	ConfigFileName    string
	DocumentType      string
	DefaultExcludeTag string
	AuditFileName     string
	MetricsJob        string
	License           string

	// Version is set at build time via -ldflags
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Get returns the full Brand struct
func Get() Brand {
	return b
}

// UserAgent returns a User-Agent string for HTTP requests
func UserAgent(version string) string {
	if version == "" {
		version = "dev"
	}
	return Name + "/" + version
}

// GetStateDir returns the state directory, checking env vars first.
// Priority: SGMANAGER_STATE_DIR > SGMANAGER_PREFIX/state > DefaultStateDir
func GetStateDir() string {
	if dir := os.Getenv(ConfigEnvPrefix + "_STATE_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "state")
	}
	return DefaultStateDir
}

// GetConfigDir returns the config directory, checking env vars first.
// Priority: SGMANAGER_CONFIG_DIR > SGMANAGER_PREFIX/config > DefaultConfigDir
func GetConfigDir() string {
	if dir := os.Getenv(ConfigEnvPrefix + "_CONFIG_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "config")
	}
	return DefaultConfigDir
}

// GetAuditPath returns the default location of the audit database.
func GetAuditPath() string {
	return filepath.Join(GetStateDir(), AuditFileName)
}

// Env returns the value of the branded environment variable
// <PREFIX>_<name>, or def when it is unset.
func Env(name, def string) string {
	if v := os.Getenv(ConfigEnvPrefix + "_" + name); v != "" {
		return v
	}
	return def
}
