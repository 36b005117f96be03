// Package config loads pipeline configuration files.
//
// A pipeline file is JSON or YAML (chosen by extension). Every string that
// reaches a backend (DSNs, URIs, paths) is expanded with os.ExpandEnv, so
// secrets can stay in the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"ahnung/internal/probe"
)

// Pipeline is the top-level configuration of one schema + cleanup run.
type Pipeline struct {
	Job        string           `json:"job" yaml:"job"`
	Estimators []Estimator      `json:"estimators" yaml:"estimators"`
	Schema     probe.Thresholds `json:"schema" yaml:"schema"`
	Source     Source           `json:"source" yaml:"source"`
	Storage    Storage          `json:"storage" yaml:"storage"`
	Cleanup    Cleanup          `json:"cleanup" yaml:"cleanup"`
	Runtime    Runtime          `json:"runtime" yaml:"runtime"`
}

// Estimator is one learning task: a corpus and the attribute to predict.
type Estimator struct {
	Name             string `json:"name" yaml:"name"`
	Target           string `json:"target" yaml:"target"`
	IsRegression     bool   `json:"is_regression" yaml:"is_regression"`
	IsClassification bool   `json:"is_classification" yaml:"is_classification"`

	// Collection overrides the mongo collection; it defaults to Name.
	Collection string `json:"collection,omitempty" yaml:"collection,omitempty"`
	// Path overrides source.file.path for this estimator.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Source selects where corpus documents come from.
type Source struct {
	// Kind is "file" or "mongo".
	Kind  string       `json:"kind" yaml:"kind"`
	File  *FileSource  `json:"file,omitempty" yaml:"file,omitempty"`
	Mongo *MongoSource `json:"mongo,omitempty" yaml:"mongo,omitempty"`
}

// FileSource reads documents from Path; globs are allowed.
type FileSource struct {
	Path string `json:"path" yaml:"path"`
	// Format is "json" (default) or "csv".
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
	// Comma is the CSV delimiter, "," when empty.
	Comma string `json:"comma,omitempty" yaml:"comma,omitempty"`
}

// IsCSV reports whether f holds CSV dumps.
func (f *FileSource) IsCSV() bool {
	return f != nil && strings.EqualFold(f.Format, "csv")
}

// Delimiter is the CSV field delimiter.
func (f *FileSource) Delimiter() rune {
	if f == nil || f.Comma == "" {
		return ','
	}
	r, _ := utf8.DecodeRuneInString(f.Comma)
	return r
}

// MongoSource reads one collection per estimator.
type MongoSource struct {
	URI      string `json:"uri" yaml:"uri"`
	Database string `json:"database" yaml:"database"`
}

// Storage selects the snapshot and dataset backend.
type Storage struct {
	// Kind: "sqlite" | "postgres" | "mssql" | "mongo"
	Kind     string `json:"kind" yaml:"kind"`
	DSN      string `json:"dsn" yaml:"dsn"`
	Database string `json:"database,omitempty" yaml:"database,omitempty"`
}

// Cleanup selects where normalized records are written.
type Cleanup struct {
	// Kind is "sql" (dataset table in the storage backend) or "csv".
	Kind        string `json:"kind" yaml:"kind"`
	TablePrefix string `json:"table_prefix" yaml:"table_prefix"`
	// Dir receives <table>.csv files when Kind is "csv".
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// Runtime controls execution behavior.
type Runtime struct {
	// Partitions > 1 scans in-memory corpora concurrently.
	Partitions int `json:"partitions" yaml:"partitions"`
	// BatchSize bounds dataset inserts and mongo cursor batches.
	BatchSize int `json:"batch_size" yaml:"batch_size"`
	// Parallel caps how many estimators run at once. 0 means all.
	Parallel int `json:"parallel" yaml:"parallel"`
}

// Load reads path, decodes it by extension (.yaml/.yml as YAML, anything
// else as JSON), applies defaults and expands environment references.
func Load(path string) (Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	return Parse(data, ext == ".yaml" || ext == ".yml")
}

// Parse decodes data as YAML or JSON.
func Parse(data []byte, isYAML bool) (Pipeline, error) {
	var p Pipeline
	if isYAML {
		if err := yaml.Unmarshal(data, &p); err != nil {
			return Pipeline{}, fmt.Errorf("config: decode yaml: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &p); err != nil {
			return Pipeline{}, fmt.Errorf("config: decode json: %w", err)
		}
	}
	ApplyDefaults(&p)
	expandEnv(&p)
	return p, nil
}

// ApplyDefaults fills zero values: thresholds 0.8 / 0.8 / 10, cleanup kind
// "sql" with prefix "ds_", batch size 1024 and one partition.
func ApplyDefaults(p *Pipeline) {
	def := probe.DefaultThresholds()
	if p.Schema.MinPresent == 0 {
		p.Schema.MinPresent = def.MinPresent
	}
	if p.Schema.MinTypeAlignment == 0 {
		p.Schema.MinTypeAlignment = def.MinTypeAlignment
	}
	if p.Schema.MaxCategorical == 0 {
		p.Schema.MaxCategorical = def.MaxCategorical
	}
	if p.Job == "" {
		p.Job = "ahnung"
	}
	if p.Cleanup.Kind == "" {
		p.Cleanup.Kind = "sql"
	}
	if p.Cleanup.TablePrefix == "" {
		p.Cleanup.TablePrefix = "ds_"
	}
	if p.Runtime.BatchSize <= 0 {
		p.Runtime.BatchSize = 1024
	}
	if p.Runtime.Partitions <= 0 {
		p.Runtime.Partitions = 1
	}
}

func expandEnv(p *Pipeline) {
	p.Storage.DSN = os.ExpandEnv(p.Storage.DSN)
	p.Cleanup.Dir = os.ExpandEnv(p.Cleanup.Dir)
	if p.Source.File != nil {
		p.Source.File.Path = os.ExpandEnv(p.Source.File.Path)
	}
	if p.Source.Mongo != nil {
		p.Source.Mongo.URI = os.ExpandEnv(p.Source.Mongo.URI)
	}
	for i := range p.Estimators {
		p.Estimators[i].Path = os.ExpandEnv(p.Estimators[i].Path)
	}
}

// Estimator returns the estimator named name.
func (p Pipeline) Estimator(name string) (Estimator, bool) {
	for _, e := range p.Estimators {
		if e.Name == name {
			return e, true
		}
	}
	return Estimator{}, false
}

// FilePath is the corpus path of e under a file source.
func (p Pipeline) FilePath(e Estimator) string {
	if e.Path != "" {
		return e.Path
	}
	if p.Source.File != nil {
		return p.Source.File.Path
	}
	return ""
}

// CollectionName is the mongo collection of e.
func (e Estimator) CollectionName() string {
	if e.Collection != "" {
		return e.Collection
	}
	return e.Name
}

// ValidateOptions maps e onto the validator's options.
func (p Pipeline) ValidateOptions(e Estimator) probe.ValidateOptions {
	return probe.ValidateOptions{
		Target:           e.Target,
		IsRegression:     e.IsRegression,
		IsClassification: e.IsClassification,
		Thresholds:       p.Schema,
	}
}
