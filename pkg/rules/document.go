// Package rules loads the shipped rule document and layers user overrides on top of it.
package rules

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/thistle/pkg/models"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// BaseDocument is the versioned default configuration.
type BaseDocument struct {
	Version        string                           `json:"version" yaml:"version"`
	Settings       models.Settings                  `json:"settings" yaml:"settings"`
	Duplicates     []models.DuplicateRule           `json:"duplicates" yaml:"duplicates"`
	Relationships  []models.RelationshipRule        `json:"relationships" yaml:"relationships"`
	RequiredFields []models.RequiredFieldRule       `json:"required_fields" yaml:"required_fields"`
	Attendance     []models.AttendanceThresholdRule `json:"attendance" yaml:"attendance"`
}

// Rules flattens the document, tagging every rule as a default.
func (d BaseDocument) Rules() []models.Rule {
	var out []models.Rule
	for _, r := range d.Duplicates {
		out = append(out, r.WithSource(models.RuleSourceDefault))
	}
	for _, r := range d.Relationships {
		out = append(out, r.WithSource(models.RuleSourceDefault))
	}
	for _, r := range d.RequiredFields {
		out = append(out, r.WithSource(models.RuleSourceDefault))
	}
	for _, r := range d.Attendance {
		out = append(out, r.WithSource(models.RuleSourceDefault))
	}
	return out
}

func ParseDocument(data []byte) (BaseDocument, error) {
	var doc BaseDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return BaseDocument{}, fmt.Errorf("parse rule document: %w", err)
	}
	if doc.Version == "" {
		return BaseDocument{}, fmt.Errorf("parse rule document: version is required")
	}
	return doc, nil
}

// DefaultDocument returns the embedded rule document.
func DefaultDocument() (BaseDocument, error) {
	return ParseDocument(defaultsYAML)
}

// LoadDocument reads the document at path, or the embedded one when path is empty.
func LoadDocument(path string) (BaseDocument, error) {
	if path == "" {
		return DefaultDocument()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return BaseDocument{}, fmt.Errorf("read rule document %s: %w", path, err)
	}
	return ParseDocument(data)
}
