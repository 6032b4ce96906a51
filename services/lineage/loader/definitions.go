// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package loader reads lineage definitions from YAML files and applies them
// to a graph.
//
// A definition file looks like:
//
//	nodes:
//	  - id: meter_readings
//	    kind: source
//	    owner: ops
//	    tags: [energy, raw]
//	    schema:
//	      kind: table
//	      version: 2
//	      data: {columns: [meter_id, kwh, ts]}
//	relationships:
//	  - id: meter_to_agg
//	    source: meter_readings
//	    target: daily_agg
//	    kind: data_flow
//	    criticality: critical
//	    data_quality_impact: high
package loader

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
)

// MaxFileBytes bounds the size of a definition file.
const MaxFileBytes = 16 << 20

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Report YAML field names in validation errors.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// File is the parsed content of a definition file.
type File struct {
	Nodes         []NodeDefinition         `yaml:"nodes" validate:"dive"`
	Relationships []RelationshipDefinition `yaml:"relationships" validate:"dive"`
}

// NodeDefinition declares one data node.
type NodeDefinition struct {
	ID       string             `yaml:"id" validate:"required,max=256"`
	Name     string             `yaml:"name,omitempty" validate:"max=512"`
	Kind     string             `yaml:"kind" validate:"required,oneof=source process storage output reference"`
	Category string             `yaml:"category,omitempty"`
	Owner    string             `yaml:"owner,omitempty"`
	Tags     []string           `yaml:"tags,omitempty" validate:"dive,required"`
	Status   string             `yaml:"status,omitempty" validate:"omitempty,oneof=active inactive error"`
	Schema   *PayloadDefinition `yaml:"schema,omitempty"`
}

// RelationshipDefinition declares one relationship.
type RelationshipDefinition struct {
	ID             string             `yaml:"id" validate:"required,max=256"`
	Source         string             `yaml:"source" validate:"required"`
	Target         string             `yaml:"target" validate:"required"`
	Kind           string             `yaml:"kind" validate:"required,oneof=data_flow reference data_consumption"`
	Criticality    string             `yaml:"criticality,omitempty" validate:"omitempty,oneof=low medium high critical"`
	QualityImpact  string             `yaml:"data_quality_impact,omitempty" validate:"omitempty,oneof=low medium high"`
	Status         string             `yaml:"status,omitempty" validate:"omitempty,oneof=active inactive error"`
	Transformation *PayloadDefinition `yaml:"transformation,omitempty"`
}

// PayloadDefinition is the YAML form of graph.Payload. Data may be any
// YAML value and is stored as JSON.
type PayloadDefinition struct {
	Kind    string `yaml:"kind,omitempty"`
	Version int    `yaml:"version,omitempty" validate:"gte=0"`
	Data    any    `yaml:"data,omitempty"`
}

// Parse decodes and validates a definition document.
//
// # Errors
//
//   - graph.ErrInvalidArgument: a field failed validation or an id is
//     declared twice. Every failing field is reported.
//   - A YAML syntax error otherwise.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse definitions: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadFile reads and parses the definition file at path.
func LoadFile(path string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > MaxFileBytes {
		return nil, graph.NewInvalidArgument("file", path, fmt.Sprintf("larger than %d bytes", MaxFileBytes))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Validate checks field constraints and id uniqueness.
func (f *File) Validate() error {
	if err := validate.Struct(f); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		errs := make([]error, 0, len(verrs))
		for _, fe := range verrs {
			errs = append(errs, graph.NewInvalidArgument(fe.Namespace(), fmt.Sprint(fe.Value()), describe(fe)))
		}
		return errors.Join(errs...)
	}

	var errs []error
	seen := make(map[string]bool, len(f.Nodes))
	for _, n := range f.Nodes {
		if seen[n.ID] {
			errs = append(errs, graph.NewInvalidArgument("nodes.id", n.ID, "declared more than once"))
		}
		seen[n.ID] = true
	}
	clear(seen)
	for _, r := range f.Relationships {
		if seen[r.ID] {
			errs = append(errs, graph.NewInvalidArgument("relationships.id", r.ID, "declared more than once"))
		}
		seen[r.ID] = true
	}
	return errors.Join(errs...)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return fmt.Sprintf("failed %q", fe.Tag())
	}
}

// GraphNodes converts the node definitions to graph nodes, in file order.
func (f *File) GraphNodes() ([]graph.DataNode, error) {
	out := make([]graph.DataNode, 0, len(f.Nodes))
	for _, d := range f.Nodes {
		schema, err := d.Schema.payload()
		if err != nil {
			return nil, fmt.Errorf("node %s schema: %w", d.ID, err)
		}
		out = append(out, graph.DataNode{
			ID:       d.ID,
			Name:     d.Name,
			Kind:     graph.NodeKind(d.Kind),
			Category: d.Category,
			Owner:    d.Owner,
			Tags:     d.Tags,
			Status:   graph.Status(d.Status),
			Schema:   schema,
		})
	}
	return out, nil
}

// GraphRelationships converts the relationship definitions, in file order.
func (f *File) GraphRelationships() ([]graph.Relationship, error) {
	out := make([]graph.Relationship, 0, len(f.Relationships))
	for _, d := range f.Relationships {
		tr, err := d.Transformation.payload()
		if err != nil {
			return nil, fmt.Errorf("relationship %s transformation: %w", d.ID, err)
		}
		out = append(out, graph.Relationship{
			ID:             d.ID,
			SourceID:       d.Source,
			TargetID:       d.Target,
			Kind:           graph.RelationshipKind(d.Kind),
			Transformation: tr,
			QualityImpact:  graph.QualityImpact(d.QualityImpact),
			Criticality:    graph.Criticality(d.Criticality),
			Status:         graph.Status(d.Status),
		})
	}
	return out, nil
}

func (p *PayloadDefinition) payload() (graph.Payload, error) {
	if p == nil {
		return graph.Payload{}, nil
	}
	out := graph.Payload{Kind: p.Kind, Version: p.Version}
	if p.Data != nil {
		data, err := json.Marshal(p.Data)
		if err != nil {
			return graph.Payload{}, err
		}
		out.Data = data
	}
	return out, nil
}
