// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package planconfig loads the federation plan file: the external,
// init-time configuration enumerated in spec §6 (authorized_cols,
// admins_endpoints_mapping, state paths, assigner/straggler variant
// selection, dynamic task arguments). Grounded on internal/config/config.go's
// struct-of-structs-plus-yaml-tags shape.
package planconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"fedcoord/pkg/federation"
)

// Plan is the complete federation plan file.
type Plan struct {
	FederationUUID         string              `yaml:"federation_uuid"`
	AggregatorUUID         string              `yaml:"aggregator_uuid"`
	AuthorizedCols         []string            `yaml:"authorized_cols"`
	AdminsEndpointsMapping map[string][]string `yaml:"admins_endpoints_mapping"`

	InitStatePath string `yaml:"init_state_path"`
	BestStatePath string `yaml:"best_state_path"`
	LastStatePath string `yaml:"last_state_path"`

	RoundsToTrain int `yaml:"rounds_to_train"`
	DBStoreRounds int `yaml:"db_store_rounds"`

	SingleCollaboratorCertCommonName string `yaml:"single_collaborator_cert_common_name"`

	Assigner                AssignerSection  `yaml:"assigner"`
	StragglerHandlingPolicy StragglerSection `yaml:"straggler_handling_policy"`

	DynamicTaskArgs map[string]map[string]DynamicArgSpec `yaml:"dynamictaskargs"`
}

// AssignerSection selects and configures an assigner variant. "template"
// names the variant; only "dynamic_random_grouped" is implemented
// (spec §4.4 calls it "the only one the coordinator actually exercises").
type AssignerSection struct {
	Template string                 `yaml:"template"`
	Settings AssignerSectionSetting `yaml:"settings"`
}

// AssignerSectionSetting holds the settings for the dynamic_random_grouped
// assigner template.
type AssignerSectionSetting struct {
	TaskGroups []federation.TaskGroup `yaml:"task_groups"`
}

// StragglerSection selects and configures a straggler policy variant.
// "cutoff_time_based" and "percentage_based" are implemented.
type StragglerSection struct {
	Template string                  `yaml:"template"`
	Settings StragglerSectionSetting `yaml:"settings"`
}

// StragglerSectionSetting holds the union of both straggler templates'
// settings; only the fields relevant to Template are read.
type StragglerSectionSetting struct {
	StragglerCutoffTimeSeconds float64 `yaml:"straggler_cutoff_time"`
	MinimumReporting           int     `yaml:"minimum_reporting"`
	PercentageThreshold        float64 `yaml:"percentage"`
}

// DynamicArgSpec is one entry of a plan's dynamictaskargs table.
type DynamicArgSpec struct {
	Min   float64 `yaml:"min"`
	Max   float64 `yaml:"max"`
	Value float64 `yaml:"value"`
}

// Load reads and parses the plan file at path.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("planconfig: read %s: %w", path, err)
	}

	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("planconfig: parse %s: %w", path, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Validate checks the handful of fields the coordinator cannot run
// without.
func (p *Plan) Validate() error {
	if p.AggregatorUUID == "" {
		return fmt.Errorf("planconfig: aggregator_uuid is required")
	}
	if len(p.AuthorizedCols) == 0 {
		return fmt.Errorf("planconfig: authorized_cols must not be empty")
	}
	if p.RoundsToTrain <= 0 {
		return fmt.Errorf("planconfig: rounds_to_train must be positive")
	}
	if len(p.Assigner.Settings.TaskGroups) == 0 {
		return fmt.Errorf("planconfig: assigner.settings.task_groups must not be empty")
	}
	switch p.StragglerHandlingPolicy.Template {
	case "", "cutoff_time_based", "percentage_based":
	default:
		return fmt.Errorf("planconfig: unrecognized straggler_handling_policy template %q", p.StragglerHandlingPolicy.Template)
	}
	return nil
}
