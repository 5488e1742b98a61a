// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package registry holds the catalog of applications and tools,
// loaded from YAML at startup. Lookups are read-only after Load.
package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"git.hpcloud.dev/hpcloud.git/sdk/go/hpc"
	"github.com/ghodss/yaml"
)

// NotFoundError reports a lookup for an application or tool the
// catalog does not contain.
type NotFoundError struct {
	Kind string // "application" or "tool"
	Info hpc.NameAndVersion
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found in registry", e.Kind, e.Info)
}

type catalogFile struct {
	Applications []hpc.Application `json:"applications"`
	Tools        []hpc.Tool        `json:"tools"`
}

// Registry resolves applications and tools by name and version.
type Registry struct {
	apps  map[hpc.NameAndVersion]hpc.Application
	tools map[hpc.NameAndVersion]hpc.Tool
}

func New() *Registry {
	return &Registry{
		apps:  make(map[hpc.NameAndVersion]hpc.Application),
		tools: make(map[hpc.NameAndVersion]hpc.Tool),
	}
}

// Load reads every .yml/.yaml file in dir into the catalog. Each
// file may declare applications, tools, or both. Loading the same
// name and version twice is an error.
func Load(dir string) (*Registry, error) {
	reg := New()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yml" && ext != ".yaml") {
			continue
		}
		buf, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if err := reg.AddYAML(buf); err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
	}
	return reg, nil
}

// AddYAML parses one catalog document and adds its contents.
func (reg *Registry) AddYAML(buf []byte) error {
	var file catalogFile
	if err := yaml.Unmarshal(buf, &file); err != nil {
		return err
	}
	for _, app := range file.Applications {
		if _, ok := reg.apps[app.Info]; ok {
			return fmt.Errorf("duplicate application %s", app.Info)
		}
		reg.apps[app.Info] = app
	}
	for _, tool := range file.Tools {
		if _, ok := reg.tools[tool.Info]; ok {
			return fmt.Errorf("duplicate tool %s", tool.Info)
		}
		reg.tools[tool.Info] = tool
	}
	return nil
}

// FindApplication returns the named application version.
func (reg *Registry) FindApplication(info hpc.NameAndVersion) (hpc.Application, error) {
	app, ok := reg.apps[info]
	if !ok {
		return hpc.Application{}, &NotFoundError{Kind: "application", Info: info}
	}
	return app, nil
}

// FindTool returns the named tool version.
func (reg *Registry) FindTool(info hpc.NameAndVersion) (hpc.Tool, error) {
	tool, ok := reg.tools[info]
	if !ok {
		return hpc.Tool{}, &NotFoundError{Kind: "tool", Info: info}
	}
	return tool, nil
}
