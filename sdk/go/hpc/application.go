// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package hpc

import (
	"fmt"
	"strconv"
)

// NameAndVersion identifies an application or tool in the registry.
type NameAndVersion struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// String implements fmt.Stringer.
func (nv NameAndVersion) String() string {
	return nv.Name + "@" + nv.Version
}

// ToolBackend selects the container runtime a tool executes under.
type ToolBackend string

const (
	ToolBackendUDocker     = ToolBackend("udocker")
	ToolBackendSingularity = ToolBackend("singularity")
)

// Binary returns the executable invoked by the generated srun line.
func (b ToolBackend) Binary() (string, error) {
	switch b {
	case ToolBackendUDocker:
		return "udocker", nil
	case ToolBackendSingularity:
		return "singularity", nil
	default:
		return "", fmt.Errorf("unsupported tool backend %q", string(b))
	}
}

// Tool is a containerized runtime environment with default resource
// requests. Read-only to the orchestrator core.
type Tool struct {
	Info                 NameAndVersion `json:"info"`
	Container            string         `json:"container"`
	Backend              ToolBackend    `json:"backend"`
	DefaultNumberOfNodes int            `json:"default_number_of_nodes"`
	DefaultTasksPerNode  int            `json:"default_tasks_per_node"`
	DefaultMaxTime       Duration       `json:"default_max_time"`
	RequiredModules      []string       `json:"required_modules"`
}

// ParameterType distinguishes the value domains of application
// parameters.
type ParameterType string

const (
	ParameterTypeText          = ParameterType("text")
	ParameterTypeInteger       = ParameterType("integer")
	ParameterTypeFloatingPoint = ParameterType("floating_point")
	ParameterTypeBool          = ParameterType("boolean")
	ParameterTypeInputFile     = ParameterType("input_file")
)

// ApplicationParameter declares one named, typed parameter of an
// application's invocation.
type ApplicationParameter struct {
	Name         string        `json:"name"`
	Type         ParameterType `json:"type"`
	Optional     bool          `json:"optional"`
	DefaultValue interface{}   `json:"default_value,omitempty"`

	// Literals substituted for boolean parameters, e.g. "yes"/"no".
	// Only meaningful when Type is ParameterTypeBool.
	TrueValue  string `json:"true_value,omitempty"`
	FalseValue string `json:"false_value,omitempty"`
}

// FileTransfer names a file to move between user storage and the
// remote working directory.
type FileTransfer struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// InvocationFragment is one element of an application's invocation
// template: either a literal word, or a variable fragment expanding
// one or more named parameters with an optional prefix.
type InvocationFragment struct {
	Word      string   `json:"word,omitempty"`
	Variables []string `json:"variables,omitempty"`
	Prefix    string   `json:"prefix,omitempty"`
}

// IsWord reports whether the fragment is a literal word rather than a
// variable expansion.
func (f InvocationFragment) IsWord() bool {
	return len(f.Variables) == 0
}

// Application is a named, versioned, parameterized invocation template
// bound to a Tool. Read-only to the orchestrator core.
type Application struct {
	Info            NameAndVersion         `json:"info"`
	Tool            NameAndVersion         `json:"tool"`
	Invocation      []InvocationFragment   `json:"invocation"`
	Parameters      []ApplicationParameter `json:"parameters"`
	OutputFileGlobs []string               `json:"output_file_globs"`
}

// Parameter returns the declaration for the named parameter, or false
// if the application declares no such parameter.
func (app *Application) Parameter(name string) (ApplicationParameter, bool) {
	for _, p := range app.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ApplicationParameter{}, false
}

// Bind coerces a raw user-supplied value to the parameter's declared
// type and returns the string that represents it in the generated
// invocation. For InputFile parameters the returned string is the
// *destination* path, relative to the working directory. A nil raw
// value binds the parameter's default; with no default, Bind returns
// a ValueMissingError.
func (p ApplicationParameter) Bind(raw interface{}) (string, error) {
	if raw == nil {
		raw = p.DefaultValue
	}
	if raw == nil {
		return "", &ValueMissingError{Parameter: p.Name}
	}
	switch p.Type {
	case ParameterTypeText:
		return fmt.Sprintf("%v", raw), nil
	case ParameterTypeInteger:
		switch v := raw.(type) {
		case int:
			return strconv.Itoa(v), nil
		case int64:
			return strconv.FormatInt(v, 10), nil
		case float64:
			if v != float64(int64(v)) {
				return "", &ValueTypeError{Parameter: p.Name, Expected: "integer"}
			}
			return strconv.FormatInt(int64(v), 10), nil
		case string:
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				return "", &ValueTypeError{Parameter: p.Name, Expected: "integer"}
			}
			return v, nil
		default:
			return "", &ValueTypeError{Parameter: p.Name, Expected: "integer"}
		}
	case ParameterTypeFloatingPoint:
		switch v := raw.(type) {
		case float64:
			return strconv.FormatFloat(v, 'g', -1, 64), nil
		case int:
			return strconv.Itoa(v), nil
		case string:
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				return "", &ValueTypeError{Parameter: p.Name, Expected: "floating point"}
			}
			return v, nil
		default:
			return "", &ValueTypeError{Parameter: p.Name, Expected: "floating point"}
		}
	case ParameterTypeBool:
		b, ok := raw.(bool)
		if !ok {
			switch fmt.Sprintf("%v", raw) {
			case "true":
				b, ok = true, true
			case "false":
				b, ok = false, true
			}
		}
		if !ok {
			return "", &ValueTypeError{Parameter: p.Name, Expected: "boolean"}
		}
		if b {
			return p.TrueValue, nil
		}
		return p.FalseValue, nil
	case ParameterTypeInputFile:
		transfer, err := p.BindFile(raw)
		if err != nil {
			return "", err
		}
		return transfer.Destination, nil
	default:
		return "", fmt.Errorf("parameter %q has unknown type %q", p.Name, p.Type)
	}
}

// BindFile interprets a raw value as a FileTransfer. Accepts either a
// FileTransfer or the map form produced by JSON decoding of a start
// request.
func (p ApplicationParameter) BindFile(raw interface{}) (FileTransfer, error) {
	switch v := raw.(type) {
	case FileTransfer:
		return v, nil
	case *FileTransfer:
		return *v, nil
	case map[string]interface{}:
		src, _ := v["source"].(string)
		dst, _ := v["destination"].(string)
		if src == "" {
			return FileTransfer{}, &ValueTypeError{Parameter: p.Name, Expected: "file transfer with source"}
		}
		if dst == "" {
			return FileTransfer{}, &ValueTypeError{Parameter: p.Name, Expected: "file transfer with destination"}
		}
		return FileTransfer{Source: src, Destination: dst}, nil
	default:
		return FileTransfer{}, &ValueTypeError{Parameter: p.Name, Expected: "file transfer"}
	}
}

// ValueMissingError indicates a parameter had neither a supplied value
// nor a default.
type ValueMissingError struct {
	Parameter string
}

func (e *ValueMissingError) Error() string {
	return fmt.Sprintf("missing value for parameter %q", e.Parameter)
}

// ValueTypeError indicates a supplied value could not be coerced to
// the parameter's declared type.
type ValueTypeError struct {
	Parameter string
	Expected  string
}

func (e *ValueTypeError) Error() string {
	return fmt.Sprintf("parameter %q: expected %s value", e.Parameter, e.Expected)
}
