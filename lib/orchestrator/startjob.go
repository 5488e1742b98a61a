// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"git.hpcloud.dev/hpcloud.git/lib/registry"
	"git.hpcloud.dev/hpcloud.git/lib/sbatch"
	"git.hpcloud.dev/hpcloud.git/sdk/go/auth"
	"git.hpcloud.dev/hpcloud.git/sdk/go/hpc"
	"github.com/google/uuid"
)

// ValidationError is returned by StartJob for any request defect:
// unknown application, missing or mistyped parameter, missing input
// file. No job state is persisted when it is returned.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("job validation failed: %s: %v", e.Reason, e.Err)
	}
	return "job validation failed: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// StartJob validates the request, persists a new job in state
// VALIDATED, emits the Validated event, and returns the new system
// id. It never blocks on remote execution; everything after
// validation happens asynchronously through HandleAppEvent.
func (o *Orchestrator) StartJob(ctx context.Context, principal auth.Principal, req hpc.StartJobRequest) (string, error) {
	app, err := o.registry.FindApplication(req.Application)
	if err != nil {
		var notFound *registry.NotFoundError
		if errors.As(err, &notFound) {
			return "", &ValidationError{Reason: "unknown application", Err: err}
		}
		return "", err
	}
	tool, err := o.registry.FindTool(app.Tool)
	if err != nil {
		// The catalog names a tool it does not contain. This is
		// a configuration defect, not a bad request.
		return "", fmt.Errorf("catalog inconsistency: %w", err)
	}

	if req.Backend != "" && o.backends != nil {
		if _, err := o.backends.GetAndVerifyByName(req.Backend, nil); err != nil {
			return "", &ValidationError{Reason: "unknown backend", Err: err}
		}
	}

	// Type-check every declared parameter. Unknown supplied keys
	// are ignored.
	for _, decl := range app.Parameters {
		if _, err := decl.Bind(req.Parameters[decl.Name]); err != nil {
			var missing *hpc.ValueMissingError
			if errors.As(err, &missing) && decl.Optional {
				continue
			}
			return "", &ValidationError{Reason: "bad parameter " + decl.Name, Err: err}
		}
	}

	systemID := uuid.NewString()
	workDir := o.workingDirectory(systemID)

	files, err := o.validateInputFiles(ctx, principal, app, req.Parameters, workDir)
	if err != nil {
		return "", err
	}

	nodes := tool.DefaultNumberOfNodes
	if req.NumberOfNodes != nil {
		nodes = *req.NumberOfNodes
	}
	tasks := tool.DefaultTasksPerNode
	if req.TasksPerNode != nil {
		tasks = *req.TasksPerNode
	}
	maxTime := tool.DefaultMaxTime
	if req.MaxTime != nil {
		maxTime = *req.MaxTime
	}
	if nodes < 1 || tasks < 1 {
		return "", &ValidationError{Reason: "node and task counts must be positive"}
	}

	script, err := sbatch.Generate(sbatch.Job{
		Application:      app,
		Tool:             tool,
		Parameters:       req.Parameters,
		NumberOfNodes:    nodes,
		TasksPerNode:     tasks,
		MaxTime:          maxTime,
		WorkingDirectory: workDir,
	})
	if err != nil {
		return "", &ValidationError{Reason: "cannot generate batch script", Err: err}
	}

	now := time.Now()
	job := hpc.VerifiedJob{
		SystemID:      systemID,
		Owner:         principal.Subject,
		Application:   app.Info,
		Backend:       req.Backend,
		State:         hpc.JobStateValidated,
		NumberOfNodes: nodes,
		TasksPerNode:  tasks,
		MaxTime:       maxTime,
		AccessToken:   principal.Token,
		CreatedAt:     now,
		ModifiedAt:    now,
	}
	if err := o.store.Create(ctx, job); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}

	ev := hpc.AppEventValidated{
		EventBase: hpc.EventBase{SystemID: systemID, VerifiedJob: job},
		Files:     files,
		Script:    script,
	}
	if err := o.events.Emit(ctx, ev); err != nil {
		return "", fmt.Errorf("emit event: %w", err)
	}
	return systemID, nil
}

// validateInputFiles resolves every InputFile parameter to source
// metadata in user storage and a destination inside the working
// directory.
func (o *Orchestrator) validateInputFiles(ctx context.Context, principal auth.Principal, app hpc.Application, params map[string]interface{}, workDir string) ([]hpc.ValidatedFileForUpload, error) {
	var files []hpc.ValidatedFileForUpload
	for _, decl := range app.Parameters {
		if decl.Type != hpc.ParameterTypeInputFile {
			continue
		}
		raw, ok := params[decl.Name]
		if !ok {
			continue
		}
		transfer, err := decl.BindFile(raw)
		if err != nil {
			return nil, &ValidationError{Reason: "bad parameter " + decl.Name, Err: err}
		}

		dest := path.Clean(workDir + "/" + transfer.Destination)
		if !strings.HasPrefix(dest, workDir+"/") {
			return nil, &ValidationError{
				Reason: fmt.Sprintf("parameter %s: destination %q leaves the working directory", decl.Name, transfer.Destination),
			}
		}

		stat, err := o.storage.Stat(ctx, principal.Token, transfer.Source)
		if err != nil {
			return nil, &ValidationError{
				Reason: fmt.Sprintf("missing input file %q: are you sure it exists?", transfer.Source),
				Err:    err,
			}
		}

		files = append(files, hpc.ValidatedFileForUpload{
			Stat:                stat,
			DestinationFileName: path.Base(dest),
			DestinationPath:     dest,
			SourcePath:          transfer.Source,
		})
	}
	return files, nil
}
