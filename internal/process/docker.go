// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"context"
	"fmt"
)

const containerWorkdir = "/mk-sandbox"

// DockerExecutor runs a Process inside a container with the local
// sandbox bind-mounted in (§4.4: "Docker execution is local with the
// sandbox bind-mounted into a container"). It reuses LocalExecutor for
// sandbox preparation and output capture, replacing argv with a `docker
// run` invocation once the sandbox's host path is known.
type DockerExecutor struct {
	local *LocalExecutor
}

func NewDockerExecutor(local *LocalExecutor) *DockerExecutor {
	return &DockerExecutor{local: local}
}

func (e *DockerExecutor) Run(ctx context.Context, p Process, env ExecutionEnvironment) (FallibleProcessResult, error) {
	if env.DockerImage == "" {
		return FallibleProcessResult{}, &Error{Kind: ConfigError, Err: fmt.Errorf("docker dispatch requires an image")}
	}
	return e.local.RunWithArgvTransform(ctx, p, env, func(sandbox string) []string {
		return dockerWrap(sandbox, env.DockerImage, p)
	})
}

func dockerWrap(sandbox, image string, p Process) []string {
	argv := []string{
		"docker", "run", "--rm", "-i",
		"-v", sandbox + ":" + containerWorkdir,
		"-w", containerWorkdir + "/" + p.Cwd,
	}
	for k, v := range p.Env {
		argv = append(argv, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	argv = append(argv, image)
	argv = append(argv, p.Argv...)
	return argv
}
