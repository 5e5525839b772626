// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the coordinator's configuration from YAML: the
// workspace path, the kernel launch command, the Tool Service bind address,
// the approval timeout, and the set of provider specs to register at
// startup. ${VAR}/${VAR:-default}/$VAR interpolation is applied to the raw
// document before decoding.
//
// Example config:
//
//	workspace: /var/lib/sandboxd
//
//	kernel:
//	  command: python3
//	  args: ["-m", "sandboxd_kernel"]
//
//	tool_service:
//	  addr: 127.0.0.1:0
//
//	approval_timeout_seconds: 120
//
//	providers:
//	  - name: fs
//	    transport: local_process
//	    command: sandboxd-fs-provider
//	  - name: search
//	    transport: remote_http
//	    url: ${SEARCH_PROVIDER_URL}
//	    response_mode: sse
//	    headers:
//	      X-Api-Key: ${SEARCH_API_KEY}
//
//	logger:
//	  level: info
//	  format: simple
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sandboxd/coordinator/pkg/coordinator"
	"github.com/sandboxd/coordinator/pkg/observability"
	"github.com/sandboxd/coordinator/pkg/provider"
)

// DefaultApprovalTimeoutSeconds documents the approval timeout a document
// gets when it leaves ApprovalTimeoutSeconds zero: there is none. Zero
// means "wait indefinitely", and SetDefaults leaves the field as it is.
const DefaultApprovalTimeoutSeconds = 0

// DefaultStreamBufferSize mirrors coordinator.DefaultStreamBufferSize so a
// config document can see the value it would otherwise inherit implicitly.
const DefaultStreamBufferSize = coordinator.DefaultStreamBufferSize

// Config is the root configuration document for sandboxd.
type Config struct {
	// Workspace is the kernel's filesystem root; generated tool modules are
	// written under Workspace/tools.
	Workspace string `yaml:"workspace"`

	Kernel      KernelConfig      `yaml:"kernel,omitempty"`
	ToolService ToolServiceConfig `yaml:"tool_service,omitempty"`

	// ApprovalTimeoutSeconds bounds how long a tool call waits for a host
	// decision. Zero means wait indefinitely.
	ApprovalTimeoutSeconds int `yaml:"approval_timeout_seconds,omitempty"`

	// StreamBufferSize bounds the eventstream.Stream each Stream call opens.
	StreamBufferSize int `yaml:"stream_buffer_size,omitempty"`

	// Providers are registered, in order, once the coordinator starts.
	Providers []provider.Spec `yaml:"providers,omitempty"`

	Logger LoggerConfig `yaml:"logger,omitempty"`

	// Observability configures tracing and metrics for the provider client,
	// tool service, and coordinator.
	Observability observability.Config `yaml:"observability,omitempty"`
}

// KernelConfig configures the external interpreter process the coordinator
// launches.
type KernelConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// SetDefaults applies default values to the kernel configuration.
func (k *KernelConfig) SetDefaults() {
	if k.Command == "" {
		k.Command = "python3"
	}
}

// Validate checks the kernel configuration.
func (k *KernelConfig) Validate() error {
	if k.Command == "" {
		return fmt.Errorf("kernel command is required")
	}
	return nil
}

// env returns Env flattened to the "K=V" slice kernel.Config expects.
func (k *KernelConfig) env() []string {
	if len(k.Env) == 0 {
		return nil
	}
	out := make([]string, 0, len(k.Env))
	for key, val := range k.Env {
		out = append(out, key+"="+val)
	}
	return out
}

// ToolServiceConfig configures the loopback HTTP endpoint the kernel calls.
type ToolServiceConfig struct {
	// Addr is the loopback address to bind. Empty picks "127.0.0.1:0",
	// letting the OS choose a port.
	Addr string `yaml:"addr,omitempty"`
}

// SetDefaults applies default values to the tool service configuration.
func (t *ToolServiceConfig) SetDefaults() {
	if t.Addr == "" {
		t.Addr = "127.0.0.1:0"
	}
}

// Validate checks the tool service configuration.
func (t *ToolServiceConfig) Validate() error {
	return nil
}

// SetDefaults applies default values across the whole document.
func (c *Config) SetDefaults() {
	if c.Workspace == "" {
		c.Workspace = "."
	}
	if c.StreamBufferSize == 0 {
		c.StreamBufferSize = DefaultStreamBufferSize
	}

	c.Kernel.SetDefaults()
	c.ToolService.SetDefaults()
	c.Logger.SetDefaults()
	c.Observability.SetDefaults()

	for i := range c.Providers {
		c.Providers[i].SetDefaults()
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Workspace == "" {
		errs = append(errs, "workspace is required")
	}
	if err := c.Kernel.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("kernel: %v", err))
	}
	if err := c.ToolService.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("tool_service: %v", err))
	}
	if err := c.Logger.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("logger: %v", err))
	}
	if err := c.Observability.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("observability: %v", err))
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, spec := range c.Providers {
		if err := spec.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("provider %q: %v", spec.Name, err))
			continue
		}
		if seen[spec.Name] {
			errs = append(errs, fmt.Sprintf("provider %q: declared more than once", spec.Name))
		}
		seen[spec.Name] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// CoordinatorConfig translates the document into the coordinator.Config
// New expects. Providers are not part of it: they stay in c.Providers, since
// RegisterProvider is a call the host makes after New, not a constructor
// argument.
func (c *Config) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		WorkspaceDir:     c.Workspace,
		KernelCommand:    c.Kernel.Command,
		KernelArgs:       c.Kernel.Args,
		KernelEnv:        c.Kernel.env(),
		ToolServiceAddr:  c.ToolService.Addr,
		ApprovalTimeout:  secondsToDuration(c.ApprovalTimeoutSeconds),
		StreamBufferSize: c.StreamBufferSize,
	}
}

func secondsToDuration(seconds int) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
