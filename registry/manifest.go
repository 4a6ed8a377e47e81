package registry

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"

	"github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasm-supervisor/chain"
	"github.com/wippyai/wasm-supervisor/codec"
	"github.com/wippyai/wasm-supervisor/errors"
	"github.com/wippyai/wasm-supervisor/store"
)

// Manifest is a deployment as the orchestrator sends it.
type Manifest struct {
	DeploymentID string         `json:"deploymentId" yaml:"deploymentId"`
	Modules      []Module       `json:"modules" yaml:"modules"`
	Endpoints    []EndpointSpec `json:"endpoints" yaml:"endpoints"`
}

// Module is a WebAssembly module used by a deployment.
type Module struct {
	ID     string        `json:"id" yaml:"id"`
	Name   string        `json:"name,omitempty" yaml:"name,omitempty"`
	Digest digest.Digest `json:"digest,omitempty" yaml:"digest,omitempty"`
	URLs   ModuleURLs    `json:"urls" yaml:"urls"`
}

// ModuleURLs locates a module's binaries and data files.
type ModuleURLs struct {
	Binary   string            `json:"binary,omitempty" yaml:"binary,omitempty"`
	Variants map[string]string `json:"variants,omitempty" yaml:"variants,omitempty"`
	// Other maps data file names to URLs; deployment-stage mounts read from it.
	Other map[string]string `json:"other,omitempty" yaml:"other,omitempty"`
}

// DisplayName is the name used in default endpoint paths and directories.
func (m Module) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}

// Source is where the module store fetches this module from.
func (m Module) Source() store.Source {
	return store.Source{URL: m.URLs.Binary, Variants: m.URLs.Variants, Digest: m.Digest}
}

// EndpointSpec declares one locally invocable endpoint.
type EndpointSpec struct {
	// Path defaults to /{deploymentId}/modules/{module}/{function}.
	Path     string       `json:"path,omitempty" yaml:"path,omitempty"`
	Module   string       `json:"module" yaml:"module"`
	Function string       `json:"function" yaml:"function"`
	Input    []codec.Spec `json:"input,omitempty" yaml:"input,omitempty"`
	Output   []codec.Spec `json:"output,omitempty" yaml:"output,omitempty"`
	Next     *NextSpec    `json:"next,omitempty" yaml:"next,omitempty"`
	Mounts   []Mount      `json:"mounts,omitempty" yaml:"mounts,omitempty"`
}

// NextSpec names the endpoint receiving this endpoint's output. An empty
// Address means an endpoint of the same deployment on this node.
type NextSpec struct {
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
	Path    string `json:"path" yaml:"path"`
}

// Stage says when a mounted file is materialized.
type Stage string

const (
	// StageDeployment files are fetched from the module's other URLs on activation.
	StageDeployment Stage = "deployment"
	// StageExecution files arrive with each request.
	StageExecution Stage = "execution"
	// StageOutput files are written by the module and collected after the call.
	StageOutput Stage = "output"
)

// Mount is a file visible to the module under its root.
type Mount struct {
	Path      string `json:"path" yaml:"path"`
	MediaType string `json:"mediaType" yaml:"mediaType"`
	Stage     Stage  `json:"stage" yaml:"stage"`
}

// MediaTypes lists the mount media types a node accepts.
var MediaTypes = []string{
	"image/png",
	"image/jpeg",
	"image/jpg",
	"application/octet-stream",
	"application/wasm",
	"text/html",
	"text/javascript",
}

// reservedPrefixes belong to the node's own HTTP surface.
var reservedPrefixes = []string{
	"/deploy",
	"/health",
	"/metrics",
	"/request-history",
	"/module_results",
	"/.well-known",
}

// ParseManifest decodes a manifest from YAML or JSON.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Validation(nil, "parse manifest: %v", err)
	}
	return &m, nil
}

// LoadManifest reads a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// DefaultPath is the path an endpoint gets when the manifest names none.
func DefaultPath(deploymentID, module, function string) string {
	return "/" + deploymentID + "/modules/" + module + "/" + function
}

// build validates m and resolves it into endpoints. It has no side effects.
func build(m *Manifest) ([]*Endpoint, map[string]Module, error) {
	if err := validName(m.DeploymentID); err != nil {
		return nil, nil, errors.Validation([]string{"deploymentId"}, "%v", err)
	}
	if len(m.Modules) == 0 {
		return nil, nil, errors.Validation([]string{"modules"}, "no modules")
	}
	if len(m.Endpoints) == 0 {
		return nil, nil, errors.Validation([]string{"endpoints"}, "no endpoints")
	}

	modules := make(map[string]Module, len(m.Modules))
	byName := make(map[string]string, len(m.Modules))
	for i, mod := range m.Modules {
		path := []string{"modules", fmt.Sprint(i)}
		if err := validName(mod.ID); err != nil {
			return nil, nil, errors.Validation(append(path, "id"), "%v", err)
		}
		if _, dup := modules[mod.ID]; dup {
			return nil, nil, errors.Validation(append(path, "id"), "duplicate module %q", mod.ID)
		}
		if mod.URLs.Binary == "" && len(mod.URLs.Variants) == 0 {
			return nil, nil, errors.Validation(append(path, "urls"), "module %q has no binary URL", mod.ID)
		}
		for file, u := range mod.URLs.Other {
			if err := validName(file); err != nil {
				return nil, nil, errors.Validation(append(path, "urls", "other", file), "%v", err)
			}
			if err := checkURL(u); err != nil {
				return nil, nil, errors.Validation(append(path, "urls", "other", file), "%v", err)
			}
		}
		modules[mod.ID] = mod
		if mod.Name != "" {
			byName[mod.Name] = mod.ID
		}
	}

	endpoints := make([]*Endpoint, 0, len(m.Endpoints))
	byPath := make(map[string]*Endpoint, len(m.Endpoints))
	for i, spec := range m.Endpoints {
		path := []string{"endpoints", fmt.Sprint(i)}

		id := spec.Module
		if _, ok := modules[id]; !ok {
			id = byName[spec.Module]
		}
		mod, ok := modules[id]
		if !ok {
			return nil, nil, errors.Validation(append(path, "module"), "unknown module %q", spec.Module)
		}
		if spec.Function == "" {
			return nil, nil, errors.Validation(append(path, "function"), "empty function name")
		}

		in, err := codec.ParseSchema(spec.Input)
		if err != nil {
			return nil, nil, errors.Validation(append(path, "input"), "%v", err)
		}
		out, err := codec.ParseSchema(spec.Output)
		if err != nil {
			return nil, nil, errors.Validation(append(path, "output"), "%v", err)
		}

		epPath := spec.Path
		if epPath == "" {
			epPath = DefaultPath(m.DeploymentID, mod.DisplayName(), spec.Function)
		}
		if err := checkPath(epPath); err != nil {
			return nil, nil, errors.Validation(append(path, "path"), "%v", err)
		}
		if _, dup := byPath[epPath]; dup {
			return nil, nil, errors.Validation(append(path, "path"), "duplicate path %q", epPath)
		}

		for j, mnt := range spec.Mounts {
			if err := checkMount(mnt, mod); err != nil {
				return nil, nil, errors.Validation(append(path, "mounts", fmt.Sprint(j)), "%v", err)
			}
		}

		ep := &Endpoint{
			DeploymentID: m.DeploymentID,
			Path:         epPath,
			Module:       mod,
			Function:     spec.Function,
			Input:        in,
			Output:       out,
			Mounts:       slices.Clone(spec.Mounts),
		}
		if spec.Next != nil {
			next, err := resolveNext(*spec.Next)
			if err != nil {
				return nil, nil, errors.Validation(append(path, "next"), "%v", err)
			}
			ep.Next = next
		}
		endpoints = append(endpoints, ep)
		byPath[epPath] = ep
	}

	if err := checkLocalHops(endpoints, byPath); err != nil {
		return nil, nil, err
	}
	return endpoints, modules, nil
}

func resolveNext(n NextSpec) (*Next, error) {
	if err := checkPath(n.Path); err != nil {
		return nil, err
	}
	if n.Address == "" {
		return &Next{Path: n.Path}, nil
	}
	if err := checkURL(n.Address); err != nil {
		return nil, fmt.Errorf("address: %w", err)
	}
	return &Next{Path: n.Path, Remote: &chain.Target{Address: n.Address, Path: n.Path}}, nil
}

// checkLocalHops verifies that local next hops exist, accept this endpoint's
// output, and never loop back.
func checkLocalHops(endpoints []*Endpoint, byPath map[string]*Endpoint) error {
	for i, ep := range endpoints {
		if ep.Next == nil || ep.Next.Remote != nil {
			continue
		}
		path := []string{"endpoints", fmt.Sprint(i), "next"}
		next, ok := byPath[ep.Next.Path]
		if !ok {
			return errors.Validation(path, "local next hop %q is not an endpoint of this deployment", ep.Next.Path)
		}
		if !ep.Output.Equal(next.Input) {
			return errors.Validation(path, "output %s does not match input %s of %q", ep.Output, next.Input, next.Path)
		}

		seen := map[string]bool{}
		for cur := ep; cur.Next != nil && cur.Next.Remote == nil; {
			seen[cur.Path] = true
			nxt, ok := byPath[cur.Next.Path]
			if !ok {
				break
			}
			if seen[nxt.Path] {
				return errors.Validation(path, "next hops form a cycle through %q", nxt.Path)
			}
			cur = nxt
		}
	}
	return nil
}

func checkMount(m Mount, mod Module) error {
	if err := validName(m.Path); err != nil {
		return fmt.Errorf("path: %w", err)
	}
	if !slices.Contains(MediaTypes, m.MediaType) {
		return fmt.Errorf("unsupported media type %q", m.MediaType)
	}
	switch m.Stage {
	case StageDeployment:
		if _, ok := mod.URLs.Other[m.Path]; !ok {
			return fmt.Errorf("deployment file %q has no URL in module %q", m.Path, mod.ID)
		}
	case StageExecution, StageOutput:
	default:
		return fmt.Errorf("unknown stage %q", m.Stage)
	}
	return nil
}

func checkPath(p string) error {
	if !strings.HasPrefix(p, "/") || p == "/" {
		return fmt.Errorf("path %q must start with / and name an endpoint", p)
	}
	if strings.Contains(p, "..") || strings.ContainsAny(p, "?#") {
		return fmt.Errorf("path %q contains reserved characters", p)
	}
	for _, prefix := range reservedPrefixes {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return fmt.Errorf("path %q is reserved", p)
		}
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return fmt.Errorf("%q has no host", raw)
		}
	case "file":
		if u.Path == "" {
			return fmt.Errorf("%q has no path", raw)
		}
	default:
		return fmt.Errorf("%q: unsupported scheme %q", raw, u.Scheme)
	}
	return nil
}

func validName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty")
	case name == "." || name == "..":
		return fmt.Errorf("%q is reserved", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%q contains a path separator", name)
	}
	return nil
}
