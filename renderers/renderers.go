// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package renderers defines the interface a kernel source renderer needs to
// implement to turn a lowered kernel into source text for one GPU dialect,
// and the registry the dialects register themselves with.
//
// Renderers are pure: the same lowered kernel renders to byte-identical
// source. A renderer that cannot express an operation, dtype or vector
// width returns *UnsupportedOpError and no partial source.
//
// Registry lookups panic on unknown names (see github.com/gomlx/exceptions);
// rendering itself reports errors by returning them.
package renderers

import (
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/kernelgen/internal/xslices"
	"github.com/gomlx/kernelgen/lower"
)

// Kernel is rendered kernel source plus what a runtime needs to launch it.
type Kernel struct {
	// EntryName is the kernel entry point function name in Source.
	EntryName string

	// Source is the complete kernel source text.
	Source string

	// LaunchDims are the work-items to launch per grid dimension.
	LaunchDims [3]int

	// VectorWidth is the number of elements each work-item handles.
	VectorWidth int

	// Renderer is the name of the renderer that produced Source.
	Renderer string
}

// Renderer is the API a kernel source dialect needs to implement.
type Renderer interface {
	// Name returns the short name of the renderer. E.g.: "metal".
	Name() string

	// Description is a longer description of the Renderer that can be used to pretty-print.
	Description() string

	// Capabilities returns what the renderer's dialect can express.
	Capabilities() Capabilities

	// Render renders the lowered kernel to source text.
	Render(k *lower.Kernel) (*Kernel, error)
}

// Constructor returns a new Renderer.
type Constructor func() Renderer

var registeredConstructors = make(map[string]Constructor)

// Register renderer with the given name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	registeredConstructors[name] = constructor
}

// Names returns the registered renderer names sorted alphabetically.
func Names() []string {
	return xslices.SortedKeys(registeredConstructors)
}

// DefaultName is the renderer used when neither the caller nor the
// environment picks one.
var DefaultName = "cuda"

// KERNELGEN_RENDERER is the environment variable naming the default
// renderer to use. E.g.: KERNELGEN_RENDERER=metal.
const KERNELGEN_RENDERER = "KERNELGEN_RENDERER"

// New returns a new Renderer with the given registered name.
//
// It panics if the name is not registered -- maybe import the dialect
// packages, or the root kernelgen package which imports all of them.
func New(name string) Renderer {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered kernel renderers -- maybe import the dialects with import _ "github.com/gomlx/kernelgen/renderers/cuda" (or metal, wgsl)?`)
	}
	constructor, found := registeredConstructors[name]
	if !found {
		exceptions.Panicf("can't find kernel renderer %q, registered renderers are %q", name, Names())
	}
	return constructor()
}

// NewOrEnv returns a new Renderer with the given name, falling back to the
// KERNELGEN_RENDERER environment variable and then to DefaultName when name
// is empty.
//
// Like New, it panics if the resolved name is not registered.
func NewOrEnv(name string) Renderer {
	if name == "" {
		name = os.Getenv(KERNELGEN_RENDERER)
	}
	if name == "" {
		name = DefaultName
	}
	return New(name)
}
