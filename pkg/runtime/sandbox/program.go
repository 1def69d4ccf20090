package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/ccos/core/pkg/value"
)

// Program is the closed set of runnable program variants.
type Program interface {
	// Describe returns a short human-readable label for logs.
	Describe() string
	isProgram()
}

// Language identifies a script interpreter.
type Language string

const (
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
	LanguageShell      Language = "shell"
	LanguageRuby       Language = "ruby"
	LanguageLua        Language = "lua"
)

type interpreterSpec struct {
	name         string
	flag         string
	alternatives []string
	// argv0 is inserted after the source when the interpreter binds the
	// first trailing argument to $0.
	argv0 string
}

var interpreters = map[Language]interpreterSpec{
	LanguagePython:     {"python", "-c", []string{"/usr/bin/python", "/usr/bin/python3", "python3"}, ""},
	LanguageJavaScript: {"node", "-e", []string{"/usr/bin/node", "/usr/local/bin/node"}, ""},
	LanguageShell:      {"sh", "-c", []string{"/bin/sh", "/bin/bash"}, "sh"},
	LanguageRuby:       {"ruby", "-e", []string{"/usr/bin/ruby"}, ""},
	LanguageLua:        {"lua", "-e", []string{"/usr/bin/lua", "/usr/bin/lua5.4", "/usr/bin/lua5.3"}, ""},
}

// Script runs Source through an external interpreter. Arguments are passed as
// JSON-encoded trailing argv entries.
type Script struct {
	Language Language
	Source   string
}

// Embedded runs Lua source inside the process. Arguments are exposed as the
// global table "args"; the chunk's first return value is the result.
type Embedded struct {
	Source string
}

// Native runs a Go function in-process.
type Native struct {
	Name string
	Fn   func(ctx context.Context, args []value.Value) (value.Value, error)
}

// ExternalProcess runs a binary directly. Stdout is parsed as JSON, else kept as a string.
type ExternalProcess struct {
	Path string
	Args []string
}

// Binary runs a WebAssembly (WASI) module. Arguments arrive on stdin as a JSON array.
type Binary struct {
	Module []byte
}

func (Script) isProgram()          {}
func (Embedded) isProgram()        {}
func (Native) isProgram()          {}
func (ExternalProcess) isProgram() {}
func (Binary) isProgram()          {}

func (p Script) Describe() string {
	return fmt.Sprintf("%s script: %d bytes", p.Language, len(p.Source))
}

func (p Embedded) Describe() string { return fmt.Sprintf("lua chunk: %d bytes", len(p.Source)) }
func (p Native) Describe() string   { return "native function " + p.Name }

func (p ExternalProcess) Describe() string {
	return fmt.Sprintf("external program: %s %v", p.Path, p.Args)
}

func (p Binary) Describe() string { return fmt.Sprintf("wasm binary: %d bytes", len(p.Module)) }

var networkTools = map[string]bool{"curl": true, "wget": true, "nc": true, "ssh": true}

var fileTools = map[string]bool{"cat": true, "ls": true, "cp": true, "mv": true, "rm": true, "head": true, "tail": true}

// isNetworkProgram classifies programs whose shape implies network access.
func isNetworkProgram(p Program) bool {
	ext, ok := p.(ExternalProcess)
	if !ok {
		return false
	}
	if networkTools[filepath.Base(ext.Path)] {
		return true
	}
	for _, a := range ext.Args {
		if strings.Contains(a, "http") || strings.Contains(a, "network") {
			return true
		}
	}
	return false
}

// isFileProgram classifies programs whose shape implies filesystem access.
func isFileProgram(p Program) bool {
	ext, ok := p.(ExternalProcess)
	if !ok {
		return false
	}
	if fileTools[filepath.Base(ext.Path)] {
		return true
	}
	for _, a := range ext.Args {
		if strings.Contains(a, "file") {
			return true
		}
	}
	return false
}
