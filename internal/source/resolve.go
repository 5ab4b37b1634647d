package source

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jkaninda/cubelink/internal/sandbox"
)

// Kind says where a resolved program came from.
type Kind string

const (
	KindDemo   Kind = "demo"
	KindUpload Kind = "upload"
	KindInline Kind = "inline"
)

// ConfigError means a request has no usable code source. The pipeline does
// not start for it.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return "invalid run configuration: " + e.Msg + ": " + e.Err.Error()
	}
	return "invalid run configuration: " + e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Resolved is the single program selected for a request.
type Resolved struct {
	Kind     Kind
	Program  sandbox.Program
	DemoPath string
}

// Resolver selects a program from an Input. Demos take precedence over
// uploaded code, which takes precedence over inline code.
type Resolver struct {
	// DemoDir is used when the input names a demo but no directory.
	DemoDir string
}

// Resolve picks the program to run. An empty dialect is inferred from the
// input: c_code alone selects cpp, everything else python.
func (r *Resolver) Resolve(in Input, dialect sandbox.Dialect) (*Resolved, error) {
	if dialect == "" {
		dialect = sandbox.DialectPython
		if in.CCode != "" && in.PythonCode == "" {
			dialect = sandbox.DialectCPP
		}
	}

	switch {
	case in.DemoName != "":
		path, err := r.demoPath(in.DemoDir, in.DemoName, dialect)
		if err != nil {
			return nil, err
		}
		code, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, &ConfigError{Msg: fmt.Sprintf("demo %q not found", in.DemoName), Err: err}
			}
			return nil, &ConfigError{Msg: "reading demo", Err: err}
		}
		return r.resolved(KindDemo, dialect, string(code), path)
	case in.UploadedCode != "":
		return r.resolved(KindUpload, dialect, in.UploadedCode, "")
	}

	code := in.PythonCode
	if dialect == sandbox.DialectCPP {
		code = in.CCode
	}
	return r.resolved(KindInline, dialect, code, "")
}

func (r *Resolver) resolved(kind Kind, d sandbox.Dialect, code, path string) (*Resolved, error) {
	if strings.TrimSpace(code) == "" {
		return nil, &ConfigError{Msg: "no code source: provide " + inlineKey(d) + ", " + KeyUploadedCodeFile + " or " + KeyDemoName}
	}
	return &Resolved{
		Kind:     kind,
		Program:  sandbox.Program{Dialect: d, Code: code},
		DemoPath: path,
	}, nil
}

func (r *Resolver) demoPath(dir, name string, d sandbox.Dialect) (string, error) {
	if dir == "" {
		dir = r.DemoDir
	}
	if dir == "" {
		return "", &ConfigError{Msg: "demo requested but no demo directory configured"}
	}
	if name != filepath.Base(name) || name == "." || name == ".." {
		return "", &ConfigError{Msg: fmt.Sprintf("invalid demo name %q", name)}
	}
	return filepath.Join(dir, name+demoExt(d)), nil
}

// Demos lists the demo names available for a dialect in the default
// directory, sorted.
func (r *Resolver) Demos(d sandbox.Dialect) ([]string, error) {
	if r.DemoDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(r.DemoDir)
	if err != nil {
		return nil, fmt.Errorf("listing demos: %w", err)
	}
	ext := demoExt(d)
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ext) {
			names = append(names, strings.TrimSuffix(e.Name(), ext))
		}
	}
	slices.Sort(names)
	return names, nil
}

func demoExt(d sandbox.Dialect) string {
	if d == sandbox.DialectCPP {
		return ".cpp"
	}
	return ".py"
}

func inlineKey(d sandbox.Dialect) string {
	if d == sandbox.DialectCPP {
		return KeyCCode
	}
	return KeyPythonCode
}
