// Package source turns a run request into exactly one program to execute.
//
// Requests arrive as a flat "key:value, key:value" string. Values may contain
// anything, including commas and newlines; a value only ends where ", " is
// followed by another known key.
package source

import (
	"strings"
)

// Input keys.
const (
	KeyPythonCode       = "python_code"
	KeyCCode            = "c_code"
	KeyUploadedCodeFile = "uploaded_code_file"
	KeyUploadedFile     = "uploaded_file"
	KeyDemoName         = "demo_name"
)

var inputKeys = []string{KeyPythonCode, KeyCCode, KeyUploadedCodeFile, KeyUploadedFile, KeyDemoName}

// Input is a parsed run request.
type Input struct {
	PythonCode string
	CCode      string
	// UploadedCode is the content of a code file uploaded by the user.
	UploadedCode string
	// DemoDir is the directory demos are looked up in, overriding the default.
	DemoDir  string
	DemoName string
}

// IsZero reports whether no key carried a value.
func (in Input) IsZero() bool { return in == Input{} }

// Set assigns a value by input key. Unknown keys are ignored.
func (in *Input) Set(key, value string) {
	switch key {
	case KeyPythonCode:
		in.PythonCode = value
	case KeyCCode:
		in.CCode = value
	case KeyUploadedCodeFile:
		in.UploadedCode = value
	case KeyUploadedFile:
		in.DemoDir = value
	case KeyDemoName:
		in.DemoName = value
	}
}

// Format renders in back into the request string form.
func (in Input) Format() string {
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+":"+v)
		}
	}
	add(KeyPythonCode, in.PythonCode)
	add(KeyCCode, in.CCode)
	add(KeyUploadedCodeFile, in.UploadedCode)
	add(KeyUploadedFile, in.DemoDir)
	add(KeyDemoName, in.DemoName)
	return strings.Join(parts, ", ")
}

// ParseInput parses a "key:value, key:value" request string. Each value is
// trimmed of surrounding whitespace and trailing commas. When a key repeats,
// the last value wins.
func ParseInput(s string) Input {
	var in Input
	pos, key := firstKey(s)
	for pos >= 0 {
		start := pos + len(key) + 1
		end, following := nextKey(s, start)
		if end < 0 {
			in.Set(key, clean(s[start:]))
			break
		}
		in.Set(key, clean(s[start:end]))
		pos, key = end+2, following
	}
	return in
}

// firstKey finds the earliest "key:" anywhere in s.
func firstKey(s string) (int, string) {
	best, bestKey := -1, ""
	for _, k := range inputKeys {
		if i := strings.Index(s, k+":"); i >= 0 && (best < 0 || i < best) {
			best, bestKey = i, k
		}
	}
	return best, bestKey
}

// nextKey finds the earliest ", key:" at or after from and returns the index
// of the comma.
func nextKey(s string, from int) (int, string) {
	best, bestKey := -1, ""
	for _, k := range inputKeys {
		if i := strings.Index(s[from:], ", "+k+":"); i >= 0 && (best < 0 || from+i < best) {
			best, bestKey = from+i, k
		}
	}
	return best, bestKey
}

func clean(v string) string {
	return strings.TrimRight(strings.TrimSpace(v), ",")
}
