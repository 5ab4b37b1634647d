package source

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/jkaninda/cubelink/internal/sandbox"
)

func TestParseInput(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Input
	}{
		{
			name: "inline python",
			in:   "python_code:setVoxel(0, 0, 0)",
			want: Input{PythonCode: "setVoxel(0, 0, 0)"},
		},
		{
			name: "value with commas and newlines",
			in:   "python_code:for x in range(8):\n    setVoxel(x, 0, 0),, demo_name:rain",
			want: Input{PythonCode: "for x in range(8):\n    setVoxel(x, 0, 0)", DemoName: "rain"},
		},
		{
			name: "all keys",
			in:   "python_code: a , c_code:b, uploaded_code_file:c, uploaded_file:/srv/demos, demo_name:d,",
			want: Input{PythonCode: "a", CCode: "b", UploadedCode: "c", DemoDir: "/srv/demos", DemoName: "d"},
		},
		{
			name: "key text inside a value",
			in:   "python_code:x = 'demo_name:y'",
			want: Input{PythonCode: "x = 'demo_name:y'"},
		},
		{
			name: "empty value",
			in:   "python_code:, demo_name:cube",
			want: Input{DemoName: "cube"},
		},
		{
			name: "last repeat wins",
			in:   "demo_name:a, demo_name:b",
			want: Input{DemoName: "b"},
		},
		{
			name: "no keys",
			in:   "hello",
			want: Input{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseInput(tt.in); got != tt.want {
				t.Errorf("ParseInput(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestInputFormatRoundTrip(t *testing.T) {
	in := Input{PythonCode: "clearCube()", DemoDir: "/d", DemoName: "wave"}
	if got := ParseInput(in.Format()); got != in {
		t.Errorf("round trip = %+v, want %+v", got, in)
	}
}

func writeDemo(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolver_Precedence(t *testing.T) {
	dir := t.TempDir()
	writeDemo(t, dir, "wave.py", "clearCube()")
	writeDemo(t, dir, "wave.cpp", "clearCube();")
	r := &Resolver{DemoDir: dir}

	tests := []struct {
		name    string
		in      Input
		dialect sandbox.Dialect
		kind    Kind
		code    string
		want    sandbox.Dialect
	}{
		{"demo wins", Input{DemoName: "wave", UploadedCode: "u", PythonCode: "p"}, sandbox.DialectPython, KindDemo, "clearCube()", sandbox.DialectPython},
		{"cpp demo", Input{DemoName: "wave"}, sandbox.DialectCPP, KindDemo, "clearCube();", sandbox.DialectCPP},
		{"upload over inline", Input{UploadedCode: "u", PythonCode: "p"}, sandbox.DialectPython, KindUpload, "u", sandbox.DialectPython},
		{"inline", Input{PythonCode: "p"}, "", KindInline, "p", sandbox.DialectPython},
		{"c_code infers cpp", Input{CCode: "c"}, "", KindInline, "c", sandbox.DialectCPP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(tt.in, tt.dialect)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Kind != tt.kind || res.Program.Code != tt.code || res.Program.Dialect != tt.want {
				t.Errorf("resolved %+v", res)
			}
		})
	}
}

func TestResolver_DemoDirFromInput(t *testing.T) {
	dir := t.TempDir()
	writeDemo(t, dir, "spin.py", "sleep(1)")
	r := &Resolver{DemoDir: "/nonexistent"}

	res, err := r.Resolve(Input{DemoDir: dir, DemoName: "spin"}, sandbox.DialectPython)
	if err != nil {
		t.Fatal(err)
	}
	if res.DemoPath != filepath.Join(dir, "spin.py") {
		t.Errorf("path = %s", res.DemoPath)
	}
}

func TestResolver_ConfigErrors(t *testing.T) {
	dir := t.TempDir()
	writeDemo(t, dir, "empty.py", "  \n")
	r := &Resolver{DemoDir: dir}

	for name, in := range map[string]Input{
		"nothing":        {},
		"blank inline":   {PythonCode: "   "},
		"missing demo":   {DemoName: "nope"},
		"path traversal": {DemoName: "../etc/passwd"},
		"empty demo":     {DemoName: "empty"},
		"wrong dialect":  {CCode: "x", PythonCode: "", UploadedCode: "", DemoName: "", DemoDir: ""},
	} {
		t.Run(name, func(t *testing.T) {
			d := sandbox.Dialect("")
			if name == "wrong dialect" {
				d = sandbox.DialectPython
			}
			_, err := r.Resolve(in, d)
			if !IsConfigError(err) {
				t.Errorf("err = %v, want ConfigError", err)
			}
		})
	}

	if _, err := (&Resolver{}).Resolve(Input{DemoName: "x"}, sandbox.DialectPython); !IsConfigError(err) {
		t.Errorf("demo without directory: err = %v", err)
	}
}

func TestResolver_Demos(t *testing.T) {
	dir := t.TempDir()
	writeDemo(t, dir, "b.py", "")
	writeDemo(t, dir, "a.py", "")
	writeDemo(t, dir, "c.cpp", "")

	r := &Resolver{DemoDir: dir}
	got, err := r.Demos(sandbox.DialectPython)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("demos = %v", got)
	}
}
