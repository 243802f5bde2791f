package instrument_test

import (
	"bytes"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/amirkhaki/chronoscope/pkg/instrument"
)

func newInstrumenter(fn func(c *instrument.Config)) *instrument.Instrumenter {
	config := instrument.DefaultConfig()
	config.RuntimeAlias = "rt"
	if fn != nil {
		fn(config)
	}
	return instrument.NewInstrumenter(config)
}

// rewrite instruments src, and checks the result is still valid Go.
func rewrite(t *testing.T, instr *instrument.Instrumenter, src string) string {
	t.Helper()
	fset := token.NewFileSet()
	f, err := instr.InstrumentFile(fset, "test.go", src)
	if err != nil {
		t.Fatalf("InstrumentFile failed: %v", err)
	}
	var buf bytes.Buffer
	if err := instrument.WriteInstrumented(&buf, fset, f); err != nil {
		t.Fatalf("Failed to print AST: %v", err)
	}
	if _, err := parser.ParseFile(token.NewFileSet(), "out.go", buf.Bytes(), 0); err != nil {
		t.Fatalf("Instrumented source does not parse: %v\n%s", err, buf.String())
	}
	return buf.String()
}

func expectContains(t *testing.T, result string, fragments ...string) {
	t.Helper()
	for _, fragment := range fragments {
		if !strings.Contains(result, fragment) {
			t.Errorf("Expected %q in:\n%s", fragment, result)
		}
	}
}

func expectNotContains(t *testing.T, result string, fragments ...string) {
	t.Helper()
	for _, fragment := range fragments {
		if strings.Contains(result, fragment) {
			t.Errorf("Unexpected %q in:\n%s", fragment, result)
		}
	}
}

func TestInstrumentFile_main(t *testing.T) {
	instr := newInstrumenter(nil)
	result := rewrite(t, instr, `package main

func helper() int { return 1 }

func main() {
	_ = helper()
}
`)

	if !instr.WasInstrumented() {
		t.Error("Expected instrumentation to be added")
	}
	expectContains(t, result, `rt "github.com/amirkhaki/chronoscope/pkg/runtime"`)
	expectContains(t, result, `defer rt.Exit(rt.Enter("main.helper"))`)

	// initialize, then finalize after the main timer has stopped
	initialize := strings.Index(result, "rt.Initialize()")
	finalize := strings.Index(result, "defer rt.Finalize()")
	timer := strings.Index(result, `defer rt.Exit(rt.Enter("main.main"))`)
	if initialize < 0 || finalize < 0 || timer < 0 {
		t.Fatalf("Expected lifecycle hooks and timer in:\n%s", result)
	}
	if !(initialize < finalize && finalize < timer) {
		t.Errorf("Expected Initialize, then Finalize, then the timer, in:\n%s", result)
	}
}

func TestInstrumentFile_library(t *testing.T) {
	result := rewrite(t, newInstrumenter(nil), `package lib

type server struct{}

func (s *server) handle() {}

type list[T any] []T

func (l list[T]) Len() int { return len(l) }

func main() {}
`)

	expectContains(t, result, `rt.Enter("lib.(*server).handle")`)
	expectContains(t, result, `rt.Enter("lib.list.Len")`)
	// only package main gets the lifecycle hooks
	expectContains(t, result, `rt.Enter("lib.main")`)
	expectNotContains(t, result, "Initialize")
}

func TestInstrumentFile_exclude(t *testing.T) {
	result := rewrite(t, newInstrumenter(func(c *instrument.Config) {
		c.Exclude = []string{"main.init", "main.(*T).*"}
	}), `package main

type T struct{}

func (*T) a() {}
func (T) b()  {}

func init() {}

func main() {}
`)

	expectNotContains(t, result, `"main.init"`)
	expectNotContains(t, result, `"main.(*T).a"`)
	expectContains(t, result, `rt.Enter("main.T.b")`)
	expectContains(t, result, `rt.Enter("main.main")`)
}

func TestInstrumentFile_noTimers(t *testing.T) {
	result := rewrite(t, newInstrumenter(func(c *instrument.Config) {
		c.NoTimers = true
	}), `package main

func main() {}
`)

	expectContains(t, result, "rt.Initialize()")
	expectNotContains(t, result, "rt.Enter")
}

func TestInstrumentFile_nothingToDo(t *testing.T) {
	instr := newInstrumenter(nil)
	result := rewrite(t, instr, `package lib

var x = 1

func external() int
`)

	if instr.WasInstrumented() {
		t.Error("Expected no instrumentation")
	}
	expectNotContains(t, result, "chronoscope")
}

func TestInstrumentFile_goStatements(t *testing.T) {
	result := rewrite(t, newInstrumenter(nil), `package main

func work(a, b int) {}

func sum(xs ...int) {}

func makeFn() func(int) { return func(int) {} }

func main() {
	x, xs := 1, []int{1, 2}
	go work(x, x+1)
	go sum(xs...)
	go makeFn()(x)
	go func() {
		go println(x)
	}()
}
`)

	// arguments are evaluated before spawning
	expectContains(t, result, "__chronoscope_p0 := x")
	expectContains(t, result, "__chronoscope_p1 := x + 1")
	expectContains(t, result, "work(__chronoscope_p0, __chronoscope_p1)")
	expectContains(t, result, "sum(__chronoscope_p0...)")
	expectContains(t, result, "__chronoscope_fn := makeFn()")
	expectContains(t, result, "__chronoscope_fn(__chronoscope_p0)")
	expectContains(t, result, "println(__chronoscope_p0)")
	if n := strings.Count(result, "rt.Spawn(func() {"); n != 4 {
		t.Errorf("Expected 4 spawns, got %d", n)
	}
	expectNotContains(t, result, "go ")
}

func TestInstrumentFile_idempotent(t *testing.T) {
	src := `package main

func main() {
	go main()
}
`
	once := rewrite(t, newInstrumenter(nil), src)
	instr := newInstrumenter(nil)
	twice := rewrite(t, instr, once)

	if instr.WasInstrumented() {
		t.Error("Expected already instrumented source to be left alone")
	}
	for _, fragment := range []string{"rt.Initialize()", `rt.Enter("main.main")`, "rt.Spawn(", `"github.com/amirkhaki/chronoscope/pkg/runtime"`} {
		if n := strings.Count(twice, fragment); n != 1 {
			t.Errorf("Expected %q once, got %d", fragment, n)
		}
	}
}

func TestNoRuntimeConflict(t *testing.T) {
	result := rewrite(t, instrument.NewInstrumenter(nil), `package main

import "runtime"

func main() {
	_ = runtime.NumCPU()
}
`)

	expectContains(t, result, `"runtime"`)
	expectContains(t, result, "runtime.NumCPU()")
	expectContains(t, result, "__chronoscope_")
	for _, line := range strings.Split(result, "\n") {
		if strings.Contains(line, ".NumCPU") {
			if !strings.Contains(line, "runtime.NumCPU") {
				t.Errorf("Expected the standard runtime in %q", line)
			}
		}
	}
}

func TestImportRewrites(t *testing.T) {
	result := rewrite(t, newInstrumenter(func(c *instrument.Config) {
		c.ImportRewrites = map[string]string{"example.com/old": "example.com/new"}
	}), `package lib

import "example.com/old"

func f() { old.Do() }
`)

	expectContains(t, result, `"example.com/new"`)
	expectNotContains(t, result, `"example.com/old"`)
}

func TestInstrumentFiles(t *testing.T) {
	dir := t.TempDir()
	var names []string
	for name, src := range map[string]string{
		"a.go": "package main\n\nfunc main() { b() }\n",
		"b.go": "package main\n\nfunc b() {}\n",
	} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(src), 0o644); err != nil {
			t.Fatal(err)
		}
		names = append(names, p)
	}

	instr := newInstrumenter(nil)
	files, err := instr.InstrumentFiles(token.NewFileSet(), names)
	if err != nil {
		t.Fatalf("InstrumentFiles failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("Expected 2 files, got %d", len(files))
	}
	if !instr.WasInstrumented() {
		t.Error("Expected instrumentation to be added")
	}
	for _, f := range files {
		for _, decl := range f.Decls {
			if fn, ok := decl.(*ast.FuncDecl); ok {
				if !hasTimer(fn) {
					t.Errorf("Expected a timer in %s", fn.Name.Name)
				}
			}
		}
	}

	_, err = instr.InstrumentFiles(token.NewFileSet(), []string{filepath.Join(dir, "missing.go")})
	if err == nil {
		t.Error("Expected an error for a missing file")
	}
}

func hasTimer(fn *ast.FuncDecl) bool {
	for _, stmt := range fn.Body.List {
		if d, ok := stmt.(*ast.DeferStmt); ok {
			if sel, ok := d.Call.Fun.(*ast.SelectorExpr); ok && sel.Sel.Name == "Exit" {
				return true
			}
		}
	}
	return false
}

func TestInstrumentFile_testdata(t *testing.T) {
	for _, tc := range []struct {
		file   string
		timers []string
	}{
		{"pipeline.go", []string{"main.(*stage).run", "main.sum", "main.main"}},
		{"generic.go", []string{"main.Vec.Dot", "main.Map", "main.report", "main.main"}},
	} {
		t.Run(tc.file, func(t *testing.T) {
			src, err := os.ReadFile(filepath.Join("testdata", tc.file))
			if err != nil {
				t.Fatal(err)
			}
			result := rewrite(t, newInstrumenter(nil), string(src))
			for _, name := range tc.timers {
				expectContains(t, result, `rt.Enter("`+name+`")`)
			}
			expectNotContains(t, result, "\tgo ")
		})
	}
}
