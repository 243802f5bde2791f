package instrument

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"io"
	"path"

	"golang.org/x/tools/go/ast/astutil"
)

// Config holds configuration for the instrumentation
type Config struct {
	// ImportRewrites maps import paths to replacement paths
	ImportRewrites map[string]string

	// BaseRuntimeAddress is the package path providing the hooks
	BaseRuntimeAddress string

	// RuntimeAlias is the import alias for the runtime package
	// If empty, a mangled name will be generated from BaseRuntimeAddress
	RuntimeAlias string

	// EnterFunc starts a named timer, returning a token for ExitFunc
	EnterFunc string

	// ExitFunc stops the timer started by EnterFunc
	ExitFunc string

	// SpawnFunc is the name of the goroutine spawn function
	SpawnFunc string

	// InitializeFunc and FinalizeFunc bracket main
	InitializeFunc string
	FinalizeFunc   string

	// Exclude lists path.Match patterns of timer names, e.g. "main.init"
	// or "pkg.(*T).*", for functions that must not be timed
	Exclude []string

	// NoTimers disables the per-function timers, leaving only the go
	// statement and main hooks
	NoTimers bool
}

// DefaultConfig returns a Config with default settings
func DefaultConfig() *Config {
	return &Config{
		BaseRuntimeAddress: "github.com/amirkhaki/chronoscope/pkg/runtime",
		EnterFunc:          "Enter",
		ExitFunc:           "Exit",
		SpawnFunc:          "Spawn",
		InitializeFunc:     "Initialize",
		FinalizeFunc:       "Finalize",
		ImportRewrites:     map[string]string{},
	}
}

// Instrumenter rewrites Go source to call the runtime hooks
type Instrumenter struct {
	config          *Config
	instrumented    bool // tracks if any instrumentation was added to current file
	anyInstrumented bool // tracks if any file had instrumentation
}

// NewInstrumenter creates a new Instrumenter with the given config
func NewInstrumenter(config *Config) *Instrumenter {
	if config == nil {
		config = DefaultConfig()
	}

	if config.RuntimeAlias == "" {
		config.RuntimeAlias = generateRuntimeAlias(config.BaseRuntimeAddress)
	}

	return &Instrumenter{
		config: config,
	}
}

// generateRuntimeAlias derives the import alias from the import path, so
// it cannot collide with user imports, including the standard runtime
func generateRuntimeAlias(importPath string) string {
	hash := sha256.Sum256([]byte(importPath))
	return "__chronoscope_" + hex.EncodeToString(hash[:8])
}

// Alias returns the import alias used for the runtime package
func (instr *Instrumenter) Alias() string {
	return instr.config.RuntimeAlias
}

// WasInstrumented returns true if any instrumentation was added during the last operation
func (instr *Instrumenter) WasInstrumented() bool {
	return instr.anyInstrumented
}

// InstrumentFile instruments a single Go source file
func (instr *Instrumenter) InstrumentFile(fset *token.FileSet, filename string, src any) (*ast.File, error) {
	f, err := parser.ParseFile(fset, filename, src, parser.ParseComments)
	if err != nil {
		return nil, err
	}
	return instr.InstrumentAST(fset, f)
}

// InstrumentFiles instruments multiple Go source files
func (instr *Instrumenter) InstrumentFiles(fset *token.FileSet, filenames []string) ([]*ast.File, error) {
	files := make([]*ast.File, len(filenames))
	for i, filename := range filenames {
		f, err := parser.ParseFile(fset, filename, nil, parser.ParseComments)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", filename, err)
		}
		files[i] = f
	}
	return instr.InstrumentASTs(fset, files)
}

// InstrumentASTs instruments multiple already-parsed ASTs
func (instr *Instrumenter) InstrumentASTs(fset *token.FileSet, files []*ast.File) ([]*ast.File, error) {
	instr.anyInstrumented = false
	for _, f := range files {
		instr.instrumentSingleAST(fset, f)
	}
	return files, nil
}

// InstrumentAST instruments an already-parsed AST
func (instr *Instrumenter) InstrumentAST(fset *token.FileSet, f *ast.File) (*ast.File, error) {
	instr.anyInstrumented = false
	instr.instrumentSingleAST(fset, f)
	return f, nil
}

func (instr *Instrumenter) instrumentSingleAST(fset *token.FileSet, f *ast.File) {
	for k, v := range instr.config.ImportRewrites {
		astutil.RewriteImport(fset, f, k, v)
	}

	instr.instrumented = false

	// go statements first, so the spawned closures are not timed as
	// functions of their own
	astutil.Apply(f, nil, func(c *astutil.Cursor) bool {
		if stmt, ok := c.Node().(*ast.GoStmt); ok {
			instr.instrumentGoStmt(c, stmt)
		}
		return true
	})

	for _, decl := range f.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Body == nil || instr.hasHooks(fn.Body) {
			continue
		}
		var hooks []ast.Stmt
		if f.Name.Name == "main" && fn.Recv == nil && fn.Name.Name == "main" {
			hooks = append(hooks,
				&ast.ExprStmt{X: instr.hook(instr.config.InitializeFunc)},
				&ast.DeferStmt{Call: instr.hook(instr.config.FinalizeFunc)},
			)
		}
		if name := TimerName(f.Name.Name, fn); !instr.config.NoTimers && !instr.excluded(name) {
			hooks = append(hooks, instr.timer(name))
		}
		if len(hooks) != 0 {
			fn.Body.List = append(hooks, fn.Body.List...)
			instr.instrumented = true
		}
	}

	// Only add imports if instrumentation was actually added
	if instr.instrumented {
		instr.anyInstrumented = true
		astutil.AddNamedImport(fset, f, instr.config.RuntimeAlias, instr.config.BaseRuntimeAddress)
	}
}

// WriteInstrumented formats the instrumented AST as Go source
func WriteInstrumented(w io.Writer, fset *token.FileSet, f *ast.File) error {
	return format.Node(w, fset, f)
}

// TimerName is the name a function is timed under, following the
// runtime's function naming, e.g. "main.main" or "pkg.(*T).Method".
func TimerName(pkg string, fn *ast.FuncDecl) string {
	if fn.Recv == nil || len(fn.Recv.List) == 0 {
		return pkg + "." + fn.Name.Name
	}
	return pkg + "." + receiverName(fn.Recv.List[0].Type) + "." + fn.Name.Name
}

func receiverName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return "(*" + receiverName(t.X) + ")"
	case *ast.ParenExpr:
		return receiverName(t.X)
	case *ast.IndexExpr:
		return receiverName(t.X)
	case *ast.IndexListExpr:
		return receiverName(t.X)
	case *ast.Ident:
		return t.Name
	}
	return "?"
}

func (instr *Instrumenter) excluded(name string) bool {
	for _, pattern := range instr.config.Exclude {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func (instr *Instrumenter) selector(name string) *ast.SelectorExpr {
	return &ast.SelectorExpr{
		X:   &ast.Ident{Name: instr.config.RuntimeAlias},
		Sel: &ast.Ident{Name: name},
	}
}

func (instr *Instrumenter) hook(name string, args ...ast.Expr) *ast.CallExpr {
	return &ast.CallExpr{Fun: instr.selector(name), Args: args}
}

// timer builds: defer rt.Exit(rt.Enter("name"))
func (instr *Instrumenter) timer(name string) ast.Stmt {
	return &ast.DeferStmt{
		Call: instr.hook(instr.config.ExitFunc,
			instr.hook(instr.config.EnterFunc, &ast.BasicLit{
				Kind:  token.STRING,
				Value: fmt.Sprintf("%q", name),
			}),
		),
	}
}

// hasHooks reports whether body already starts with the hooks this
// instrumenter inserts, making instrumentation idempotent.
func (instr *Instrumenter) hasHooks(body *ast.BlockStmt) bool {
	if len(body.List) == 0 {
		return false
	}
	var call *ast.CallExpr
	switch s := body.List[0].(type) {
	case *ast.ExprStmt:
		call, _ = s.X.(*ast.CallExpr)
	case *ast.DeferStmt:
		call = s.Call
	}
	if call == nil {
		return false
	}
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok {
		return false
	}
	x, ok := sel.X.(*ast.Ident)
	return ok && x.Name == instr.config.RuntimeAlias
}

// capturable reports whether the function operand of a go statement must
// be evaluated before spawning. Identifiers and selectors are left in
// place, as they may name builtins or generic functions, which cannot be
// assigned without instantiation.
func capturable(fun ast.Expr) bool {
	switch fun.(type) {
	case *ast.Ident, *ast.SelectorExpr, *ast.FuncLit:
		return false
	}
	return true
}

func (instr *Instrumenter) instrumentGoStmt(c *astutil.Cursor, stmt *ast.GoStmt) {
	// Transform: go f(expr1, expr2, ...)
	// Into: {
	//   p0 := expr1
	//   p1 := expr2
	//   rt.Spawn(func() {
	//     f(p0, p1, ...)
	//   })
	// }
	// so the arguments are still evaluated by the spawning goroutine.

	instr.instrumented = true

	callExpr := stmt.Call

	var blockStmts []ast.Stmt
	define := func(name string, value ast.Expr) *ast.Ident {
		ident := &ast.Ident{Name: name}
		blockStmts = append(blockStmts, &ast.AssignStmt{
			Lhs: []ast.Expr{ident},
			Tok: token.DEFINE,
			Rhs: []ast.Expr{value},
		})
		return &ast.Ident{Name: name}
	}

	fun := callExpr.Fun
	if capturable(fun) {
		fun = define("__chronoscope_fn", fun)
	}

	args := make([]ast.Expr, len(callExpr.Args))
	for i, arg := range callExpr.Args {
		args[i] = define(fmt.Sprintf("__chronoscope_p%d", i), arg)
	}

	wrappedCall := &ast.CallExpr{
		Fun:  fun,
		Args: args,
	}
	if callExpr.Ellipsis.IsValid() {
		// any valid position makes the printer emit "..."
		wrappedCall.Ellipsis = callExpr.Ellipsis
	}

	funcLit := &ast.FuncLit{
		Type: &ast.FuncType{Params: &ast.FieldList{}},
		Body: &ast.BlockStmt{
			List: []ast.Stmt{&ast.ExprStmt{X: wrappedCall}},
		},
	}

	blockStmts = append(blockStmts, &ast.ExprStmt{X: instr.hook(instr.config.SpawnFunc, funcLit)})

	c.Replace(&ast.BlockStmt{List: blockStmts})
}
