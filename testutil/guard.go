// Package testutil holds test helpers that keep the package layering of the
// module intact: the domain package stays free of engine internals, and the
// stores and reminder planner never reach back into the service layer.
package testutil

import (
	"go/parser"
	"go/token"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// ModulePath is the import path prefix of this module.
const ModulePath = "shelflife"

// InternalImportForbidden matches any package under shelflife/internal.
func InternalImportForbidden(path string) bool {
	return strings.HasPrefix(path, ModulePath+"/internal/")
}

// CoreImportForbidden matches the service layer package.
func CoreImportForbidden(path string) bool {
	return path == ModulePath+"/internal/core"
}

// BackendImportForbidden matches the concrete database backends, which only
// the service layer's store factory may select.
func BackendImportForbidden(path string) bool {
	for _, driver := range []string{"sqlite", "postgres", "badger"} {
		if path == ModulePath+"/internal/infra/persistence/"+driver {
			return true
		}
	}
	return false
}

// AssertNoDirectImports fails t when a non-test Go file directly in dir
// imports a path matching forbidden. Subdirectories are not visited.
func AssertNoDirectImports(t testing.TB, dir string, forbidden func(importPath string) bool, reason string) {
	t.Helper()
	viols, err := ImportViolations(dir, forbidden)
	if err != nil {
		t.Fatalf("scan imports in %s: %v", dir, err)
	}
	reportViolations(t, "forbidden direct imports", reason, viols)
}

// AssertNoTransitiveDependency fails t when `go list -deps pattern` reports a
// package matching forbidden.
func AssertNoTransitiveDependency(t testing.TB, pattern string, forbidden func(path string) bool, reason string) {
	t.Helper()
	out, err := goListDeps(pattern)
	if err != nil {
		t.Fatalf("go list -deps %s: %v\n%s", pattern, err, out)
	}
	reportViolations(t, "forbidden transitive dependency", reason, matchingLines(string(out), forbidden))
}

// ImportViolations lists "import (in file)" for every forbidden import in the
// non-test Go files of dir, sorted.
func ImportViolations(dir string, forbidden func(importPath string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	var viols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		file, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range file.Imports {
			path := strings.Trim(imp.Path.Value, `"`)
			if forbidden(path) {
				viols = append(viols, path+" (in "+name+")")
			}
		}
	}
	sort.Strings(viols)
	return viols, nil
}

var goListDeps = func(pattern string) ([]byte, error) {
	return exec.Command("go", "list", "-deps", pattern).CombinedOutput()
}

func matchingLines(out string, forbidden func(string) bool) []string {
	var matches []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && forbidden(line) {
			matches = append(matches, line)
		}
	}
	return matches
}

type fatalf interface {
	Fatalf(format string, args ...any)
}

func reportViolations(t fatalf, kind, reason string, viols []string) {
	if len(viols) > 0 {
		t.Fatalf("%s detected (%s):\n%s", kind, reason, strings.Join(viols, "\n"))
	}
}
