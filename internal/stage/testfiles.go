package stage

import (
	"io/fs"
	"path/filepath"
	"strings"
)

// skipDirs are never searched for tests.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
	"venv":         true,
	"dist":         true,
	"build":        true,
}

var testSuffixes = []string{
	"_test.go",
	"_test.py",
	".test.js", ".test.jsx", ".test.ts", ".test.tsx",
	".spec.js", ".spec.jsx", ".spec.ts", ".spec.tsx",
}

// IsTestFile reports whether name looks like a test source file.
func IsTestFile(name string) bool {
	base := strings.ToLower(filepath.Base(name))
	if strings.HasPrefix(base, "test_") && strings.HasSuffix(base, ".py") {
		return true
	}
	for _, suffix := range testSuffixes {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	return false
}

// HasTestFiles reports whether any test file exists under dir. An empty or
// unreadable dir has none.
func HasTestFiles(dir string) bool {
	if dir == "" {
		return false
	}
	found := false
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if IsTestFile(d.Name()) {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}
