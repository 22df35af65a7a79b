package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// LibraryNames 各平台 onnxruntime 动态库文件名
func LibraryNames() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{"onnxruntime.dll"}
	case "darwin":
		return []string{"libonnxruntime.dylib"}
	default:
		return []string{"libonnxruntime.so"}
	}
}

// SearchDirs lists the directories probed for the onnxruntime library:
// the executable dir, the working dir, and their src/ and .dist/ children.
func SearchDirs() []string {
	var bases []string
	if exePath, err := os.Executable(); err == nil {
		bases = append(bases, filepath.Dir(exePath))
	}
	if cwd, err := os.Getwd(); err == nil {
		bases = append(bases, cwd)
	}
	var dirs []string
	seen := map[string]bool{}
	for _, b := range bases {
		for _, d := range []string{b, filepath.Join(b, "src"), filepath.Join(b, ".dist"), filepath.Join(b, ".dist", "src")} {
			if !seen[d] {
				seen[d] = true
				dirs = append(dirs, d)
			}
		}
	}
	return dirs
}

// FindLibrary returns preferred when it exists, otherwise the first library
// found in dirs. Versioned sonames such as libonnxruntime.so.1.20.0 match too.
func FindLibrary(preferred string, dirs []string) (string, error) {
	if preferred != "" {
		if fileExists(preferred) {
			return preferred, nil
		}
		return "", fmt.Errorf("onnxruntime library %q not found", preferred)
	}
	names := LibraryNames()
	for _, d := range dirs {
		for _, name := range names {
			if p := filepath.Join(d, name); fileExists(p) {
				return p, nil
			}
			if m := globFirst(d, name+".*"); m != "" {
				return m, nil
			}
		}
	}
	return "", fmt.Errorf("onnxruntime library (%s) not found, tried:\n  - %s",
		strings.Join(names, ", "), strings.Join(dirs, "\n  - "))
}

func globFirst(dir, pat string) string {
	if dir == "" {
		return ""
	}
	ms, err := filepath.Glob(filepath.Join(dir, pat))
	if err != nil || len(ms) == 0 {
		return ""
	}
	return ms[0]
}
