package submit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// WorkflowPathsKey names the descriptor entry listing workflow files and directories.
const WorkflowPathsKey = "workflowPaths"

var (
	ErrMissingWorkflowPaths = errors.New("missing the 'workflowPaths' key")
	ErrNoWorkflowFiles      = errors.New("no workflow files found")
	ErrNoScript             = errors.New("no workflow .sh script found")
	ErrManyScripts          = errors.New("more than one workflow .sh script found")

	commaSpace = regexp.MustCompile(`\s*,\s*`)
)

// Descriptor is a parsed RUNME file.
type Descriptor struct {
	Path          string
	WorkflowPaths []string
	Values        map[string]string
}

// ReadDescriptor loads the tab-separated key/value descriptor at path.
func ReadDescriptor(path string) (*Descriptor, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("properties")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read descriptor %s: %w", path, err)
	}

	d := &Descriptor{Path: path, Values: make(map[string]string)}
	for _, key := range v.AllKeys() {
		d.Values[key] = strings.TrimSpace(v.GetString(key))
	}

	raw := strings.TrimSpace(v.GetString(WorkflowPathsKey))
	if !v.IsSet(WorkflowPathsKey) || raw == "" {
		return nil, fmt.Errorf("%w in %s", ErrMissingWorkflowPaths, path)
	}
	for _, p := range commaSpace.Split(raw, -1) {
		if p != "" {
			d.WorkflowPaths = append(d.WorkflowPaths, p)
		}
	}
	return d, nil
}

// ResolveWorkflowFiles expands directories one level deep, skipping dot files and subdirectories.
// Every listed path must exist and the result must not be empty.
func ResolveWorkflowFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to find workflow path %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("failed to list workflow directory %s: %w", p, err)
		}
		var names []string
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			names = append(names, e.Name())
		}
		sort.Strings(names)
		for _, n := range names {
			files = append(files, filepath.Join(p, n))
		}
	}
	if len(files) == 0 {
		return nil, ErrNoWorkflowFiles
	}
	return files, nil
}

// FindScript returns the single .sh file among files.
func FindScript(files []string) (string, error) {
	var scripts []string
	for _, f := range files {
		if strings.HasSuffix(f, ".sh") {
			scripts = append(scripts, f)
		}
	}
	switch len(scripts) {
	case 0:
		return "", ErrNoScript
	case 1:
		return scripts[0], nil
	default:
		return "", fmt.Errorf("%w: %s", ErrManyScripts, strings.Join(scripts, ", "))
	}
}
