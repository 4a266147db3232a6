package report

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const ImageExt = ".jpg"

// Input is one image to process. Name is unique within a scan and is used for output
// files and CSV rows.
type Input struct {
	Path string
	Name string
}

// Scan expands inputs into images. Files and missing paths are kept as given and named
// by their base name; directories are walked recursively for *.jpg files (extension
// matched case-insensitively) named by their path relative to the directory.
func Scan(inputs []string) ([]Input, error) {
	var found []Input
	for _, in := range inputs {
		info, err := os.Stat(in)
		if errors.Is(err, fs.ErrNotExist) {
			// kept so the pipeline reports it against this input
			found = append(found, Input{Path: in, Name: filepath.Base(in)})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", in, err)
		}
		if !info.IsDir() {
			found = append(found, Input{Path: in, Name: filepath.Base(in)})
			continue
		}
		var walked []Input
		err = filepath.WalkDir(in, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ImageExt) {
				return nil
			}
			rel, err := filepath.Rel(in, path)
			if err != nil {
				return err
			}
			walked = append(walked, Input{Path: path, Name: filepath.ToSlash(rel)})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", in, err)
		}
		sort.Slice(walked, func(i, j int) bool { return walked[i].Path < walked[j].Path })
		found = append(found, walked...)
	}
	uniqueNames(found)
	return found, nil
}

// Paths returns the input paths in order.
func Paths(inputs []Input) []string {
	paths := make([]string, len(inputs))
	for i, in := range inputs {
		paths[i] = in.Path
	}
	return paths
}

// uniqueNames suffixes repeated names with ~2, ~3, ... before the extension.
func uniqueNames(inputs []Input) {
	seen := make(map[string]bool, len(inputs))
	for i := range inputs {
		name := inputs[i].Name
		ext := filepath.Ext(name)
		stem := strings.TrimSuffix(name, ext)
		for n := 2; seen[strings.ToLower(name)]; n++ {
			name = fmt.Sprintf("%s~%d%s", stem, n, ext)
		}
		seen[strings.ToLower(name)] = true
		inputs[i].Name = name
	}
}
