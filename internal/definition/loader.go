// Package definition reads workflow definitions from YAML files and checks
// them before they reach the store.
package definition

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/soshogle/nexrel-crm-sub028/model"
)

// Loader reads workflow definition files. A file may hold several
// definitions as separate YAML documents.
type Loader struct{}

func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll walks each directory for .yaml and .yml files. Hidden files and
// directories are skipped. The same tenant and workflow id appearing in two
// places is an error, since seeding would otherwise depend on walk order.
func (l *Loader) LoadAll(directories []string) ([]model.WorkflowDefinition, error) {
	var (
		defs []model.WorkflowDefinition
		seen = map[[2]string]string{}
	)
	for _, dir := range directories {
		files, err := definitionFiles(dir)
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
		for _, path := range files {
			fileDefs, err := l.LoadFile(path)
			if err != nil {
				return nil, err
			}
			for _, def := range fileDefs {
				key := [2]string{def.TenantID, def.ID}
				if prev, dup := seen[key]; dup {
					return nil, fmt.Errorf("workflow %q for tenant %q defined in both %s and %s", def.ID, def.TenantID, prev, path)
				}
				seen[key] = path
				defs = append(defs, def)
			}
		}
	}
	return defs, nil
}

func definitionFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// LoadFile parses every definition in path and records the file on each.
func (l *Loader) LoadFile(path string) ([]model.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	defs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	for i := range defs {
		defs[i].SourceFile = path
	}
	return defs, nil
}

// Parse decodes a stream of YAML documents. Unknown keys are rejected so a
// misspelled step field fails loudly. A definition's checksum covers only
// its own document.
func Parse(data []byte) ([]model.WorkflowDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var defs []model.WorkflowDefinition
	for i := 1; ; i++ {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		if len(node.Content) == 0 {
			continue
		}

		canonical, err := yaml.Marshal(&node)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		strict := yaml.NewDecoder(bytes.NewReader(canonical))
		strict.KnownFields(true)
		var def model.WorkflowDefinition
		if err := strict.Decode(&def); err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		sum := sha256.Sum256(canonical)
		def.Checksum = hex.EncodeToString(sum[:])
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return nil, errors.New("no workflow definitions")
	}
	return defs, nil
}
