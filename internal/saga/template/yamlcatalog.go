package template

import (
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/emberveil/sagalog/internal/platform/errors"
)

// YAMLCatalog serves templates loaded from YAML definition files.
type YAMLCatalog struct {
	templates map[string]Template
}

// LoadYAMLCatalog reads every .yaml/.yml file under the root of fsys, one
// template per file, validates each, and returns a catalog over the set.
func LoadYAMLCatalog(fsys fs.FS) (*YAMLCatalog, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read template dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			files = append(files, name)
		}
	}
	sort.Strings(files)

	catalog := &YAMLCatalog{templates: make(map[string]Template, len(files))}
	for _, file := range files {
		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", file, err)
		}

		var tmpl Template
		if err := yaml.Unmarshal(content, &tmpl); err != nil {
			return nil, apperrors.WrapWithMetadata(apperrors.CodeTemplateInvalid,
				"unmarshal template", map[string]string{"file": file}, err)
		}
		if err := tmpl.Validate(); err != nil {
			return nil, fmt.Errorf("template %s: %w", file, err)
		}
		if _, dup := catalog.templates[tmpl.Ref]; dup {
			return nil, apperrors.WithMetadata(apperrors.CodeTemplateInvalid,
				"duplicate template ref", map[string]string{"ref": tmpl.Ref, "file": file})
		}
		catalog.templates[tmpl.Ref] = tmpl
	}
	return catalog, nil
}

// Template resolves a template by ref.
func (c *YAMLCatalog) Template(ref string) (Template, error) {
	tmpl, ok := c.templates[ref]
	if !ok {
		return Template{}, NotFound(ref)
	}
	return tmpl, nil
}

// Refs returns the loaded template refs in stable order.
func (c *YAMLCatalog) Refs() []string {
	refs := make([]string, 0, len(c.templates))
	for ref := range c.templates {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
