/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package domain describes the independent analysis concerns a review fans
// out to: which files each one looks at and how it prompts the model.
package domain

import (
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Domain is one analysis concern.
type Domain struct {
	// Name identifies the domain in sessions and message topics.
	Name string `yaml:"name"`
	// Title is the human readable heading used in reports.
	Title string `yaml:"title"`
	// Extensions lists the file suffixes (with leading dot) the domain reviews.
	Extensions []string `yaml:"extensions"`
	// Prompt is the per-file template. Bindings: {{repo}}, {{pr_number}},
	// {{head_sha}}, {{file_path}}, {{content}}.
	Prompt string `yaml:"prompt"`
}

// Vars are the values bound into a domain prompt.
type Vars struct {
	Repo     string
	PRNumber int
	HeadSHA  string
	FilePath string
	Content  string
}

func (v Vars) bindings() map[string]string {
	return map[string]string{
		"repo":      v.Repo,
		"pr_number": strconv.Itoa(v.PRNumber),
		"head_sha":  v.HeadSHA,
		"file_path": v.FilePath,
		"content":   v.Content,
	}
}

// bindingPattern matches a {{name}} placeholder, allowing inner spaces.
var bindingPattern = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// Matches reports whether the domain reviews file p.
func (d Domain) Matches(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	return ext != "" && slices.Contains(d.Extensions, ext)
}

// NoFilesMessage is the feedback of the sentinel result recorded when no
// changed file matches the domain.
func (d Domain) NoFilesMessage() string {
	return fmt.Sprintf("No relevant files (%s) were changed.", strings.Join(d.Extensions, ", "))
}

// Render binds v into the domain's prompt. Bound values are inserted as-is,
// so file content that looks like a binding is left alone.
func (d Domain) Render(v Vars) (string, error) {
	values := v.bindings()
	var b strings.Builder
	last := 0
	for _, m := range bindingPattern.FindAllStringSubmatchIndex(d.Prompt, -1) {
		if err := checkLiteral(d.Prompt[last:m[0]]); err != nil {
			return "", err
		}
		name := d.Prompt[m[2]:m[3]]
		value, ok := values[name]
		if !ok {
			return "", fmt.Errorf("unknown binding %q", name)
		}
		b.WriteString(d.Prompt[last:m[0]])
		b.WriteString(value)
		last = m[1]
	}
	if err := checkLiteral(d.Prompt[last:]); err != nil {
		return "", err
	}
	b.WriteString(d.Prompt[last:])
	return b.String(), nil
}

func checkLiteral(text string) error {
	if strings.Contains(text, "{{") {
		return errors.New("unclosed binding: missing '}}'")
	}
	return nil
}

// Heading returns Title, or Name when no title is set.
func (d Domain) Heading() string {
	if d.Title != "" {
		return d.Title
	}
	return d.Name
}

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// Validate checks that the domain can be dispatched and rendered.
func (d Domain) Validate() error {
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("domain name %q must match %s", d.Name, namePattern)
	}
	if len(d.Extensions) == 0 {
		return fmt.Errorf("domain %q lists no extensions", d.Name)
	}
	for _, ext := range d.Extensions {
		if !strings.HasPrefix(ext, ".") || ext != strings.ToLower(ext) {
			return fmt.Errorf("domain %q: extension %q must be lower case with a leading dot", d.Name, ext)
		}
	}
	if strings.TrimSpace(d.Prompt) == "" {
		return fmt.Errorf("domain %q has an empty prompt", d.Name)
	}
	if _, err := d.Render(Vars{}); err != nil {
		return fmt.Errorf("domain %q prompt: %w", d.Name, err)
	}
	return nil
}

// Catalog is the ordered set of domains a review dispatches to.
type Catalog []Domain

// Names returns the domain names in catalog order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for _, d := range c {
		names = append(names, d.Name)
	}
	return names
}

// Lookup finds a domain by name.
func (c Catalog) Lookup(name string) (Domain, bool) {
	for _, d := range c {
		if d.Name == name {
			return d, true
		}
	}
	return Domain{}, false
}

// Validate checks every domain and rejects duplicates.
func (c Catalog) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("catalog has no domains")
	}
	seen := make(map[string]bool, len(c))
	for _, d := range c {
		if err := d.Validate(); err != nil {
			return err
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate domain %q", d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}

type catalogFile struct {
	Domains []Domain `yaml:"domains"`
}

// Parse decodes a YAML catalog of the form:
//
//	domains:
//	- name: quality
//	  title: Code Quality
//	  extensions: [.go, .py]
//	  prompt: |
//	    Review {{file_path}} ...
func Parse(data []byte) (Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing domain catalog: %w", err)
	}
	c := Catalog(f.Domains)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads a YAML catalog from path. An empty path returns Default().
func Load(path string) (Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading domain catalog: %w", err)
	}
	return Parse(data)
}
