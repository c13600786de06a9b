package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/pmassist/internal/ratelimit"
)

// includeKey names the directive that pulls other files in underneath the
// current one. Included files are merged first, so the including file wins.
const includeKey = "$include"

var errMultiDoc = errors.New("expected a single document")

// LoadRaw reads path and every file it includes into one merged map.
// ${VAR} references are expanded before parsing.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	l := &rawLoader{active: map[string]struct{}{}}
	return l.load(path)
}

// rawLoader tracks the include chain currently being read.
type rawLoader struct {
	active map[string]struct{}
}

func (l *rawLoader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, ok := l.active[abs]; ok {
		return nil, fmt.Errorf("config include cycle at %s", abs)
	}
	l.active[abs] = struct{}{}
	defer delete(l.active, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	doc, err := parseRawBytes([]byte(os.ExpandEnv(string(data))), abs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	includes, err := popIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	out := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		deepMerge(out, sub)
	}
	deepMerge(out, doc)
	return out, nil
}

// parseRawBytes decodes a YAML document, or JSON5 when the path ends in
// .json or .json5.
func parseRawBytes(data []byte, pathHint string) (map[string]any, error) {
	doc := map[string]any{}
	switch strings.ToLower(filepath.Ext(pathHint)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		if err := decodeSingleYAML(data, &doc, false); err != nil {
			return nil, err
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// popIncludes removes the include directive from doc and returns its paths.
func popIncludes(doc map[string]any) ([]string, error) {
	value, ok := doc[includeKey]
	if !ok {
		return nil, nil
	}
	delete(doc, includeKey)

	var paths []string
	switch v := value.(type) {
	case nil:
	case string:
		paths = append(paths, v)
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings", includeKey)
			}
			paths = append(paths, s)
		}
	default:
		return nil, fmt.Errorf("%s must be a string or a list of strings", includeKey)
	}

	kept := paths[:0]
	for _, p := range paths {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return kept, nil
}

// deepMerge copies src into dst, merging nested maps key by key.
func deepMerge(dst, src map[string]any) {
	for key, value := range src {
		child, isMap := value.(map[string]any)
		existing, hasMap := dst[key].(map[string]any)
		if isMap && hasMap {
			deepMerge(existing, child)
			continue
		}
		dst[key] = value
	}
}

func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	// Booleans that default to true are seeded before decoding.
	cfg := &Config{RateLimit: ratelimit.DefaultConfig()}
	if err := decodeSingleYAML(payload, cfg, true); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func decodeSingleYAML(data []byte, out any, strict bool) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(strict)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errMultiDoc
	}
	return nil
}
