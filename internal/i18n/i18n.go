// Package i18n resolves the bot's user- and operator-facing strings from
// YAML catalogs, one language per top-level key, with dot-separated lookup
// keys and fallback to the default language.
package i18n

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultDir = "locales"

// Translator resolves localized strings.
type Translator interface {
	// T returns the string for a dot-separated key, falling back to the
	// default language and finally to the key itself.
	T(key string) string
	// Tf formats the resolved string with fmt.Sprintf.
	Tf(key string, args ...any) string
	Lang() string
}

// Manager holds all loaded catalogs.
type Manager struct {
	catalog     map[string]map[string]string
	defaultLang string
}

// Load reads catalogs from the default locales directory.
func Load(defaultLang string) (*Manager, error) {
	return LoadFromDir(defaultDir, defaultLang)
}

// LoadFromDir reads every YAML file in dir and merges them into per-language
// catalogs.
func LoadFromDir(dir, defaultLang string) (*Manager, error) {
	if defaultLang == "" {
		defaultLang = "en"
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("i18n: read dir %s: %w", dir, err)
	}

	catalog := make(map[string]map[string]string)
	loaded := 0
	for _, entry := range entries {
		name := strings.ToLower(entry.Name())
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}

		if err := mergeFile(filepath.Join(dir, entry.Name()), catalog); err != nil {
			return nil, err
		}
		loaded++
	}

	if loaded == 0 {
		return nil, fmt.Errorf("i18n: no yaml catalogs in %s", dir)
	}
	if _, ok := catalog[defaultLang]; !ok {
		return nil, fmt.Errorf("i18n: default language %q is missing", defaultLang)
	}

	return &Manager{catalog: catalog, defaultLang: defaultLang}, nil
}

// Translator returns a translator for the requested language, falling back
// to the default for unknown ones.
func (m *Manager) Translator(lang string) Translator {
	if m == nil {
		return translator{}
	}

	norm := strings.ToLower(strings.TrimSpace(lang))
	if norm == "" || m.catalog[norm] == nil {
		norm = m.defaultLang
	}

	return translator{
		lang:     norm,
		fallback: m.defaultLang,
		catalog:  m.catalog,
	}
}

// Languages lists the loaded language codes.
func (m *Manager) Languages() []string {
	if m == nil {
		return nil
	}

	langs := make([]string, 0, len(m.catalog))
	for lang := range m.catalog {
		langs = append(langs, lang)
	}

	return langs
}

type translator struct {
	lang     string
	fallback string
	catalog  map[string]map[string]string
}

func (t translator) Lang() string { return t.lang }

func (t translator) T(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}

	for _, lang := range []string{t.lang, t.fallback} {
		if entries := t.catalog[lang]; entries != nil {
			if value, ok := entries[key]; ok {
				return value
			}
		}
	}

	return key
}

func (t translator) Tf(key string, args ...any) string {
	return fmt.Sprintf(t.T(key), args...)
}

func mergeFile(path string, catalog map[string]map[string]string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("i18n: read file %s: %w", path, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("i18n: parse file %s: %w", path, err)
	}

	for lang, value := range raw {
		langKey := strings.ToLower(strings.TrimSpace(lang))
		tree, ok := value.(map[string]any)
		if langKey == "" || !ok {
			continue
		}

		if catalog[langKey] == nil {
			catalog[langKey] = make(map[string]string)
		}
		flatten("", tree, catalog[langKey])
	}

	return nil
}

func flatten(prefix string, in map[string]any, out map[string]string) {
	for key, value := range in {
		if key == "" {
			continue
		}

		full := key
		if prefix != "" {
			full = prefix + "." + key
		}

		switch v := value.(type) {
		case string:
			out[full] = v
		case map[string]any:
			flatten(full, v, out)
		}
	}
}
