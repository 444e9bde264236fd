package skills

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/tidwall/jsonc"
	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/parser"
	"gopkg.in/yaml.v3"
)

const legacyFileName = "SKILL.md"

// bundleFileNames are the structured documents recognised inside a skill
// directory, in precedence order.
var bundleFileNames = []string{"skill.yaml", "skill.yml", "skill.jsonc", "skill.json"}

// singleDocSuffixes mark standalone structured skill documents.
var singleDocSuffixes = []string{".skill.yaml", ".skill.yml", ".skill.jsonc", ".skill.json"}

// Discovery loads skill definitions from configured directory trees.
type Discovery struct {
	skillDirs []string
}

// Option is a function that configures a Discovery
type Option func(*Discovery) error

// WithSkillDirs sets custom skill directories, highest precedence first.
func WithSkillDirs(dirs ...string) Option {
	return func(d *Discovery) error {
		d.skillDirs = dirs
		return nil
	}
}

// WithDefaultDirs initializes with default skill directories
func WithDefaultDirs() Option {
	return func(d *Discovery) error {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return errors.Wrap(err, "failed to get user home directory")
		}
		d.skillDirs = []string{
			"./.autoskill/skills",                          // Repo-local (highest precedence)
			filepath.Join(homeDir, ".autoskill", "skills"), // User-global
		}
		return nil
	}
}

// NewDiscovery creates a new skill discovery instance
func NewDiscovery(opts ...Option) (*Discovery, error) {
	d := &Discovery{}

	if len(opts) == 0 {
		if err := WithDefaultDirs()(d); err != nil {
			return nil, err
		}
	} else {
		for _, opt := range opts {
			if err := opt(d); err != nil {
				return nil, err
			}
		}
	}

	return d, nil
}

// Dirs returns the configured directories.
func (d *Discovery) Dirs() []string {
	return append([]string(nil), d.skillDirs...)
}

// LoadResult is the outcome of a discovery pass.
type LoadResult struct {
	Skills map[string]*Definition
	// Skipped aggregates every document that failed to parse or validate.
	Skipped *multierror.Error
}

// SkippedCount returns the number of documents that were skipped.
func (r *LoadResult) SkippedCount() int {
	if r.Skipped == nil {
		return 0
	}
	return len(r.Skipped.Errors)
}

// DiscoverSkills walks every configured directory and parses what is there.
// Missing directories are ignored and malformed documents are skipped and
// reported in the result. An error is returned only when a configured path
// exists but cannot be walked as a directory.
func (d *Discovery) DiscoverSkills() (*LoadResult, error) {
	result := &LoadResult{Skills: make(map[string]*Definition)}

	for _, dir := range d.skillDirs {
		info, err := os.Stat(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrapf(err, "failed to stat skill directory %s", dir)
		}
		if !info.IsDir() {
			return nil, errors.Errorf("skill path %s is not a directory", dir)
		}
		if err := d.discoverSkillsFromDir(dir, result); err != nil {
			return nil, err
		}
	}

	return result, nil
}

func (d *Discovery) discoverSkillsFromDir(root string, result *LoadResult) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return errors.Wrapf(err, "failed to read skill directory %s", root)
			}
			result.Skipped = multierror.Append(result.Skipped, errors.Wrapf(err, "failed to read %s", path))
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if entry.IsDir() {
			if path != root && strings.HasPrefix(entry.Name(), ".") {
				return filepath.SkipDir
			}
			docPath, ok := bundleDocument(path)
			if !ok {
				return nil
			}
			d.add(docPath, result)
			// A bundle owns its directory; nested files are supporting material.
			return filepath.SkipDir
		}

		if isSingleDocument(entry.Name()) {
			d.add(path, result)
		}
		return nil
	})
}

func (d *Discovery) add(path string, result *LoadResult) {
	def, err := LoadFile(path)
	if err != nil {
		result.Skipped = multierror.Append(result.Skipped, errors.Wrapf(err, "skipping %s", path))
		return
	}
	if existing, exists := result.Skills[def.Name]; exists {
		result.Skipped = multierror.Append(result.Skipped,
			errors.Errorf("skipping %s: skill %q already defined by %s", path, def.Name, existing.Source))
		return
	}
	result.Skills[def.Name] = def
}

// bundleDocument returns the skill document inside dir, if dir is a bundle.
func bundleDocument(dir string) (string, bool) {
	for _, name := range append(bundleFileNames, legacyFileName) {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

func isSingleDocument(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range singleDocSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// LoadFile parses and validates a single skill document of any supported format.
func LoadFile(path string) (*Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read skill file")
	}

	var def *Definition
	switch {
	case filepath.Base(path) == legacyFileName:
		def, err = parseLegacy(content, filepath.Base(filepath.Dir(path)))
	case strings.HasSuffix(path, ".json"), strings.HasSuffix(path, ".jsonc"):
		def, err = ParseJSON(content)
	default:
		def, err = ParseYAML(content)
	}
	if err != nil {
		return nil, err
	}

	def.Source = path
	if err := Validate(def); err != nil {
		return nil, errors.Wrap(err, "invalid skill definition")
	}
	return def, nil
}

// ParseYAML decodes a structured YAML skill document.
func ParseYAML(content []byte) (*Definition, error) {
	def := NewDefinition()
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err := decoder.Decode(def); err != nil {
		return nil, errors.Wrap(err, "failed to parse skill yaml")
	}
	normalizeInputs(def.Process.Steps)
	return def, nil
}

// ParseJSON decodes a structured JSON or JSONC skill document.
func ParseJSON(content []byte) (*Definition, error) {
	def := NewDefinition()
	decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(content)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(def); err != nil {
		return nil, errors.Wrap(err, "failed to parse skill json")
	}
	return def, nil
}

// MarshalYAML renders a definition as a structured YAML document.
func MarshalYAML(def *Definition) ([]byte, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(def); err != nil {
		return nil, errors.Wrap(err, "failed to encode skill yaml")
	}
	if err := encoder.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to encode skill yaml")
	}
	return buf.Bytes(), nil
}

// normalizeInputs converts yaml.v3's map[string]interface{} nesting into
// plain map[string]any so templates and CEL see uniform types.
func normalizeInputs(steps []Step) {
	for i := range steps {
		for k, v := range steps[i].Inputs {
			steps[i].Inputs[k] = normalizeValue(v)
		}
		normalizeInputs(steps[i].Then)
		normalizeInputs(steps[i].Else)
	}
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, inner := range val {
			val[k] = normalizeValue(inner)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[fmt.Sprint(k)] = normalizeValue(inner)
		}
		return out
	case []any:
		for i, inner := range val {
			val[i] = normalizeValue(inner)
		}
		return val
	default:
		return v
	}
}

// legacyMetadata is the frontmatter of a legacy SKILL.md document.
type legacyMetadata struct {
	Name        string
	Description string
	Version     string
	Trigger     string
	Pillar      string
	Tier        *int
	Tools       []string
}

// parseLegacy reads a free-text skill with a YAML header. It is permissive:
// name, description and trigger are synthesised when absent.
func parseLegacy(content []byte, dirName string) (*Definition, error) {
	md := goldmark.New(
		goldmark.WithExtensions(meta.Meta),
	)

	var buf bytes.Buffer
	pctx := parser.NewContext()

	if err := md.Convert(content, &buf, parser.WithContext(pctx)); err != nil {
		return nil, errors.Wrap(err, "failed to parse markdown")
	}

	metaData := meta.Get(pctx)
	if metaData == nil {
		return nil, errors.New("missing frontmatter")
	}

	header := legacyMetadata{}
	header.Name, _ = metaData["name"].(string)
	header.Description, _ = metaData["description"].(string)
	header.Version, _ = metaData["version"].(string)
	header.Trigger, _ = metaData["trigger"].(string)
	header.Pillar, _ = metaData["pillar"].(string)
	if tier, ok := metaData["tier"].(int); ok {
		header.Tier = &tier
	}
	if tools, ok := metaData["tools"].([]interface{}); ok {
		for _, tool := range tools {
			if name, ok := tool.(string); ok && name != "" {
				header.Tools = append(header.Tools, name)
			}
		}
	}

	body := strings.TrimSpace(extractBodyContent(string(content)))

	def := NewDefinition()
	def.Provenance = ProvenanceLegacy
	def.Name = Kebab(header.Name)
	if def.Name == "" {
		def.Name = Kebab(dirName)
	}
	def.Description = header.Description
	if def.Description == "" {
		def.Description = firstLine(body)
	}
	if header.Version != "" {
		def.Version = header.Version
	}
	if header.Tier != nil {
		def.Tier = TierPtr(Tier(*header.Tier))
	}

	switch {
	case header.Trigger != "":
		def.Triggers = []Trigger{{Type: TriggerPhrase, Phrase: header.Trigger, Pillar: header.Pillar}}
	case def.Description != "":
		def.Triggers = []Trigger{{Type: TriggerIntent, Example: def.Description}}
	}
	if header.Pillar != "" {
		def.Metadata = map[string]string{"pillar": header.Pillar}
	}

	for i, tool := range header.Tools {
		def.Process.Steps = append(def.Process.Steps, Step{
			ID:     fmt.Sprintf("tool-%d", i+1),
			Tool:   tool,
			Inputs: map[string]any{"text": "{{context.text}}"},
		})
	}
	if body != "" {
		def.Process.Steps = append(def.Process.Steps, Step{
			ID:    "instructions",
			Agent: body,
			Inputs: map[string]any{
				"text":   "{{context.text}}",
				"inputs": "{{context.inputs}}",
			},
		})
	}

	return def, nil
}

// extractBodyContent removes YAML frontmatter and returns the body
func extractBodyContent(content string) string {
	if !strings.HasPrefix(content, "---") {
		return content
	}

	lines := strings.Split(content, "\n")
	frontmatterEnd := -1

	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			frontmatterEnd = i
			break
		}
	}

	if frontmatterEnd == -1 {
		return content
	}

	return strings.TrimLeft(strings.Join(lines[frontmatterEnd+1:], "\n"), "\n")
}

func firstLine(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line != "" {
			return line
		}
	}
	return ""
}
