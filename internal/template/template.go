// Package template implements the job-graph template engine: manifest and
// graph loading, template selection, and the build pipeline (defaults,
// worker-tier clamping, placeholder substitution, adapter splicing).
package template

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/rodan32/imgen-orchestrator/internal/domain"
)

// defaultCheckpoints gives each model family a fallback checkpoint when a
// request doesn't name one, mirroring the original engine's hardcoded
// table.
var defaultCheckpoints = map[string]string{
	"sd15":        "v1-5-pruned-emaonly.safetensors",
	"sdxl":        "sd_xl_base_1.0.safetensors",
	"pony":        "sd_xl_base_1.0.safetensors",
	"illustrious": "sd_xl_base_1.0.safetensors",
	"flux":        "flux1-dev-fp8.safetensors",
}

// Engine holds every loaded template, immutable after Load returns.
type Engine struct {
	templates map[string]domain.JobGraphTemplate
	order     []string // manifest order, for the "any" fallback's stable iteration
}

type manifestDocument struct {
	Templates []manifestEntry `yaml:"templates"`
}

type manifestEntry struct {
	Name            string         `yaml:"name"`
	Description     string         `yaml:"description"`
	ModelFamilies   []string       `yaml:"model_families"`
	SupportsImg2Img bool           `yaml:"supports_img2img"`
	SupportsLoRA    bool           `yaml:"supports_lora"`
	DefaultParams   map[string]any `yaml:"default_params"`
}

// wireGraphNode mirrors a graph file's node entry on the wire: a typed
// operation with named inputs, each either a literal or a [node, output]
// link (decoded as []any of length 2).
type wireGraphNode struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// Load parses the manifest and every referenced graph file from dir.
// Entries whose graph file is missing are skipped with a log line, not a
// fatal error — mirroring the reference engine's tolerant loader.
func Load(dir string) (*Engine, error) {
	manifestPath := filepath.Join(dir, "manifest.yaml")
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("template: read manifest: %w", err)
	}
	var doc manifestDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("template: parse manifest: %w", err)
	}

	e := &Engine{templates: make(map[string]domain.JobGraphTemplate, len(doc.Templates))}
	for _, entry := range doc.Templates {
		graphPath := filepath.Join(dir, entry.Name+".json")
		graphRaw, err := os.ReadFile(graphPath)
		if err != nil {
			slog.Warn("template graph file missing, entry skipped", slog.String("template", entry.Name), slog.Any("error", err))
			continue
		}
		var wire map[string]wireGraphNode
		if err := json.Unmarshal(graphRaw, &wire); err != nil {
			return nil, fmt.Errorf("template: parse graph %s: %w", entry.Name, err)
		}
		graph := make(domain.Graph, len(wire))
		for id, node := range wire {
			graph[id] = &domain.GraphNode{ClassType: node.ClassType, Inputs: node.Inputs}
		}
		e.templates[entry.Name] = domain.JobGraphTemplate{
			Name:            entry.Name,
			Description:     entry.Description,
			ModelFamilies:   entry.ModelFamilies,
			SupportsImg2Img: entry.SupportsImg2Img,
			SupportsLoRA:    entry.SupportsLoRA,
			DefaultParams:   entry.DefaultParams,
			Graph:           graph,
		}
		e.order = append(e.order, entry.Name)
	}
	return e, nil
}

// familyPrefix maps a model family to its template-name prefix.
func familyPrefix(family string) string {
	switch family {
	case "flux":
		return "flux"
	case "sd15":
		return "sd15"
	default:
		return "sdxl"
	}
}

// Select deterministically picks a template name for the given request
// shape. Fails with domain.ErrNoTemplate if nothing matches.
func (e *Engine) Select(family string, isSeedImage, hasAdapters bool) (string, error) {
	prefix := familyPrefix(family)

	if hasAdapters {
		if name := prefix + "_with_lora"; e.has(name) {
			return name, nil
		}
	}
	if isSeedImage {
		if name := prefix + "_img2img"; e.has(name) {
			return name, nil
		}
	}
	if name := prefix + "_txt2img"; e.has(name) {
		return name, nil
	}
	for _, name := range e.order {
		t := e.templates[name]
		for _, f := range t.ModelFamilies {
			if f == family || f == "any" {
				return name, nil
			}
		}
	}
	return "", fmt.Errorf("%w: no template for family %q", domain.ErrNoTemplate, family)
}

func (e *Engine) has(name string) bool {
	_, ok := e.templates[name]
	return ok
}

// Lookup returns the named template. The zero value is returned if name
// isn't loaded; callers only pass names already validated by Select.
func (e *Engine) Lookup(name string) domain.JobGraphTemplate {
	return e.templates[name]
}

// BuildParams is the per-request parameterization passed to Build.
type BuildParams struct {
	ModelFamily          string
	Prompt               string
	NegativePrompt       string
	Checkpoint           string
	Width                int
	Height               int
	Steps                int
	CFGScale             float64
	Sampler              string
	Scheduler            string
	DenoiseStrength      float64
	Seed                 int64
	FilenamePrefix       string
	SourceImageFilename  string
	Adapters             []domain.AdapterSpec
}

var placeholderFull = regexp.MustCompile(`^\{\{(\w+)\}\}$`)
var placeholderAny = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Build deep-copies the named template and produces a concrete job graph
// for submission: default resolution, worker-tier clamping, placeholder
// substitution, and (if adapters is non-empty) adapter splicing.
func Build(t domain.JobGraphTemplate, p BuildParams, worker domain.WorkerNode) (domain.Graph, error) {
	graph := deepCopyGraph(t.Graph)

	checkpoint := p.Checkpoint
	if checkpoint == "" {
		family := p.ModelFamily
		if family == "" {
			family = "sdxl"
		}
		checkpoint = defaultCheckpoints[family]
		if checkpoint == "" {
			checkpoint = defaultCheckpoints["sdxl"]
		}
	}

	seed := p.Seed
	if seed == -1 {
		seed = int64(rand.Uint32()) //nolint:gosec // seed diversity, not security
	}

	width, height, steps := p.Width, p.Height, p.Steps
	if worker.Tier == domain.TierDraft {
		if steps > 12 {
			steps = 12
		}
		if width > 512 {
			width = 512
		}
		if height > 512 {
			height = 512
		}
	}

	values := map[string]any{
		"prompt":              p.Prompt,
		"negative_prompt":     p.NegativePrompt,
		"checkpoint":          checkpoint,
		"width":               width,
		"height":              height,
		"steps":               steps,
		"cfg_scale":           p.CFGScale,
		"sampler":             p.Sampler,
		"scheduler":           p.Scheduler,
		"denoise_strength":    p.DenoiseStrength,
		"seed":                seed,
		"filename_prefix":     p.FilenamePrefix,
	}
	if p.SourceImageFilename != "" {
		values["source_image_filename"] = p.SourceImageFilename
	}

	for _, node := range graph {
		substituteNode(node, values)
	}

	if len(p.Adapters) > 0 {
		if findBaseLoader(graph) == "" {
			slog.Warn("template has no base loader, adapters not spliced", slog.String("template", t.Name))
		}
		spliceAdapters(graph, p.Adapters)
	}

	return graph, nil
}

func substituteNode(node *domain.GraphNode, values map[string]any) {
	for key, val := range node.Inputs {
		node.Inputs[key] = substituteValue(val, values)
	}
}

func substituteValue(v any, values map[string]any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if m := placeholderFull.FindStringSubmatch(s); m != nil {
		if val, ok := values[m[1]]; ok {
			return val
		}
		return s
	}
	return placeholderAny.ReplaceAllStringFunc(s, func(match string) string {
		key := placeholderAny.FindStringSubmatch(match)[1]
		if val, ok := values[key]; ok {
			return fmt.Sprintf("%v", val)
		}
		return match
	})
}

func deepCopyGraph(src domain.Graph) domain.Graph {
	out := make(domain.Graph, len(src))
	for id, node := range src {
		inputs := make(map[string]any, len(node.Inputs))
		for k, v := range node.Inputs {
			inputs[k] = deepCopyValue(v)
		}
		out[id] = &domain.GraphNode{ClassType: node.ClassType, Inputs: inputs}
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

// baseLoaderClassTypes identifies the node type(s) that load the base
// checkpoint, analogous to ComfyUI's CheckpointLoaderSimple family.
var baseLoaderClassTypes = map[string]struct{}{
	"CheckpointLoaderSimple": {},
	"CheckpointLoader":       {},
}

// spliceAdapters performs adapter splicing per §4.C step 5: locate the
// base loader, enumerate every downstream consumer of its model/clip
// outputs, build the adapter chain, then rewrite every original consumer
// in one batch. If no base loader is present, this is a no-op (Build logs
// a warning first, per the "log and skip" open-question decision).
func spliceAdapters(graph domain.Graph, adapters []domain.AdapterSpec) {
	baseID := findBaseLoader(graph)
	if baseID == "" {
		return
	}

	type consumer struct {
		nodeID, inputKey string
	}
	var modelConsumers, clipConsumers []consumer
	for id, node := range graph {
		for key, val := range node.Inputs {
			link, ok := val.([]any)
			if !ok || len(link) != 2 {
				continue
			}
			srcID, _ := link[0].(string)
			if srcID != baseID {
				continue
			}
			switch outputIndex(link[1]) {
			case 0:
				modelConsumers = append(modelConsumers, consumer{id, key})
			case 1:
				clipConsumers = append(clipConsumers, consumer{id, key})
			}
		}
	}

	nextID := maxNumericID(graph) + 1
	if nextID < 100 {
		nextID = 100
	}
	modelSource := []any{baseID, 0}
	clipSource := []any{baseID, 1}

	for _, a := range adapters {
		id := strconv.Itoa(nextID)
		nextID++
		graph[id] = &domain.GraphNode{
			ClassType: "LoraLoader",
			Inputs: map[string]any{
				"lora_name":      a.Name,
				"strength_model": a.ModelStrength,
				"strength_clip":  a.ClipStrength,
				"model":          modelSource,
				"clip":           clipSource,
			},
		}
		modelSource = []any{id, 0}
		clipSource = []any{id, 1}
	}

	for _, c := range modelConsumers {
		graph[c.nodeID].Inputs[c.inputKey] = modelSource
	}
	for _, c := range clipConsumers {
		graph[c.nodeID].Inputs[c.inputKey] = clipSource
	}
}

func findBaseLoader(graph domain.Graph) string {
	for id, node := range graph {
		if _, ok := baseLoaderClassTypes[node.ClassType]; ok {
			return id
		}
	}
	return ""
}

func maxNumericID(graph domain.Graph) int {
	max := 0
	for id := range graph {
		if n, err := strconv.Atoi(id); err == nil && n > max {
			max = n
		}
	}
	return max
}

func outputIndex(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return -1
	}
}
