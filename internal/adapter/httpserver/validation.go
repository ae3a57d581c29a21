package httpserver

import (
	"github.com/go-playground/validator/v10"

	"github.com/rodan32/imgen-orchestrator/internal/domain"
)

var validate = validator.New()

// generateRequest is the wire shape of POST /v1/generate.
type generateRequest struct {
	SessionID       string              `json:"session_id" validate:"required"`
	TaskType        domain.TaskType     `json:"task_type" validate:"required,oneof=draft standard quality upscale flux flux_quality"`
	ModelFamily     string              `json:"model_family"`
	Prompt          string              `json:"prompt" validate:"required"`
	NegativePrompt  string              `json:"negative_prompt"`
	Checkpoint      string              `json:"checkpoint"`
	Width           int                 `json:"width" validate:"omitempty,min=64,max=2048"`
	Height          int                 `json:"height" validate:"omitempty,min=64,max=2048"`
	Steps           int                 `json:"steps" validate:"omitempty,min=1,max=150"`
	CFGScale        float64             `json:"cfg_scale" validate:"omitempty,min=0,max=30"`
	Sampler         string              `json:"sampler"`
	Scheduler       string              `json:"scheduler"`
	DenoiseStrength float64             `json:"denoise_strength" validate:"omitempty,min=0,max=1"`
	Seed            int64               `json:"seed"`
	PreferredWorker string              `json:"preferred_worker"`
	SourceImageName string              `json:"source_image_filename"`
	Adapters        []adapterSpecWire   `json:"adapters" validate:"dive"`
}

type adapterSpecWire struct {
	Name          string  `json:"name" validate:"required"`
	ModelStrength float64 `json:"model_strength" validate:"omitempty,min=0,max=2"`
	ClipStrength  float64 `json:"clip_strength" validate:"omitempty,min=0,max=2"`
}

// batchGenerateRequest is the wire shape of POST /v1/generate/batch.
type batchGenerateRequest struct {
	SessionID       string          `json:"session_id" validate:"required"`
	TaskType        domain.TaskType `json:"task_type" validate:"required,oneof=draft standard quality upscale flux flux_quality"`
	ModelFamily     string          `json:"model_family"`
	Count           int             `json:"count" validate:"required,min=1,max=200"`
	Prompt          string          `json:"prompt" validate:"required"`
	NegativePrompt  string          `json:"negative_prompt"`
	Checkpoint      string          `json:"checkpoint"`
	Width           int             `json:"width" validate:"omitempty,min=64,max=2048"`
	Height          int             `json:"height" validate:"omitempty,min=64,max=2048"`
	Steps           int             `json:"steps" validate:"omitempty,min=1,max=150"`
	CFGScale        float64         `json:"cfg_scale" validate:"omitempty,min=0,max=30"`
	Sampler         string          `json:"sampler"`
	Scheduler       string          `json:"scheduler"`
	SeedStart       int64           `json:"seed_start"`
	Adapters        []adapterSpecWire `json:"adapters" validate:"dive"`
}

func (r generateRequest) toAdapters() []domain.AdapterSpec {
	out := make([]domain.AdapterSpec, 0, len(r.Adapters))
	for _, a := range r.Adapters {
		out = append(out, domain.AdapterSpec{Name: a.Name, ModelStrength: a.ModelStrength, ClipStrength: a.ClipStrength})
	}
	return out
}

func (r batchGenerateRequest) toAdapters() []domain.AdapterSpec {
	out := make([]domain.AdapterSpec, 0, len(r.Adapters))
	for _, a := range r.Adapters {
		out = append(out, domain.AdapterSpec{Name: a.Name, ModelStrength: a.ModelStrength, ClipStrength: a.ClipStrength})
	}
	return out
}
