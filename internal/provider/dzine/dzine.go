// Package dzine maps enhancement requests onto the Dzine OpenAPI task
// endpoints and describes where Dzine keeps task state in its replies.
package dzine

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/vnmchuo/enhance-gateway/internal/provider"
	"github.com/vnmchuo/enhance-gateway/internal/worker"
)

const (
	DefaultBaseURL   = "https://papi.dzine.ai/openapi/v1"
	DefaultStyleCode = "Style-7feccf2b-f2ad-43a6-89cb-354fb5d928d2" // "No Style v2"
	DefaultScale     = 2.0

	UpscalePath = "/create_task_upscale"
	RestorePath = "/create_task_img2img"

	defaultRestorePrompt = "Photo restoration: reduce noise, repair defects, keep natural skin textures; preserve original look."
	faceClause           = " Enhance facial detail and sharpen eyes while keeping identity unchanged."
)

// Operation selects which Dzine task a request creates.
type Operation string

const (
	OperationUpscale Operation = "upscale"
	OperationRestore Operation = "restore"
)

var allowedScales = []float64{1.5, 2, 3, 4}

// Options are the caller-facing knobs after normalization.
type Options struct {
	Scale        float64
	Style        string // "subtle" or "default"
	EnhanceFaces bool
	Prompt       string
}

// Settings are deployment-level payload defaults.
type Settings struct {
	StyleCode    string
	OutputFormat string
}

// New returns a provider client for Dzine. The key goes into the
// Authorization header as-is; Dzine rejects a "Bearer" prefix.
func New(baseURL, apiKey string, opts provider.Options) *provider.Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	opts.BaseURL = baseURL
	opts.AuthHeader = strings.TrimSpace(apiKey)
	return provider.New(opts)
}

type imageRef struct {
	URL string `json:"url"`
}

type upscaleRequest struct {
	UpscalingResize float64    `json:"upscaling_resize"`
	OutputFormat    string     `json:"output_format"`
	Images          []imageRef `json:"images"`
}

type img2imgRequest struct {
	Prompt         string     `json:"prompt"`
	StyleCode      string     `json:"style_code"`
	StyleIntensity float64    `json:"style_intensity"`
	StructureMatch float64    `json:"structure_match"`
	ColorMatch     int        `json:"color_match"`
	QualityMode    int        `json:"quality_mode"`
	GenerateSlots  []int      `json:"generate_slots"`
	OutputFormat   string     `json:"output_format"`
	Images         []imageRef `json:"images"`
}

// BuildPayload returns the create-task path and JSON body for op.
func BuildPayload(op Operation, imageURL string, opts Options, s Settings) (string, any) {
	format := s.OutputFormat
	if format == "" {
		format = "jpg"
	}
	images := []imageRef{{URL: imageURL}}

	if op == OperationUpscale {
		return UpscalePath, upscaleRequest{
			UpscalingResize: NormalizeScale(opts.Scale),
			OutputFormat:    format,
			Images:          images,
		}
	}

	styleCode := s.StyleCode
	if styleCode == "" {
		styleCode = DefaultStyleCode
	}
	prompt := strings.TrimSpace(opts.Prompt)
	if prompt == "" {
		prompt = defaultRestorePrompt
	}
	if opts.EnhanceFaces {
		prompt += faceClause
	}
	structure := 0.6
	if NormalizeStyle(opts.Style) == "subtle" {
		structure = 0.8
	}
	return RestorePath, img2imgRequest{
		Prompt:         prompt,
		StyleCode:      styleCode,
		StyleIntensity: 0,
		StructureMatch: structure,
		ColorMatch:     1,
		QualityMode:    1,
		GenerateSlots:  []int{1, 0, 0, 0},
		OutputFormat:   format,
		Images:         images,
	}
}

// NormalizeScale snaps unsupported factors back to DefaultScale.
func NormalizeScale(scale float64) float64 {
	for _, s := range allowedScales {
		if scale == s {
			return s
		}
	}
	return DefaultScale
}

// NormalizeStyle accepts "subtle" and "default"; anything else is "default".
func NormalizeStyle(style string) string {
	if strings.EqualFold(strings.TrimSpace(style), "subtle") {
		return "subtle"
	}
	return "default"
}

// StatusPath is the progress endpoint for a task.
func StatusPath(taskID string) string {
	return "/get_task_progress/" + url.PathEscape(taskID)
}

// TaskID reads the task identifier from a create-task reply.
func TaskID(body map[string]any) (string, bool) {
	return worker.Extract(body,
		worker.Field("data", "task_id"),
		worker.Field("data", "id"),
		worker.Field("task_id"),
		worker.Field("id"),
	)
}

// Layout tells the poller where Dzine reports status and results.
func Layout() worker.Layout {
	return worker.Layout{
		StatusPath: StatusPath,
		Status: []worker.Extractor{
			worker.Field("data", "status"),
			worker.Field("status"),
			worker.Field("data", "state"),
			worker.Field("state"),
		},
		ResultURL: []worker.Extractor{
			worker.FirstInList("data", "generate_result_slots"),
			worker.Field("data", "url"),
			worker.Field("data", "result_url"),
			worker.Field("processed_url"),
		},
	}
}

// ScaleFromAny coerces loosely typed JSON input ("3", 3, 3.0) to a scale.
// Unparseable values yield 0, which NormalizeScale maps to the default.
func ScaleFromAny(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}
