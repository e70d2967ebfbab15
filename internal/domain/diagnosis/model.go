package diagnosis

import (
	"github.com/yanqian/agrivision/pkg/metrics"
)

// Normalized scale used by the model for bounding boxes.
const NormalizedScale = 1000

// Defaults applied when the model omits a field.
const (
	DefaultDiseaseName = "Unknown"
	DefaultTreatment   = "Sorry, no specific treatment advice is available for this image."
	DefaultMedicine    = "Consult a local expert"

	errorDiseaseName = "Error"
	errorTreatment   = "System Error"
	errorMedicine    = "N/A"
)

// WeatherFact is a one-line weather summary injected into the prompt.
type WeatherFact string

// WeatherUnavailable is returned by providers on any failure.
const WeatherUnavailable WeatherFact = "Weather data unavailable."

// Available reports whether the fact carries real weather data.
func (w WeatherFact) Available() bool {
	return w != "" && w != WeatherUnavailable
}

// Image is the picture sent to the model. Width and Height are the dimensions of
// the original capture, which is what pixel boxes are mapped onto.
type Image struct {
	Data     []byte
	MIMEType string
	Width    int
	Height   int
}

// Request is one user action: an image plus the city used for weather context.
type Request struct {
	Image        Image
	City         string
	EnableSearch *bool
}

// Invocation is what the Invoker sends to the hosted model.
type Invocation struct {
	Image        Image
	Prompt       string
	EnableSearch bool
}

// Source is a web page the model's answer was grounded on.
type Source struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// ModelReply is the raw model answer plus side-channel grounding evidence.
type ModelReply struct {
	RawText           string
	GroundingSnippets []string
	Sources           []Source
	Usage             metrics.TokenUsage
}

// BoundingBox is a region on the 0-1000 normalized scale, in (yMin, xMin, yMax, xMax) order.
type BoundingBox struct {
	YMin float64 `json:"yMin"`
	XMin float64 `json:"xMin"`
	YMax float64 `json:"yMax"`
	XMax float64 `json:"xMax"`
}

// IsDegenerate reports the "no region" sentinel: zero width and zero height.
func (b BoundingBox) IsDegenerate() bool {
	return b.YMin == b.YMax && b.XMin == b.XMax
}

// Result is the canonical diagnosis rendered by the presentation layer.
type Result struct {
	DiseaseName       string      `json:"diseaseName"`
	Treatment         string      `json:"treatment"`
	Medicine          string      `json:"medicine"`
	SearchFinding     string      `json:"searchFinding,omitempty"`
	BuyLink           string      `json:"buyLink,omitempty"`
	BoundingBox       BoundingBox `json:"boundingBox"`
	GroundingSnippets []string    `json:"groundingSnippets"`
	Sources           []Source    `json:"sources,omitempty"`
	IsError           bool        `json:"isError"`
	Error             string      `json:"error,omitempty"`
}

// PixelBox is a bounding box in image pixel space.
type PixelBox struct {
	StartX int `json:"startX"`
	StartY int `json:"startY"`
	EndX   int `json:"endX"`
	EndY   int `json:"endY"`
}

// Empty reports a zero-area box; callers skip drawing it.
func (p PixelBox) Empty() bool {
	return p.EndX <= p.StartX || p.EndY <= p.StartY
}

// Response is returned to API consumers for one diagnosis.
type Response struct {
	City       string              `json:"city"`
	Weather    WeatherFact         `json:"weather"`
	Result     Result              `json:"result"`
	Region     PixelBox            `json:"region"`
	TokenUsage *metrics.TokenUsage `json:"tokenUsage,omitempty"`
}

// Config wires runtime knobs for the diagnosis domain.
type Config struct {
	DefaultCity  string
	Market       string
	EnableSearch bool
}
