package models

import (
	"encoding/json"
	"math"

	"github.com/pkg/errors"
)

// Default spot geometry of a Visium slide
const (
	DefaultSpotDiam = 65e-6
	DefaultMPerPx   = 0.497e-6
)

// SpotCoordinate is the pixel position of one spot
type SpotCoordinate struct {
	X uint32 `json:"x"`
	Y uint32 `json:"y"`
}

// SpotParams holds the physical spot geometry, both values in meters
type SpotParams struct {
	SpotDiam float64 `json:"spotDiam" yaml:"spotDiam" toml:"spotDiam"`
	MPerPx   float64 `json:"mPerPx" yaml:"mPerPx" toml:"mPerPx"`
}

// DefaultSpotParams returns the geometry used when the caller supplies none
func DefaultSpotParams() SpotParams {
	return SpotParams{SpotDiam: DefaultSpotDiam, MPerPx: DefaultMPerPx}
}

// NewSpotParams validates and returns a spot geometry
func NewSpotParams(spotDiam, mPerPx float64) (SpotParams, error) {
	p := SpotParams{SpotDiam: spotDiam, MPerPx: mPerPx}
	return p, p.Validate()
}

// Validate checks both values are finite and positive
func (p SpotParams) Validate() error {
	if !positive(p.SpotDiam) {
		return errors.Wrapf(ErrValidation, "spot diameter must be positive, got %v", p.SpotDiam)
	}
	if !positive(p.MPerPx) {
		return errors.Wrapf(ErrValidation, "meters per pixel must be positive, got %v", p.MPerPx)
	}
	return nil
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// ChannelMap maps a channel name to its index on the channel axis
type ChannelMap map[string]int

// Validate checks names are non-empty and indices non-negative
func (m ChannelMap) Validate() error {
	for name, idx := range m {
		if name == "" {
			return errors.Wrap(ErrValidation, "empty channel name")
		}
		if idx < 0 {
			return errors.Wrapf(ErrValidation, "channel %q has negative index %d", name, idx)
		}
	}
	return nil
}

func (m ChannelMap) clone() ChannelMap {
	out := make(ChannelMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// RenderMode tells the viewer how to combine channels
type RenderMode string

const (
	ModeComposite RenderMode = "composite"
	ModeRGB       RenderMode = "rgb"
)

// ModeFor returns the render mode for an image
func ModeFor(isRGB bool) RenderMode {
	if isRGB {
		return ModeRGB
	}
	return ModeComposite
}

// ImageHeader is the metadata record consumed by the viewer. It is built once
// and never changed; accessors return copies.
type ImageHeader struct {
	sample  string
	coords  []SpotCoordinate
	channel ChannelMap
	spot    SpotParams
	mode    RenderMode
}

// NewImageHeader validates the fields and builds a header
func NewImageHeader(sample string, coords []SpotCoordinate, channel ChannelMap, spot SpotParams, mode RenderMode) (*ImageHeader, error) {
	if sample == "" {
		return nil, errors.Wrap(ErrValidation, "empty sample name")
	}
	if err := channel.Validate(); err != nil {
		return nil, err
	}
	if err := spot.Validate(); err != nil {
		return nil, err
	}
	if mode != ModeComposite && mode != ModeRGB {
		return nil, errors.Wrapf(ErrValidation, "unknown render mode %q", mode)
	}

	c := make([]SpotCoordinate, len(coords))
	copy(c, coords)

	return &ImageHeader{
		sample:  sample,
		coords:  c,
		channel: channel.clone(),
		spot:    spot,
		mode:    mode,
	}, nil
}

func (h *ImageHeader) Sample() string   { return h.sample }
func (h *ImageHeader) Spot() SpotParams { return h.spot }
func (h *ImageHeader) Mode() RenderMode { return h.mode }
func (h *ImageHeader) NumCoords() int   { return len(h.coords) }

// Coords returns a copy of the spot coordinates in spot order
func (h *ImageHeader) Coords() []SpotCoordinate {
	c := make([]SpotCoordinate, len(h.coords))
	copy(c, h.coords)
	return c
}

// Channels returns a copy of the channel mapping
func (h *ImageHeader) Channels() ChannelMap {
	return h.channel.clone()
}

// imageHeaderJSON is the wire form; field order fixes the key order
type imageHeaderJSON struct {
	Sample  string           `json:"sample"`
	Coords  []SpotCoordinate `json:"coords"`
	Channel ChannelMap       `json:"channel"`
	Spot    SpotParams       `json:"spot"`
	Mode    RenderMode       `json:"mode"`
}

// MarshalJSON implements json.Marshaler
func (h *ImageHeader) MarshalJSON() ([]byte, error) {
	return json.Marshal(imageHeaderJSON{
		Sample:  h.sample,
		Coords:  h.coords,
		Channel: h.channel,
		Spot:    h.spot,
		Mode:    h.mode,
	})
}

// UnmarshalJSON implements json.Unmarshaler and re-validates the record
func (h *ImageHeader) UnmarshalJSON(data []byte) error {
	var w imageHeaderJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Coords == nil {
		w.Coords = []SpotCoordinate{}
	}
	parsed, err := NewImageHeader(w.Sample, w.Coords, w.Channel, w.Spot, w.Mode)
	if err != nil {
		return err
	}
	*h = *parsed
	return nil
}

// URL is a location the viewer fetches a file from
type URL struct {
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
}

// ImageParams tells the viewer where to find the image pyramid files and the
// header describing them.
type ImageParams struct {
	URLs      []URL `json:"urls"`
	HeaderURL URL   `json:"headerUrl"`
}
