// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package unet implements a configurable convolutional U-Net for denoising
// diffusion models on GoMLX.
//
// The model takes a batch of noisy samples shaped [batch, height, width,
// channels] (channels-last, the GoMLX convention for images) plus one scalar
// timestep per example, and predicts a tensor with the same spatial
// dimensions, typically the noise residual. The architecture is the standard
// encoder / bottleneck / decoder stack with skip connections: a contracting
// path of residual blocks that halves the spatial resolution per level, a
// middle block at the coarsest resolution, and an expanding path that
// consumes the stored skip tensors in reverse order while doubling the
// resolution back up.
//
// Usage follows the usual GoMLX configuration idiom:
//
//	model, err := unet.New().
//		WithBlockChannels(128, 256, 256, 512).
//		WithNumResBlocks(2).
//		Done()
//	if err != nil { ... }
//
//	// Inside a graph building function:
//	noise := model.Forward(ctx, noisySamples, timesteps)
//
// All hyperparameters can alternatively be set in a context (see the Param*
// constants) and read back with NewFromContext, so models are configurable
// from the command line the same way other GoMLX models are.
package unet

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Down (contracting) block types, used in Config.DownBlockTypes.
//
// Every down block runs Config.NumResBlocks residual blocks and, except on
// the last level, a 2x downsampler. The variants add self-attention after
// each residual block ("attn"), a downsampled-input skip pyramid combined
// into the main path ("skip"), or both ("attn_skip").
const (
	DownBlockPlain    = "plain"
	DownBlockAttn     = "attn"
	DownBlockSkip     = "skip"
	DownBlockAttnSkip = "attn_skip"
)

// Up (expanding) block types, used in Config.UpBlockTypes.
//
// Every up block runs Config.NumResBlocks+1 residual blocks, each one
// concatenating a stored skip tensor, and, except on the last level, a 2x
// upsampler.
const (
	UpBlockPlain = "plain"
	UpBlockAttn  = "attn"
)

// Timestep embedding types, used in Config.TimeEmbeddingType.
const (
	// TimeEmbeddingPositional is the sinusoidal transformer-style embedding.
	TimeEmbeddingPositional = "positional"

	// TimeEmbeddingFourier projects timesteps through fixed random Gaussian
	// frequencies. Used by score-based (SDE) variants.
	TimeEmbeddingFourier = "fourier"
)

// Skip-pyramid combination methods, used in Config.SkipCombineMethod. Only
// meaningful when some down block type uses the skip pyramid.
const (
	// CombineSum projects the pyramid with a 1x1 convolution and adds it to
	// the main path. Channel count is unchanged.
	CombineSum = "sum"

	// CombineCat projects the pyramid with a 1x1 convolution and concatenates
	// it to the main path, doubling the channel count flowing to the next
	// level.
	CombineCat = "cat"
)

// Hyperparameter keys for context configuration. List-valued parameters
// (block channels and block types) are comma-separated strings, so they can
// be set from the command line with -set.
const (
	ParamInChannels        = "unet_in_channels"
	ParamOutChannels       = "unet_out_channels"
	ParamBlockChannels     = "unet_block_channels"
	ParamDownBlockTypes    = "unet_down_block_types"
	ParamUpBlockTypes      = "unet_up_block_types"
	ParamNumResBlocks      = "unet_num_res_blocks"
	ParamDropoutRate       = "unet_dropout_rate"
	ParamActivation        = "unet_activation"
	ParamNormEpsilon       = "unet_norm_epsilon"
	ParamConvResample      = "unet_conv_resample"
	ParamDownsamplePad     = "unet_downsample_padding"
	ParamAttentionHeadDim  = "unet_attention_head_dim"
	ParamTimeEmbedding     = "unet_time_embedding"
	ParamTimeActivation    = "unet_time_activation"
	ParamImageSize         = "unet_image_size"
	ParamFlipSinToCos      = "unet_flip_sin_to_cos"
	ParamFreqShift         = "unet_freq_shift"
	ParamFourierSize       = "unet_fourier_size"
	ParamFourierScale      = "unet_fourier_scale"
	ParamSkipCombineMethod = "unet_skip_combine"
	ParamDType             = "unet_dtype"
)

// Config collects the hyperparameters of a U-Net. Create it with New, adjust
// fields directly or with the With* methods and call Done to validate and
// get a Model.
type Config struct {
	// ImageSize is the expected height and width of the input samples.
	// Informational only: Forward accepts any spatial size divisible by
	// MinSpatialFactor.
	ImageSize int

	// InChannels is the number of channels of the input samples, e.g. 3 for
	// RGB images. The input is shaped [batch, height, width, InChannels].
	InChannels int

	// OutChannels is the number of channels of the prediction. Usually equal
	// to InChannels for noise prediction.
	OutChannels int

	// BlockChannels is the channel width per resolution level, from finest
	// to coarsest. Its length is the number of levels; each level past the
	// first halves the spatial resolution.
	BlockChannels []int

	// DownBlockTypes selects the contracting block variant per level. Must
	// have the same length as BlockChannels. See the DownBlock* constants.
	DownBlockTypes []string

	// UpBlockTypes selects the expanding block variant per level, ordered
	// from coarsest to finest (the reverse traversal of BlockChannels). Must
	// have the same length as BlockChannels. See the UpBlock* constants.
	UpBlockTypes []string

	// NumResBlocks is the number of residual blocks per down level. Up
	// levels run NumResBlocks+1 blocks, one per stored skip tensor.
	NumResBlocks int

	// DropoutRate applied inside residual blocks. 0 disables dropout.
	DropoutRate float64

	// Activation used throughout (residual blocks, time embedding MLP and
	// output head), by name as in the activations package. Default "swish".
	Activation string

	// NormEpsilon added to the variance in group normalization.
	NormEpsilon float64

	// ConvResample selects learned 3x3 strided convolutions for resampling.
	// If false, downsampling uses average pooling and upsampling plain
	// nearest-neighbor interpolation.
	ConvResample bool

	// DownsamplePadding is the spatial padding applied before the strided
	// downsampling convolution. The default of 1 keeps even sizes exactly
	// halved and floors odd sizes (e.g. 33 -> 17).
	DownsamplePadding int

	// AttentionHeadDim is the size of each self-attention head. Levels with
	// attention must have channels divisible by it.
	AttentionHeadDim int

	// TimeEmbeddingType selects how scalar timesteps are lifted into a
	// vector before the embedding MLP. See the TimeEmbedding* constants.
	TimeEmbeddingType string

	// TimeEmbeddingActivation is the nonlinearity between the two dense
	// layers of the timestep MLP. An empty string means identity.
	TimeEmbeddingActivation string

	// FlipSinToCos orders the sinusoidal embedding as [cos, sin] instead of
	// [sin, cos]. Only used by the positional embedding.
	FlipSinToCos bool

	// FreqShift offsets the frequency denominator of the positional
	// embedding. Only used by the positional embedding.
	FreqShift float64

	// FourierSize is the number of random frequencies of the Fourier
	// embedding, which produces 2*FourierSize features. Only used by the
	// Fourier embedding.
	FourierSize int

	// FourierScale is the standard deviation of the fixed random Fourier
	// frequencies. Only used by the Fourier embedding.
	FourierScale float64

	// SkipCombineMethod selects how the skip pyramid is merged into the
	// main path on "skip" style down blocks. See the Combine* constants.
	SkipCombineMethod string

	// DType of the model weights and computation.
	DType dtypes.DType
}

// New creates a Config with defaults matching the usual unconditional image
// diffusion setup: 4 levels with attention on all but the finest, positional
// timestep embedding and learned resampling.
func New() *Config {
	return &Config{
		InChannels:              3,
		OutChannels:             3,
		BlockChannels:           []int{224, 448, 672, 896},
		DownBlockTypes:          []string{DownBlockPlain, DownBlockAttn, DownBlockAttn, DownBlockAttn},
		UpBlockTypes:            []string{UpBlockAttn, UpBlockAttn, UpBlockAttn, UpBlockPlain},
		NumResBlocks:            2,
		DropoutRate:             0.0,
		Activation:              "swish",
		NormEpsilon:             1e-5,
		ConvResample:            true,
		DownsamplePadding:       1,
		AttentionHeadDim:        32,
		TimeEmbeddingType:       TimeEmbeddingPositional,
		TimeEmbeddingActivation: "swish",
		FlipSinToCos:            true,
		FreqShift:               0,
		FourierSize:             16,
		FourierScale:            16,
		SkipCombineMethod:       CombineSum,
		DType:                   dtypes.Float32,
	}
}

// NewFromContext creates a Model configured from context hyperparameters.
// All parameters are optional and default to the values set by New. See the
// Param* constants for the keys.
//
// Example:
//
//	ctx.SetParams(map[string]any{
//	    "unet_block_channels": "64,128,256",
//	    "unet_down_block_types": "plain,attn,attn",
//	    "unet_up_block_types": "attn,attn,plain",
//	})
//	model, err := unet.NewFromContext(ctx)
func NewFromContext(ctx *context.Context) (*Model, error) {
	return New().FromContext(ctx).Done()
}

// FromContext overrides the configuration with hyperparameters set in the
// context. Parameters not set keep their current value.
func (c *Config) FromContext(ctx *context.Context) *Config {
	c.InChannels = context.GetParamOr(ctx, ParamInChannels, c.InChannels)
	c.OutChannels = context.GetParamOr(ctx, ParamOutChannels, c.OutChannels)
	c.NumResBlocks = context.GetParamOr(ctx, ParamNumResBlocks, c.NumResBlocks)
	c.DropoutRate = context.GetParamOr(ctx, ParamDropoutRate, c.DropoutRate)
	c.Activation = context.GetParamOr(ctx, ParamActivation, c.Activation)
	c.NormEpsilon = context.GetParamOr(ctx, ParamNormEpsilon, c.NormEpsilon)
	c.ConvResample = context.GetParamOr(ctx, ParamConvResample, c.ConvResample)
	c.DownsamplePadding = context.GetParamOr(ctx, ParamDownsamplePad, c.DownsamplePadding)
	c.AttentionHeadDim = context.GetParamOr(ctx, ParamAttentionHeadDim, c.AttentionHeadDim)
	c.TimeEmbeddingType = context.GetParamOr(ctx, ParamTimeEmbedding, c.TimeEmbeddingType)
	c.TimeEmbeddingActivation = context.GetParamOr(ctx, ParamTimeActivation, c.TimeEmbeddingActivation)
	c.ImageSize = context.GetParamOr(ctx, ParamImageSize, c.ImageSize)
	c.FlipSinToCos = context.GetParamOr(ctx, ParamFlipSinToCos, c.FlipSinToCos)
	c.FreqShift = context.GetParamOr(ctx, ParamFreqShift, c.FreqShift)
	c.FourierSize = context.GetParamOr(ctx, ParamFourierSize, c.FourierSize)
	c.FourierScale = context.GetParamOr(ctx, ParamFourierScale, c.FourierScale)
	c.SkipCombineMethod = context.GetParamOr(ctx, ParamSkipCombineMethod, c.SkipCombineMethod)

	if channels := context.GetParamOr(ctx, ParamBlockChannels, ""); channels != "" {
		parts := strings.Split(channels, ",")
		widths := make([]int, 0, len(parts))
		for _, part := range parts {
			var width int
			if _, err := fmt.Sscanf(strings.TrimSpace(part), "%d", &width); err != nil {
				klog.Errorf("Invalid %s=%q, ignoring: %v", ParamBlockChannels, channels, err)
				widths = nil
				break
			}
			widths = append(widths, width)
		}
		if widths != nil {
			c.BlockChannels = widths
		}
	}
	if blockTypes := context.GetParamOr(ctx, ParamDownBlockTypes, ""); blockTypes != "" {
		c.DownBlockTypes = splitTrimmed(blockTypes)
	}
	if blockTypes := context.GetParamOr(ctx, ParamUpBlockTypes, ""); blockTypes != "" {
		c.UpBlockTypes = splitTrimmed(blockTypes)
	}
	if dtypeStr := context.GetParamOr(ctx, ParamDType, ""); dtypeStr != "" {
		dtype, err := dtypes.DTypeString(dtypeStr)
		if err != nil {
			klog.Errorf("Invalid %s=%q, ignoring: %v", ParamDType, dtypeStr, err)
		} else {
			c.DType = dtype
		}
	}
	return c
}

func splitTrimmed(list string) []string {
	parts := strings.Split(list, ",")
	for i, part := range parts {
		parts[i] = strings.TrimSpace(part)
	}
	return parts
}

// WithChannels sets the input and output channels.
func (c *Config) WithChannels(in, out int) *Config {
	c.InChannels = in
	c.OutChannels = out
	return c
}

// WithBlockChannels sets the channel width per resolution level.
func (c *Config) WithBlockChannels(channels ...int) *Config {
	c.BlockChannels = channels
	return c
}

// WithDownBlockTypes sets the contracting block variant per level.
func (c *Config) WithDownBlockTypes(blockTypes ...string) *Config {
	c.DownBlockTypes = blockTypes
	return c
}

// WithUpBlockTypes sets the expanding block variant per level.
func (c *Config) WithUpBlockTypes(blockTypes ...string) *Config {
	c.UpBlockTypes = blockTypes
	return c
}

// WithNumResBlocks sets the residual blocks per down level.
func (c *Config) WithNumResBlocks(n int) *Config {
	c.NumResBlocks = n
	return c
}

// WithDropout sets the dropout rate inside residual blocks.
func (c *Config) WithDropout(rate float64) *Config {
	c.DropoutRate = rate
	return c
}

// WithActivation sets the activation function by name.
func (c *Config) WithActivation(name string) *Config {
	c.Activation = name
	return c
}

// WithConvResample toggles learned convolutions for resampling.
func (c *Config) WithConvResample(useConv bool) *Config {
	c.ConvResample = useConv
	return c
}

// WithAttentionHeadDim sets the per-head size of self-attention.
func (c *Config) WithAttentionHeadDim(headDim int) *Config {
	c.AttentionHeadDim = headDim
	return c
}

// WithPositionalTimeEmbedding selects the sinusoidal timestep embedding.
func (c *Config) WithPositionalTimeEmbedding(flipSinToCos bool, freqShift float64) *Config {
	c.TimeEmbeddingType = TimeEmbeddingPositional
	c.FlipSinToCos = flipSinToCos
	c.FreqShift = freqShift
	return c
}

// WithImageSize records the expected input height and width.
func (c *Config) WithImageSize(size int) *Config {
	c.ImageSize = size
	return c
}

// WithTimeEmbeddingActivation sets the nonlinearity of the timestep MLP.
// Empty means identity.
func (c *Config) WithTimeEmbeddingActivation(name string) *Config {
	c.TimeEmbeddingActivation = name
	return c
}

// WithFourierTimeEmbedding selects the random Fourier timestep embedding.
func (c *Config) WithFourierTimeEmbedding(size int, scale float64) *Config {
	c.TimeEmbeddingType = TimeEmbeddingFourier
	c.FourierSize = size
	c.FourierScale = scale
	return c
}

// WithSkipCombineMethod sets how skip-pyramid blocks merge into the main
// path, CombineSum or CombineCat.
func (c *Config) WithSkipCombineMethod(method string) *Config {
	c.SkipCombineMethod = method
	return c
}

// WithDType sets the data type of weights and computation.
func (c *Config) WithDType(dtype dtypes.DType) *Config {
	c.DType = dtype
	return c
}

// Model is a validated U-Net ready to build forward graphs. Create it with
// Config.Done or NewFromContext.
//
// It holds no variables itself: all weights live in the context passed to
// Forward, so the same Model can be used for training and inference graphs.
type Model struct {
	config         Config
	activation     activations.Type
	timeActivation activations.Type

	timeEmbedDim int // Width of the timestep embedding fed to every residual block.
	downPlans    []downPlan
	midChannels  int
	upPlans      []upPlan
	usesPyramid  bool

	// skipChannels records the channel count of every tensor pushed onto the
	// skip buffer by the down pass, in push order. Its length is the total
	// number of skip tensors (1 + levels*NumResBlocks + levels-1).
	skipChannels []int
}

// downPlan is the static shape plan of one contracting level.
type downPlan struct {
	outChannels   int
	emitChannels  int // Channels flowing to the next level; differs from outChannels for "cat" skip blocks.
	withAttention bool
	withPyramid   bool
	addDownsample bool
}

// upPlan is the static shape plan of one expanding level.
type upPlan struct {
	outChannels   int
	numResBlocks  int
	skipChannels  []int // Channels of the skip tensor consumed by each residual block, in pop order.
	withAttention bool
	addUpsample   bool
}

// Done validates the configuration and computes the per-level shape plans.
// It returns an error describing the first inconsistency found, so invalid
// architectures fail here rather than at graph building time.
func (c *Config) Done() (*Model, error) {
	if c.InChannels <= 0 || c.OutChannels <= 0 {
		return nil, errors.Errorf("in/out channels must be positive, got in=%d, out=%d",
			c.InChannels, c.OutChannels)
	}
	numLevels := len(c.BlockChannels)
	if numLevels == 0 {
		return nil, errors.New("BlockChannels must list at least one level")
	}
	for level, width := range c.BlockChannels {
		if width <= 0 {
			return nil, errors.Errorf("BlockChannels[%d]=%d, widths must be positive", level, width)
		}
	}
	if len(c.DownBlockTypes) != numLevels {
		return nil, errors.Errorf("got %d down block types for %d levels (BlockChannels), they must match",
			len(c.DownBlockTypes), numLevels)
	}
	if len(c.UpBlockTypes) != numLevels {
		return nil, errors.Errorf("got %d up block types for %d levels (BlockChannels), they must match",
			len(c.UpBlockTypes), numLevels)
	}
	if c.NumResBlocks <= 0 {
		return nil, errors.Errorf("NumResBlocks=%d, must be at least 1", c.NumResBlocks)
	}
	if c.DropoutRate < 0 || c.DropoutRate >= 1 {
		return nil, errors.Errorf("DropoutRate=%g, must be in the range [0, 1)", c.DropoutRate)
	}
	if c.AttentionHeadDim <= 0 {
		return nil, errors.Errorf("AttentionHeadDim=%d, must be positive", c.AttentionHeadDim)
	}
	switch c.SkipCombineMethod {
	case CombineSum, CombineCat:
	default:
		return nil, errors.Errorf("unknown skip combine method %q, valid values are %q and %q",
			c.SkipCombineMethod, CombineSum, CombineCat)
	}
	switch c.TimeEmbeddingType {
	case TimeEmbeddingPositional:
	case TimeEmbeddingFourier:
		if c.FourierSize <= 0 {
			return nil, errors.Errorf("FourierSize=%d, must be positive for the %q time embedding",
				c.FourierSize, TimeEmbeddingFourier)
		}
	default:
		return nil, errors.Errorf("unknown time embedding type %q, valid values are %q and %q",
			c.TimeEmbeddingType, TimeEmbeddingPositional, TimeEmbeddingFourier)
	}
	if !c.DType.IsFloat() {
		return nil, errors.Errorf("DType=%s, model requires a float dtype", c.DType)
	}
	activation, err := activations.TypeString(c.Activation)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid activation %q", c.Activation)
	}
	timeActivation := activations.TypeNone // Empty string keeps the MLP linear between layers.
	if c.TimeEmbeddingActivation != "" {
		timeActivation, err = activations.TypeString(c.TimeEmbeddingActivation)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid time embedding activation %q", c.TimeEmbeddingActivation)
		}
	}

	m := &Model{
		config:         *c,
		activation:     activation,
		timeActivation: timeActivation,
		timeEmbedDim:   4 * c.BlockChannels[0],
	}
	m.config.BlockChannels = slices.Clone(c.BlockChannels)
	m.config.DownBlockTypes = slices.Clone(c.DownBlockTypes)
	m.config.UpBlockTypes = slices.Clone(c.UpBlockTypes)

	// Contracting path: simulate the skip buffer to know the channel count
	// of every entry the expanding path will pop.
	m.skipChannels = append(m.skipChannels, c.BlockChannels[0]) // Seeded by the input convolution.
	for level, blockType := range c.DownBlockTypes {
		plan := downPlan{
			outChannels:   c.BlockChannels[level],
			addDownsample: level != numLevels-1,
		}
		switch blockType {
		case DownBlockPlain:
		case DownBlockAttn:
			plan.withAttention = true
		case DownBlockSkip:
			plan.withPyramid = true
		case DownBlockAttnSkip:
			plan.withAttention = true
			plan.withPyramid = true
		default:
			return nil, errors.Errorf("unknown down block type %q at level %d", blockType, level)
		}
		if plan.withAttention && plan.outChannels%c.AttentionHeadDim != 0 {
			return nil, errors.Errorf(
				"level %d has attention but %d channels are not divisible by AttentionHeadDim=%d",
				level, plan.outChannels, c.AttentionHeadDim)
		}
		plan.withPyramid = plan.withPyramid && plan.addDownsample // The pyramid merges at the downsample step.
		m.usesPyramid = m.usesPyramid || plan.withPyramid

		for range c.NumResBlocks {
			m.skipChannels = append(m.skipChannels, plan.outChannels)
		}
		plan.emitChannels = plan.outChannels
		if plan.addDownsample {
			if plan.withPyramid && c.SkipCombineMethod == CombineCat {
				plan.emitChannels = 2 * plan.outChannels
			}
			m.skipChannels = append(m.skipChannels, plan.emitChannels)
		}
		m.downPlans = append(m.downPlans, plan)
	}
	m.midChannels = m.downPlans[numLevels-1].emitChannels
	if m.midChannels%c.AttentionHeadDim != 0 {
		return nil, errors.Errorf(
			"middle block has attention but %d channels are not divisible by AttentionHeadDim=%d",
			m.midChannels, c.AttentionHeadDim)
	}

	// Expanding path pops the skip buffer most-recent-first.
	pending := slices.Clone(m.skipChannels)
	reversedChannels := slices.Clone(m.config.BlockChannels)
	slices.Reverse(reversedChannels)
	for level, blockType := range c.UpBlockTypes {
		plan := upPlan{
			outChannels:  reversedChannels[level],
			numResBlocks: c.NumResBlocks + 1,
			addUpsample:  level != numLevels-1,
		}
		switch blockType {
		case UpBlockPlain:
		case UpBlockAttn:
			plan.withAttention = true
		default:
			return nil, errors.Errorf("unknown up block type %q at level %d", blockType, level)
		}
		if plan.withAttention && plan.outChannels%c.AttentionHeadDim != 0 {
			return nil, errors.Errorf(
				"up level %d has attention but %d channels are not divisible by AttentionHeadDim=%d",
				level, plan.outChannels, c.AttentionHeadDim)
		}
		plan.skipChannels = make([]int, 0, plan.numResBlocks)
		for range plan.numResBlocks {
			var skip int
			skip, pending = pending[len(pending)-1], pending[:len(pending)-1]
			plan.skipChannels = append(plan.skipChannels, skip)
		}
		m.upPlans = append(m.upPlans, plan)
	}
	if len(pending) != 0 {
		// Unreachable: both paths derive from NumResBlocks and the level count.
		return nil, errors.Errorf("%d skip tensors would be left unconsumed", len(pending))
	}

	klog.V(1).Infof("unet: %d levels, channels %v, %d skip tensors, time embedding %s(dim=%d)",
		numLevels, c.BlockChannels, len(m.skipChannels), c.TimeEmbeddingType, m.timeEmbedDim)
	return m, nil
}

// Config returns a copy of the validated configuration.
func (m *Model) Config() Config {
	cfg := m.config
	cfg.BlockChannels = slices.Clone(m.config.BlockChannels)
	cfg.DownBlockTypes = slices.Clone(m.config.DownBlockTypes)
	cfg.UpBlockTypes = slices.Clone(m.config.UpBlockTypes)
	return cfg
}

// NumSkipTensors returns how many tensors the contracting path stores for
// the expanding path: 1 (input convolution) + levels*NumResBlocks +
// (levels-1) downsample outputs.
func (m *Model) NumSkipTensors() int {
	return len(m.skipChannels)
}

// MinSpatialFactor returns the factor input height and width must be
// divisible by for the skip shapes to line up: 2^(levels-1).
func (m *Model) MinSpatialFactor() int {
	return 1 << (len(m.config.BlockChannels) - 1)
}
