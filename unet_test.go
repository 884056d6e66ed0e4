// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unet

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tinyModel returns a 2-level model small enough to build and run in tests.
func tinyModel(t *testing.T) *Model {
	model, err := New().
		WithChannels(3, 3).
		WithBlockChannels(8, 16).
		WithDownBlockTypes(DownBlockPlain, DownBlockPlain).
		WithUpBlockTypes(UpBlockPlain, UpBlockPlain).
		WithNumResBlocks(1).
		WithAttentionHeadDim(4).
		Done()
	require.NoError(t, err)
	return model
}

func TestConfigDefaults(t *testing.T) {
	cfg := New()
	assert.Equal(t, 3, cfg.InChannels)
	assert.Equal(t, 3, cfg.OutChannels)
	assert.Equal(t, []int{224, 448, 672, 896}, cfg.BlockChannels)
	assert.Equal(t, 2, cfg.NumResBlocks)
	assert.Equal(t, TimeEmbeddingPositional, cfg.TimeEmbeddingType)
	assert.Equal(t, CombineSum, cfg.SkipCombineMethod)
	assert.Equal(t, dtypes.Float32, cfg.DType)

	model, err := cfg.Done()
	require.NoError(t, err)
	// 1 input conv + 4 levels x 2 resnets + 3 downsamples.
	assert.Equal(t, 12, model.NumSkipTensors())
	assert.Equal(t, 8, model.MinSpatialFactor())
	assert.Equal(t, 4*224, model.timeEmbedDim)
}

func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name  string
		setup func(*Config) *Config
	}{
		{"NoLevels", func(c *Config) *Config { return c.WithBlockChannels() }},
		{"MismatchedDownTypes", func(c *Config) *Config {
			return c.WithDownBlockTypes(DownBlockPlain)
		}},
		{"MismatchedUpTypes", func(c *Config) *Config {
			return c.WithUpBlockTypes(UpBlockPlain)
		}},
		{"UnknownDownType", func(c *Config) *Config {
			return c.WithDownBlockTypes("plain", "fancy", "attn", "attn")
		}},
		{"UnknownUpType", func(c *Config) *Config {
			return c.WithUpBlockTypes("attn", "attn", "attn", "fancy")
		}},
		{"UnknownCombineMethod", func(c *Config) *Config {
			return c.WithSkipCombineMethod("xor")
		}},
		{"UnknownTimeEmbedding", func(c *Config) *Config {
			c.TimeEmbeddingType = "learned"
			return c
		}},
		{"ZeroResBlocks", func(c *Config) *Config { return c.WithNumResBlocks(0) }},
		{"NegativeChannels", func(c *Config) *Config { return c.WithChannels(-1, 3) }},
		{"BadDropout", func(c *Config) *Config { return c.WithDropout(1.5) }},
		{"BadActivation", func(c *Config) *Config { return c.WithActivation("blowup") }},
		{"BadTimeActivation", func(c *Config) *Config {
			return c.WithTimeEmbeddingActivation("blowup")
		}},
		{"NonFloatDType", func(c *Config) *Config { return c.WithDType(dtypes.Int32) }},
		{"AttentionHeadIndivisible", func(c *Config) *Config {
			// 224 % 15 != 0 on an attention level.
			return c.WithAttentionHeadDim(15)
		}},
		{"BadFourierSize", func(c *Config) *Config {
			return c.WithFourierTimeEmbedding(0, 16)
		}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := testCase.setup(New()).Done()
			require.Error(t, err)
			t.Logf("got expected error: %v", err)
		})
	}
}

func TestConfigFromContext(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamInChannels:        1,
		ParamOutChannels:       2,
		ParamBlockChannels:     "8, 16, 32",
		ParamDownBlockTypes:    "plain, attn, attn",
		ParamUpBlockTypes:      "attn, attn, plain",
		ParamNumResBlocks:      3,
		ParamAttentionHeadDim:  8,
		ParamTimeEmbedding:     TimeEmbeddingFourier,
		ParamFourierSize:       4,
		ParamSkipCombineMethod: CombineCat,
		ParamDType:             "float64",
	})
	model, err := NewFromContext(ctx)
	require.NoError(t, err)

	cfg := model.Config()
	assert.Equal(t, 1, cfg.InChannels)
	assert.Equal(t, 2, cfg.OutChannels)
	assert.Equal(t, []int{8, 16, 32}, cfg.BlockChannels)
	assert.Equal(t, []string{"plain", "attn", "attn"}, cfg.DownBlockTypes)
	assert.Equal(t, []string{"attn", "attn", "plain"}, cfg.UpBlockTypes)
	assert.Equal(t, 3, cfg.NumResBlocks)
	assert.Equal(t, TimeEmbeddingFourier, cfg.TimeEmbeddingType)
	assert.Equal(t, CombineCat, cfg.SkipCombineMethod)
	assert.Equal(t, dtypes.Float64, cfg.DType)
	assert.Equal(t, 1+3*3+2, model.NumSkipTensors())

	// A malformed channel list is ignored as a whole, keeping the previous
	// configuration rather than a partial prefix.
	badCtx := context.New()
	badCtx.SetParams(map[string]any{ParamBlockChannels: "8, sixteen, 32"})
	assert.Equal(t, New().BlockChannels, New().FromContext(badCtx).BlockChannels)
}

func TestForwardShape(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	model, err := New().
		WithChannels(3, 6).
		WithBlockChannels(64, 128).
		WithDownBlockTypes(DownBlockPlain, DownBlockPlain).
		WithUpBlockTypes(UpBlockPlain, UpBlockPlain).
		WithNumResBlocks(2).
		WithImageSize(32).
		Done()
	require.NoError(t, err)
	assert.Equal(t, 2, model.MinSpatialFactor())
	// 1 input conv + 2 levels x 2 resnets + 1 downsample.
	assert.Equal(t, 6, model.NumSkipTensors())

	g := NewGraph(backend, "ForwardShape")
	sample := IotaFull(g, shapes.Make(dtypes.Float32, 1, 32, 32, 3))
	timestep := Const(g, int32(0))
	prediction := model.Forward(ctx, sample, timestep)
	require.NotNil(t, prediction)
	assert.Equal(t, []int{1, 32, 32, 6}, prediction.Shape().Dimensions)
	assert.Equal(t, dtypes.Float32, prediction.DType())
}

func TestForwardBlockVariants(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, method := range []string{CombineSum, CombineCat} {
		t.Run(method, func(t *testing.T) {
			ctx := context.New()
			model, err := New().
				WithChannels(3, 3).
				WithBlockChannels(8, 16, 16).
				WithDownBlockTypes(DownBlockSkip, DownBlockAttnSkip, DownBlockAttn).
				WithUpBlockTypes(UpBlockAttn, UpBlockAttn, UpBlockPlain).
				WithNumResBlocks(1).
				WithAttentionHeadDim(4).
				WithSkipCombineMethod(method).
				Done()
			require.NoError(t, err)

			g := NewGraph(backend, "ForwardBlockVariants-"+method)
			sample := IotaFull(g, shapes.Make(dtypes.Float32, 1, 16, 16, 3))
			timesteps := Const(g, []float32{0.5})
			prediction := model.Forward(ctx, sample, timesteps)
			assert.Equal(t, []int{1, 16, 16, 3}, prediction.Shape().Dimensions)
		})
	}
}

func TestForwardFourierTimeEmbedding(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	model, err := New().
		WithChannels(3, 3).
		WithBlockChannels(8, 16).
		WithDownBlockTypes(DownBlockPlain, DownBlockAttn).
		WithUpBlockTypes(UpBlockAttn, UpBlockPlain).
		WithNumResBlocks(1).
		WithAttentionHeadDim(4).
		WithFourierTimeEmbedding(4, 16).
		Done()
	require.NoError(t, err)

	g := NewGraph(backend, "ForwardFourier")
	sample := IotaFull(g, shapes.Make(dtypes.Float32, 2, 8, 8, 3))
	timesteps := Const(g, []float32{0.1, 0.9})
	prediction := model.Forward(ctx, sample, timesteps)
	assert.Equal(t, []int{2, 8, 8, 3}, prediction.Shape().Dimensions)
}

func TestForwardScalarTimestepBroadcasts(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	model := tinyModel(t)

	g := NewGraph(backend, "ForwardScalarTimestep")
	sample := IotaFull(g, shapes.Make(dtypes.Float32, 3, 8, 8, 3))
	timestep := Const(g, int32(42))
	prediction := model.Forward(ctx, sample, timestep)
	assert.Equal(t, []int{3, 8, 8, 3}, prediction.Shape().Dimensions)
}

func TestForwardShapeErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := tinyModel(t)

	t.Run("WrongInputChannels", func(t *testing.T) {
		ctx := context.New()
		g := NewGraph(backend, "WrongInputChannels")
		sample := IotaFull(g, shapes.Make(dtypes.Float32, 1, 8, 8, 4))
		require.Panics(t, func() {
			_ = model.Forward(ctx, sample, Const(g, int32(0)))
		})
	})

	t.Run("MismatchedTimesteps", func(t *testing.T) {
		ctx := context.New()
		g := NewGraph(backend, "MismatchedTimesteps")
		sample := IotaFull(g, shapes.Make(dtypes.Float32, 3, 8, 8, 3))
		require.Panics(t, func() {
			_ = model.Forward(ctx, sample, Const(g, []int32{0, 1}))
		})
	})

	// Odd spatial sizes break skip alignment: 33 floors to 17 on the way
	// down, upsamples back to 34.
	t.Run("IndivisibleSpatialSize", func(t *testing.T) {
		ctx := context.New()
		g := NewGraph(backend, "IndivisibleSpatialSize")
		sample := IotaFull(g, shapes.Make(dtypes.Float32, 1, 33, 33, 3))
		require.Panics(t, func() {
			_ = model.Forward(ctx, sample, Const(g, int32(0)))
		})
	})
}

func TestDenoiser(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	model := tinyModel(t)

	denoiser := must.M1(model.NewDenoiser(backend, ctx))
	defer denoiser.Finalize()
	assert.Same(t, model, denoiser.Model())

	sample := make([][][][]float32, 1)
	sample[0] = make([][][]float32, 8)
	for i := range sample[0] {
		sample[0][i] = make([][]float32, 8)
		for j := range sample[0][i] {
			sample[0][i][j] = []float32{0.1, 0.2, 0.3}
		}
	}
	prediction, err := denoiser.Denoise(sample, []int32{7})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 8, 8, 3}, prediction.Shape().Dimensions)

	// Same weights, same inputs: inference must be deterministic.
	repeated := denoiser.MustDenoise(sample, []int32{7})
	assert.True(t, prediction.Equal(repeated))
}
