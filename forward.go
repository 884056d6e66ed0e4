// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unet

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

// ModelScope is the context scope under which Forward creates all model
// variables.
const ModelScope = "unet"

// Forward builds the U-Net forward graph.
//
// sample is the batch of noisy inputs shaped
// [batch, height, width, InChannels]; timesteps holds one diffusion step per
// example, shaped [batch] (a scalar or a [1] tensor is broadcast to the
// whole batch) and of any numeric dtype. It returns the prediction shaped
// [batch, height, width, OutChannels].
//
// Height and width must be divisible by MinSpatialFactor, otherwise the
// decoder's skip connections no longer align after resampling, and graph
// building panics with a shape error.
//
// Variables are created in (or reused from) ctx under ModelScope, so the
// same Model value can build training and inference graphs over one
// context.
func (m *Model) Forward(ctx *context.Context, sample, timesteps *Node) *Node {
	ctx = ctx.In(ModelScope)
	dtype := m.config.DType
	sample.AssertRank(4)
	batchSize := sample.Shape().Dim(0)
	if sample.Shape().Dim(-1) != m.config.InChannels {
		exceptions.Panicf("sample has %d channels, model configured for InChannels=%d (shape %s)",
			sample.Shape().Dim(-1), m.config.InChannels, sample.Shape())
	}
	sample = ConvertDType(sample, dtype)

	// One timestep per example; a single value broadcasts over the batch.
	if timesteps.IsScalar() {
		timesteps = Reshape(timesteps, 1)
	}
	timesteps.AssertRank(1)
	timesteps = ConvertDType(timesteps, dtype)
	if timesteps.Shape().Dim(0) == 1 && batchSize > 1 {
		timesteps = BroadcastToDims(timesteps, batchSize)
	}
	timesteps.AssertDims(batchSize)

	timeEmbedding := m.timestepEmbedding(ctx.In("time_embedding"), timesteps)

	var pyramid *Node
	if m.usesPyramid {
		pyramid = sample
	}
	x := layers.Convolution(ctx.In("conv_in"), sample).
		Filters(m.config.BlockChannels[0]).KernelSize(3).PadSame().Done()

	// Contracting path, recording every intermediate for the skips.
	skips := make([]*Node, 0, len(m.skipChannels))
	skips = append(skips, x)
	for i, plan := range m.downPlans {
		var blockSkips []*Node
		x, blockSkips, pyramid = m.processDownBlock(ctx.Inf("down_%d", i), plan, x, timeEmbedding, pyramid)
		skips = append(skips, blockSkips...)
	}

	x = m.processMidBlock(ctx.In("mid"), x, timeEmbedding)

	// Expanding path, consuming the skips most-recent-first.
	for i, plan := range m.upPlans {
		blockSkips := skips[len(skips)-plan.numResBlocks:]
		skips = skips[:len(skips)-plan.numResBlocks]
		x = m.processUpBlock(ctx.Inf("up_%d", i), plan, x, blockSkips, timeEmbedding)
	}
	if len(skips) != 0 {
		exceptions.Panicf("%d skip tensors left unconsumed after the expanding path", len(skips))
	}

	x = GroupNorm(ctx.In("norm_out"), x, m.config.NormEpsilon)
	x = activations.Apply(m.activation, x)
	return layers.Convolution(ctx.In("conv_out"), x).
		Filters(m.config.OutChannels).KernelSize(3).PadSame().Done()
}

// Denoiser wraps a Model and a context into a compiled executor for
// inference, typically driven by a sampler loop.
type Denoiser struct {
	model *Model
	exec  *context.Exec
}

// NewDenoiser JIT-compiles the model's forward pass over ctx. The context
// must hold the trained weights (or will be initialized on first call).
// Graphs are compiled per input shape and cached, so calling it with a few
// different batch sizes is fine.
func (m *Model) NewDenoiser(backend backends.Backend, ctx *context.Context) (*Denoiser, error) {
	exec, err := context.NewExec(backend, ctx,
		func(ctx *context.Context, sample, timesteps *Node) *Node {
			return m.Forward(ctx, sample, timesteps)
		})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to compile denoiser")
	}
	return &Denoiser{model: m, exec: exec}, nil
}

// Denoise runs one forward pass. sample and timesteps are converted with
// tensors.FromAnyValue, so concrete tensors, Go slices or scalars all work.
func (d *Denoiser) Denoise(sample, timesteps any) (*tensors.Tensor, error) {
	return d.exec.Exec1(sample, timesteps)
}

// MustDenoise is like Denoise but panics on error.
func (d *Denoiser) MustDenoise(sample, timesteps any) *tensors.Tensor {
	return d.exec.MustExec1(sample, timesteps)
}

// Model returns the model this denoiser runs.
func (d *Denoiser) Model() *Model { return d.model }

// Finalize releases the compiled graphs. The denoiser must not be used
// afterwards.
func (d *Denoiser) Finalize() {
	d.exec.Finalize()
}
