// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unet

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// groupCountFor picks the number of normalization groups for a channel
// count: at most 32, at most channels/4, and always a divisor of channels.
func groupCountFor(channels int) int {
	groups := min(32, channels/4)
	groups = max(groups, 1)
	for channels%groups != 0 {
		groups--
	}
	return groups
}

// GroupNorm normalizes x shaped [batch, height, width, channels] per
// example: channels are split into groups and each group is normalized to
// zero mean and unit variance over its spatial positions and channels, then
// scaled and shifted by learned per-channel parameters stored in ctx.
//
// Unlike batch normalization it has no running statistics, so it behaves
// identically in training and inference, which is what diffusion models
// need given their highly non-stationary inputs.
func GroupNorm(ctx *context.Context, x *Node, epsilon float64) *Node {
	g := x.Graph()
	dtype := x.DType()
	x.AssertRank(4)
	batchSize, height, width, channels := x.Shape().Dim(0), x.Shape().Dim(1), x.Shape().Dim(2), x.Shape().Dim(3)

	groups := groupCountFor(channels)
	grouped := Reshape(x, batchSize, height, width, groups, channels/groups)
	mean := ReduceAndKeep(grouped, ReduceMean, 1, 2, 4)
	normalized := Sub(grouped, mean)
	variance := ReduceAndKeep(Square(normalized), ReduceMean, 1, 2, 4)
	normalized = Div(normalized, Sqrt(AddScalar(variance, epsilon)))
	normalized = Reshape(normalized, batchSize, height, width, channels)

	scaleVar := ctx.WithInitializer(initializers.One).
		VariableWithShape("scale", shapes.Make(dtype, channels))
	offsetVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("offset", shapes.Make(dtype, channels))
	scale := ExpandLeftToRank(scaleVar.ValueGraph(g), 4)
	offset := ExpandLeftToRank(offsetVar.ValueGraph(g), 4)
	return Add(Mul(normalized, scale), offset)
}

// residualBlock is the basic unit of every level: two 3x3 convolutions with
// group normalization, conditioned on the timestep embedding between them,
// plus a residual connection (projected with a 1x1 convolution when the
// channel count changes).
//
// x is [batch, height, width, inChannels], timeEmbedding is
// [batch, timeEmbedDim]; the result is [batch, height, width, outChannels]
// at the same spatial size.
func (m *Model) residualBlock(ctx *context.Context, x, timeEmbedding *Node, outChannels int) *Node {
	g := x.Graph()
	dtype := x.DType()
	inChannels := x.Shape().Dim(-1)
	residual := x

	h := GroupNorm(ctx.In("norm1"), x, m.config.NormEpsilon)
	h = activations.Apply(m.activation, h)
	h = layers.Convolution(ctx.In("conv1"), h).
		Filters(outChannels).KernelSize(3).PadSame().Done()

	// Per-channel shift from the timestep embedding.
	shift := activations.Apply(m.activation, timeEmbedding)
	shift = layers.Dense(ctx.In("time_emb_proj"), shift, true, outChannels)
	h = Add(h, InsertAxes(shift, 1, 1)) // [batch, 1, 1, outChannels]

	h = GroupNorm(ctx.In("norm2"), h, m.config.NormEpsilon)
	h = activations.Apply(m.activation, h)
	if m.config.DropoutRate > 0 {
		h = layers.Dropout(ctx.In("dropout"), h, Scalar(g, dtype, m.config.DropoutRate))
	}
	h = layers.Convolution(ctx.In("conv2"), h).
		Filters(outChannels).KernelSize(3).PadSame().Done()

	if inChannels != outChannels {
		residual = layers.Convolution(ctx.In("shortcut"), residual).
			Filters(outChannels).KernelSize(1).PadSame().Done()
	}
	return Add(h, residual)
}

// downsample2D halves the spatial resolution. With useConv it pads by
// `padding` and applies a stride-2 3x3 convolution, so even sizes halve
// exactly and odd sizes floor (33 -> 17 with padding=1, 33 -> 16 with
// padding=0). Without useConv it is 2x2 average pooling.
func downsample2D(ctx *context.Context, x *Node, outChannels, padding int, useConv bool) *Node {
	g := x.Graph()
	x.AssertRank(4)
	if !useConv {
		return MeanPool(x).Window(2).NoPadding().Done()
	}
	if padding > 0 {
		x = Pad(x, ScalarZero(g, x.DType()),
			PadAxis{}, PadAxis{Start: padding, End: padding}, PadAxis{Start: padding, End: padding}, PadAxis{})
	} else {
		// Asymmetric right/bottom padding keeps stride-2 output at ceil(size/2)-floor semantics.
		x = Pad(x, ScalarZero(g, x.DType()),
			PadAxis{}, PadAxis{End: 1}, PadAxis{End: 1}, PadAxis{})
	}
	return layers.Convolution(ctx, x).
		Filters(outChannels).KernelSize(3).Strides(2).NoPadding().Done()
}

// upsample2D doubles the spatial resolution with nearest-neighbor
// interpolation, optionally refined by a 3x3 convolution.
func upsample2D(ctx *context.Context, x *Node, outChannels int, useConv bool) *Node {
	x.AssertRank(4)
	x = Interpolate(x, timage.GetUpSampledSizes(x, timage.ChannelsLast, 2)...).
		Nearest().Done()
	if useConv {
		x = layers.Convolution(ctx, x).
			Filters(outChannels).KernelSize(3).PadSame().Done()
	}
	return x
}

// assertSpatialMatch panics when two feature maps disagree on batch or
// spatial dimensions, which happens when the input size is not divisible by
// MinSpatialFactor and a skip tensor no longer lines up after resampling.
func assertSpatialMatch(a, b *Node, context string) {
	for _, axis := range []int{0, 1, 2} {
		if a.Shape().Dim(axis) != b.Shape().Dim(axis) {
			exceptions.Panicf(
				"%s: shapes %s and %s do not align on axis %d; "+
					"input height and width must be divisible by the model's spatial factor",
				context, a.Shape(), b.Shape(), axis)
		}
	}
}
