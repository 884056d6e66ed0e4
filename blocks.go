// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unet

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// combineSkipPyramid merges the downsampled input pyramid into the main
// path: the pyramid is projected to the main path's channel count with a
// 1x1 convolution and then summed or concatenated per the configured
// method. Both inputs must already be at the same spatial resolution.
func (m *Model) combineSkipPyramid(ctx *context.Context, pyramid, x *Node) *Node {
	assertSpatialMatch(pyramid, x, "skip pyramid combine")
	projected := layers.Convolution(ctx.In("skip_conv"), pyramid).
		Filters(x.Shape().Dim(-1)).KernelSize(1).PadSame().Done()
	switch m.config.SkipCombineMethod {
	case CombineSum:
		return Add(projected, x)
	case CombineCat:
		return Concatenate([]*Node{projected, x}, -1)
	default:
		exceptions.Panicf("unknown skip combine method %q", m.config.SkipCombineMethod)
	}
	return nil
}

// processDownBlock runs one contracting level: NumResBlocks residual blocks
// (each followed by self-attention on "attn" variants), then a 2x
// downsampler on all but the last level. Every residual block output and the
// downsampled output are appended to skips for the expanding path.
//
// pyramid is the input image downsampled to the current resolution; "skip"
// variants pool it alongside the main path and merge it after the
// downsample. It is passed through unchanged on other variants.
func (m *Model) processDownBlock(ctx *context.Context, plan downPlan, x, timeEmbedding, pyramid *Node) (
	newX *Node, skips []*Node, newPyramid *Node) {
	for i := range m.config.NumResBlocks {
		x = m.residualBlock(ctx.Inf("resnet_%d", i), x, timeEmbedding, plan.outChannels)
		if plan.withAttention {
			x = m.spatialSelfAttention(ctx.Inf("attn_%d", i), x)
		}
		skips = append(skips, x)
	}
	if plan.addDownsample {
		x = downsample2D(ctx.In("downsample"), x, plan.outChannels,
			m.config.DownsamplePadding, m.config.ConvResample)
		if plan.withPyramid {
			pyramid = MeanPool(pyramid).Window(2).NoPadding().Done()
			x = m.combineSkipPyramid(ctx.In("skip_combine"), pyramid, x)
		}
		skips = append(skips, x)
	}
	return x, skips, pyramid
}

// processMidBlock runs the bottleneck at the coarsest resolution: residual
// block, spatial self-attention, residual block. Channel count and spatial
// size are unchanged.
func (m *Model) processMidBlock(ctx *context.Context, x, timeEmbedding *Node) *Node {
	x = m.residualBlock(ctx.In("resnet_0"), x, timeEmbedding, m.midChannels)
	x = m.spatialSelfAttention(ctx.In("attn_0"), x)
	return m.residualBlock(ctx.In("resnet_1"), x, timeEmbedding, m.midChannels)
}

// processUpBlock runs one expanding level: NumResBlocks+1 residual blocks,
// each concatenating one skip tensor (most recently pushed first) to its
// input, then a 2x upsampler on all but the last level. skips must hold
// exactly plan.numResBlocks tensors in the order they were pushed.
func (m *Model) processUpBlock(ctx *context.Context, plan upPlan, x *Node, skips []*Node, timeEmbedding *Node) *Node {
	if len(skips) != plan.numResBlocks {
		exceptions.Panicf("up block got %d skip tensors, expected %d", len(skips), plan.numResBlocks)
	}
	for i := range plan.numResBlocks {
		var skip *Node
		skip, skips = skips[len(skips)-1], skips[:len(skips)-1]
		assertSpatialMatch(skip, x, "up block skip connection")
		if got := skip.Shape().Dim(-1); got != plan.skipChannels[i] {
			exceptions.Panicf("up block skip connection %d has %d channels, expected %d", i, got, plan.skipChannels[i])
		}
		x = Concatenate([]*Node{x, skip}, -1)
		x = m.residualBlock(ctx.Inf("resnet_%d", i), x, timeEmbedding, plan.outChannels)
		if plan.withAttention {
			x = m.spatialSelfAttention(ctx.Inf("attn_%d", i), x)
		}
	}
	if plan.addUpsample {
		x = upsample2D(ctx.In("upsample"), x, plan.outChannels, m.config.ConvResample)
	}
	return x
}
