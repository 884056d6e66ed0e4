// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unet

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
)

// spatialSelfAttention applies multi-head self-attention over the spatial
// positions of x, shaped [batch, height, width, channels]: the feature map
// is normalized, flattened to a [batch, height*width, channels] sequence,
// attended with channels/AttentionHeadDim heads and added back as a
// residual. The output shape equals the input shape.
//
// Attention lets distant regions exchange information, which convolutions
// alone only achieve after many layers. It is only affordable at the
// coarser levels, where height*width is small.
func (m *Model) spatialSelfAttention(ctx *context.Context, x *Node) *Node {
	x.AssertRank(4)
	batchSize, height, width, channels := x.Shape().Dim(0), x.Shape().Dim(1), x.Shape().Dim(2), x.Shape().Dim(3)
	headDim := m.config.AttentionHeadDim
	numHeads := channels / headDim // Divisibility checked at Config.Done.
	residual := x

	h := GroupNorm(ctx.In("norm"), x, m.config.NormEpsilon)
	seq := Reshape(h, batchSize, height*width, channels)
	seq = attention.MultiHeadAttention(ctx, seq, seq, seq, numHeads, headDim).
		SetOutputDim(channels).Done()
	return Add(Reshape(seq, batchSize, height, width, channels), residual)
}
