// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unet

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// SinusoidalTimestepEmbedding lifts a vector of timesteps shaped [batch]
// into [batch, dim] with the transformer positional encoding: half the
// features are sines, half cosines, over frequencies geometrically spaced
// from 1 down to 1/10000.
//
// If flipSinToCos is set the cosine half comes first. freqShift offsets the
// frequency denominator (dim/2 - freqShift). An odd dim gets one zero column
// appended.
func SinusoidalTimestepEmbedding(timesteps *Node, dim int, flipSinToCos bool, freqShift float64) *Node {
	g := timesteps.Graph()
	dtype := timesteps.DType()
	if dim < 2 {
		exceptions.Panicf("sinusoidal timestep embedding requires dim >= 2, got %d", dim)
	}
	timesteps.AssertRank(1)

	halfDim := dim / 2
	exponents := IotaFull(g, shapes.Make(dtype, halfDim))
	exponents = MulScalar(exponents, -math.Log(10000.0)/(float64(halfDim)-freqShift))
	frequencies := Exp(exponents) // [halfDim], from 1 down to ~1/10000.

	angles := Mul(ExpandDims(timesteps, -1), ExpandLeftToRank(frequencies, 2)) // [batch, halfDim]
	halves := []*Node{Sin(angles), Cos(angles)}
	if flipSinToCos {
		halves[0], halves[1] = halves[1], halves[0]
	}
	embedding := Concatenate(halves, -1)
	if dim%2 == 1 {
		embedding = Pad(embedding, ScalarZero(g, dtype), PadAxis{}, PadAxis{End: 1})
	}
	return embedding
}

// GaussianFourierProjection lifts a vector of timesteps shaped [batch] into
// [batch, 2*size] using fixed random frequencies drawn from N(0, scale²).
// The frequencies are stored as a non-trainable variable in ctx so they stay
// constant across training steps and checkpoints.
func GaussianFourierProjection(ctx *context.Context, timesteps *Node, size int, scale float64) *Node {
	g := timesteps.Graph()
	dtype := timesteps.DType()
	timesteps.AssertRank(1)

	weightsVar := ctx.WithInitializer(initializers.RandomNormalFn(ctx, scale)).
		VariableWithShape("weights", shapes.Make(dtype, size))
	weightsVar.SetTrainable(false)
	weights := weightsVar.ValueGraph(g)

	angles := Mul(ExpandDims(timesteps, -1), ExpandLeftToRank(weights, 2))
	angles = MulScalar(angles, 2.0*math.Pi) // [batch, size]
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
}

// timestepEmbedding converts timesteps shaped [batch] into the conditioning
// vector [batch, timeEmbedDim] fed to every residual block: the configured
// projection followed by a two-layer MLP.
func (m *Model) timestepEmbedding(ctx *context.Context, timesteps *Node) *Node {
	var projected *Node
	switch m.config.TimeEmbeddingType {
	case TimeEmbeddingPositional:
		projected = SinusoidalTimestepEmbedding(
			timesteps, m.config.BlockChannels[0], m.config.FlipSinToCos, m.config.FreqShift)
	case TimeEmbeddingFourier:
		projected = GaussianFourierProjection(
			ctx.In("fourier_proj"), timesteps, m.config.FourierSize, m.config.FourierScale)
	default:
		exceptions.Panicf("unknown time embedding type %q", m.config.TimeEmbeddingType)
	}

	embedding := layers.Dense(ctx.In("linear_1"), projected, true, m.timeEmbedDim)
	embedding = activations.Apply(m.timeActivation, embedding)
	return layers.Dense(ctx.In("linear_2"), embedding, true, m.timeEmbedDim)
}
