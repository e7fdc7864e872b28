// Package embedding provides the semantic backends used to compare a chat
// turn with benign and injection reference prototypes.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"time"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Name() string
}

// ErrTimeout is returned when a backend does not answer within the bound.
var ErrTimeout = errors.New("embedding backend timed out")

// PanicError wraps a panic raised inside a backend call. Callers treat it as
// an unexpected failure rather than a degraded backend.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("embedding backend panicked: %v", e.Value)
}

type embedResult struct {
	vec []float32
	err error
}

// EmbedWithTimeout calls e.Embed with a bounded deadline. The call runs on
// its own goroutine so a backend that ignores its context still cannot hold
// the caller past the timeout. Panics are recovered into *PanicError.
func EmbedWithTimeout(ctx context.Context, e Embedder, text string, timeout time.Duration) ([]float32, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan embedResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- embedResult{err: &PanicError{Value: r, Stack: debug.Stack()}}
			}
		}()
		vec, err := e.Embed(ctx, text)
		done <- embedResult{vec: vec, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil && len(res.vec) == 0 {
			return nil, fmt.Errorf("%s returned an empty embedding", e.Name())
		}
		return res.vec, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", e.Name(), ErrTimeout)
		}
		return nil, ctx.Err()
	}
}

// CosineSimilarity returns the cosine of the angle between a and b.
// A zero-magnitude vector has similarity 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, aMag, bMag float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}
	if aMag == 0 || bMag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}

// Mean returns the element-wise mean of vectors, which must share a length.
func Mean(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, errors.New("no vectors to average")
	}
	dim := len(vectors[0])
	if dim == 0 {
		return nil, errors.New("empty vector")
	}

	sum := make([]float64, dim)
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("vector %d has length %d, want %d", i, len(v), dim)
		}
		for j, x := range v {
			sum[j] += float64(x)
		}
	}

	out := make([]float32, dim)
	n := float64(len(vectors))
	for j := range sum {
		out[j] = float32(sum[j] / n)
	}
	return out, nil
}

// Prototype embeds every phrase and returns their mean vector.
func Prototype(ctx context.Context, e Embedder, phrases []string, timeout time.Duration) ([]float32, error) {
	if len(phrases) == 0 {
		return nil, errors.New("prototype needs at least one phrase")
	}
	vectors := make([][]float32, 0, len(phrases))
	for _, p := range phrases {
		vec, err := EmbedWithTimeout(ctx, e, p, timeout)
		if err != nil {
			return nil, fmt.Errorf("embed %q: %w", p, err)
		}
		vectors = append(vectors, vec)
	}
	return Mean(vectors)
}
