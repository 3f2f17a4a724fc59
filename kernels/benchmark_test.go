package kernels

import (
	"math/rand"
	"testing"

	"github.com/sbl8/superablate/core"
)

// Helper function to generate random float32 slices
func generateRandomFloat32(size int) []float32 {
	data := make([]float32, size)
	for i := range data {
		data[i] = rand.Float32()*200 - 100 // Range: -100 to 100
	}
	return data
}

func generateMatrix(rows, cols int) *core.Matrix {
	return &core.Matrix{Rows: rows, Cols: cols, Data: generateRandomFloat32(rows * cols)}
}

func BenchmarkDot_1K(b *testing.B) {
	x := generateRandomFloat32(1024)
	y := generateRandomFloat32(1024)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Dot(x, y)
	}
}

func BenchmarkDot_16K(b *testing.B) {
	x := generateRandomFloat32(16384)
	y := generateRandomFloat32(16384)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Dot(x, y)
	}
}

func BenchmarkMatMul_64(b *testing.B) {
	x := generateMatrix(64, 64)
	y := generateMatrix(64, 64)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = MatMul(x, y)
	}
}

func BenchmarkMatMulTransB_100x256(b *testing.B) {
	field := generateMatrix(128, 256)
	path := generateMatrix(100, 256)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = MatMulTransB(field, path)
	}
}

func BenchmarkSoftmax_1K(b *testing.B) {
	data := generateRandomFloat32(1024)
	work := make([]float32, len(data))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		copy(work, data)
		Softmax(work)
	}
}

func BenchmarkSymEigen_64(b *testing.B) {
	m := generateMatrix(64, 64)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = SymEigen(m)
	}
}

func BenchmarkPairwiseDistances_128(b *testing.B) {
	m := generateMatrix(128, 64)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = PairwiseDistances(m)
	}
}
