package mathx_test

import (
	"fmt"
	"math"
	"testing"

	"github.com/kho-unis/ascguard/mathx"
)

func ExampleWrapDegrees() {
	fmt.Println(mathx.WrapDegrees(-90), mathx.WrapDegrees(725))
	// Output: 270 5
}

func TestWrapDegrees(t *testing.T) {
	tests := []struct {
		in, out float64
	}{
		{0, 0},
		{359.5, 359.5},
		{360, 0},
		{-360, 0},
		{-1, 359},
		{481267.88123421, math.Mod(481267.88123421, 360)},
		{-1e-15, 0},
	}
	for _, tt := range tests {
		got := mathx.WrapDegrees(tt.in)
		if math.Abs(got-tt.out) > 1e-9 {
			t.Errorf("WrapDegrees(%v): expected %v got %v", tt.in, tt.out, got)
		}
		if got < 0 || got >= 360 {
			t.Errorf("WrapDegrees(%v) = %v is outside [0, 360)", tt.in, got)
		}
	}
}

func TestFinite(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if mathx.Finite(f) {
			t.Errorf("expected %v not to be finite", f)
		}
	}
	if !mathx.Finite(-12) {
		t.Error("expected -12 to be finite")
	}
}

func TestRound(t *testing.T) {
	if got := mathx.Round(-25.456, 0.01); math.Abs(got+25.46) > 1e-12 {
		t.Errorf("expected -25.46 got %v", got)
	}
	if got := mathx.Round(1.25, 0.5); got != 1.5 {
		t.Errorf("expected 1.5 got %v", got)
	}
}
