package model

import "testing"

func TestUniformPrior(t *testing.T) {
	tests := []struct {
		shape []int
		want  float64
	}{
		{[]int{2, 4}, 0.25},
		{[]int{3, 5}, 0.2},
		{[]int{1}, 1},
	}
	for _, tt := range tests {
		p := UniformPrior(tt.shape)
		if p.NumElems != tt.shape[0]*tt.shape[len(tt.shape)-1] {
			t.Errorf("UniformPrior(%v) has %d elements", tt.shape, p.NumElems)
		}
		for _, v := range p.Data {
			if v != tt.want {
				t.Fatalf("UniformPrior(%v) value %v, expected %v", tt.shape, v, tt.want)
			}
		}
	}
}
