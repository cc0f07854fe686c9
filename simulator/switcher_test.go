package simulator

import (
	"math"
	"testing"
)

func TestGreedyDropSwitcher(t *testing.T) {
	switcher := &GreedyDropSwitcher{
		SendRates: []float64{1.0, 2.0, 3.0},
		RecvRates: []float64{2.0, 1.0, 1.0},
	}
	inputMatrices := [][]float64{
		{
			0.0, 1.0, 0.0,
			0.0, 0.0, 1.0,
			1.0, 0.0, 0.0,
		},
		{
			1.0, 0.0, 0.0,
			1.0, 0.0, 0.0,
			1.0, 0.0, 0.0,
		},
		{
			1.0, 1.0, 1.0,
			1.0, 1.0, 1.0,
			1.0, 1.0, 1.0,
		},
	}
	outputMatrices := [][]float64{
		{
			0.0, 1.0, 0.0,
			0.0, 0.0, 1.0,
			2.0, 0.0, 0.0,
		},
		{
			1.0 / 3.0, 0.0, 0.0,
			2.0 / 3.0, 0.0, 0.0,
			3.0 / 3.0, 0.0, 0.0,
		},
		{
			1.0 / 3.0, 1.0 / 6.0, 1.0 / 6.0,
			2.0 / 3.0, 2.0 / 6.0, 2.0 / 6.0,
			3.0 / 3.0, 3.0 / 6.0, 3.0 / 6.0,
		},
	}
	for i, input := range inputMatrices {
		output := outputMatrices[i]
		connMat := NewConnMatFrom(3, append([]float64{}, input...))
		switcher.SwitchedRates(connMat)
		for j, actual := range connMat.Rates() {
			if math.Abs(actual-output[j]) > 0.001 {
				t.Errorf("test %d: expected %v but got %v", i, output, connMat.Rates())
				break
			}
		}
	}
}

func TestHostSwitcher(t *testing.T) {
	// Two hosts with two devices each.
	switcher := NewHostSwitcher(4, 2, 10.0, 1.0)
	connMat := NewConnMat(4)

	// Device 0 talks to its neighbor and to both devices
	// on the other host; device 1 talks to device 2.
	connMat.Set(0, 1, 1)
	connMat.Set(0, 2, 1)
	connMat.Set(0, 3, 1)
	connMat.Set(1, 2, 1)

	switcher.SwitchedRates(connMat)

	if rate := connMat.Get(0, 1); rate != 10.0 {
		t.Errorf("intra-node rate should be 10 but got %f", rate)
	}
	// Host 0 has three outgoing inter-node flows sharing
	// one NIC; host 1 receives three flows.
	for _, pair := range [][2]int{{0, 2}, {0, 3}, {1, 2}} {
		if rate := connMat.Get(pair[0], pair[1]); math.Abs(rate-1.0/3.0) > 1e-8 {
			t.Errorf("flow %v: expected rate 1/3 but got %f", pair, rate)
		}
	}
	if rate := connMat.Get(2, 0); rate != 0 {
		t.Errorf("idle flow should have rate 0 but got %f", rate)
	}
}
