package haste

import "math/rand/v2"

// Zoneout retention masks. A mask entry of 1 keeps the newly computed state
// for that unit; 0 retains the previous timestep's value. Masks are sampled
// once, up front, by the caller: the forward and backward passes must apply
// the identical mask, so the engine never samples internally.

// FillZoneoutMask fills mask with n Bernoulli retention decisions for
// zoneout probability prob. The same seed always produces the same mask.
func FillZoneoutMask[T Float](mask DevicePtr, n int, prob float64, seed uint64) {
	rng := rand.New(rand.NewPCG(seed, 0x9e3779b97f4a7c15))
	m := devSlice[T](mask, n)
	for i := range m {
		if rng.Float64() < prob {
			m[i] = 0
		} else {
			m[i] = 1
		}
	}
}
