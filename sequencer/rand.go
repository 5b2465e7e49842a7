package sequencer

// splitmix64 is the usual seed-scrambling step. It is cheap and stateless,
// which keeps probability draws a pure function of their inputs.
func splitmix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	return x ^ (x >> 31)
}

// probDraw maps (seed, track, step, loop iteration) to a value in [0, 1).
// The same inputs always produce the same draw, so a probability pattern
// replays identically from the same seed.
func probDraw(seed uint64, track, step int, iteration uint64) float64 {
	h := splitmix64(seed ^
		uint64(track)*0x9E3779B97F4A7C15 ^
		uint64(step)*0xBF58476D1CE4E5B9 ^
		iteration*0x94D049BB133111EB)
	return float64(h>>11) / (1 << 53)
}
