package syncer

import "math"

// AdaptiveFPR computes the bloom filter false-positive rate for the next
// exchange from the local and peer collection sizes and the convergence
// budget (the target number of round-trips until equality).
//
// Two peers exchanging filters of rate p over n elements converge in about
// 2·log_p(n) exchanges. Solving for p with a target of cycles round-trips
// gives p = n^(-1/(0.5·cycles)), capped at 0.5: a coarser filter carries no
// information. lowAccuracy forces the cap, minimizing bandwidth when extra
// cycles are acceptable.
func AdaptiveFPR(local, peer, cycles int, lowAccuracy bool) float64 {
	if lowAccuracy {
		return 0.5
	}
	if cycles < 1 {
		cycles = 1
	}
	n := max(1, local, peer)
	return math.Min(0.5, math.Pow(float64(n), -1/(0.5*float64(cycles))))
}
