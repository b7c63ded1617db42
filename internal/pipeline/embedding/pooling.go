package embedding

// Pool combines sub-chunk vectors from the oversize protocol into one
// pooled vector. weights is only consulted for "weighted" and
// "smooth_decay"; it is ignored (and may be nil) otherwise.
func Pool(strategy string, vecs [][]float32, weights []float64) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	if len(vecs) == 1 {
		return append([]float32(nil), vecs[0]...)
	}
	dim := len(vecs[0])
	out := make([]float32, dim)

	switch strategy {
	case "max":
		copy(out, vecs[0])
		for _, v := range vecs[1:] {
			for i := 0; i < dim && i < len(v); i++ {
				if v[i] > out[i] {
					out[i] = v[i]
				}
			}
		}
	case "weighted", "smooth_decay":
		for j, v := range vecs {
			w := float32(1)
			if j < len(weights) {
				w = float32(weights[j])
			}
			for i := 0; i < dim && i < len(v); i++ {
				out[i] += v[i] * w
			}
		}
	default: // "mean" and unrecognized strategies fall back to elementwise mean
		for _, v := range vecs {
			for i := 0; i < dim && i < len(v); i++ {
				out[i] += v[i]
			}
		}
		n := float32(len(vecs))
		for i := range out {
			out[i] /= n
		}
	}
	return out
}
