package projection

// Trainable returns the indices of the vectors a model can be trained on:
// valid vectors of the most common dimension, in input order. Ties between
// dimensions go to the smaller one.
func Trainable(vectors [][]float32) []int {
	counts := make(map[int]int)
	mode := 0
	for _, v := range vectors {
		if checkVector(v, 0) != nil {
			continue
		}
		d := len(v)
		counts[d]++
		if counts[d] > counts[mode] || (counts[d] == counts[mode] && d < mode) {
			mode = d
		}
	}

	idx := make([]int, 0, counts[mode])
	for i, v := range vectors {
		if mode > 0 && len(v) == mode && checkVector(v, mode) == nil {
			idx = append(idx, i)
		}
	}
	return idx
}
