package explain

// pathElem is one feature on the decision path: the fraction of "zero"
// paths (feature unknown) and "one" paths (feature fixed to x) flowing
// through it, and the permutation weight w.
type pathElem struct {
	d    int
	z, o float64
	w    float64
}

// SHAP returns exact path-dependent TreeSHAP values of x for the tree.
// base + sum(phi) equals t.Predict(x), with base the root value.
func (t *Tree) SHAP(x []float64, phi []float64) {
	t.recurse(0, x, phi, nil, 1, 1, -1)
}

func (t *Tree) recurse(j int, x, phi []float64, m []pathElem, pz, po float64, pi int) {
	m = extend(m, pz, po, pi)
	n := &t.Nodes[j]

	if n.Feature == leaf {
		for i := 1; i < len(m); i++ {
			w := unwoundSum(m, i)
			phi[m[i].d] += w * (m[i].o - m[i].z) * n.Value
		}
		return
	}

	hot, cold := n.Left, n.Right
	if x[n.Feature] > n.Threshold {
		hot, cold = cold, hot
	}

	iz, io := 1.0, 1.0
	for k := 1; k < len(m); k++ {
		if m[k].d == n.Feature {
			iz, io = m[k].z, m[k].o
			m = unwind(m, k)
			break
		}
	}

	t.recurse(hot, x, phi, m, iz*t.Nodes[hot].Cover/n.Cover, io, n.Feature)
	t.recurse(cold, x, phi, m, iz*t.Nodes[cold].Cover/n.Cover, 0, n.Feature)
}

// extend returns a copy of m grown by one element.
func extend(m []pathElem, pz, po float64, pi int) []pathElem {
	l := len(m)
	out := make([]pathElem, l+1)
	copy(out, m)
	w := 0.0
	if l == 0 {
		w = 1
	}
	out[l] = pathElem{d: pi, z: pz, o: po, w: w}
	for i := l - 1; i >= 0; i-- {
		out[i+1].w += po * out[i].w * float64(i+1) / float64(l+1)
		out[i].w = pz * out[i].w * float64(l-i) / float64(l+1)
	}
	return out
}

// unwind returns a copy of m with element i removed, undoing its extend.
func unwind(m []pathElem, i int) []pathElem {
	l := len(m) - 1
	o, z := m[i].o, m[i].z
	out := make([]pathElem, l)
	copy(out, m[:l])

	n := m[l].w
	for j := l - 1; j >= 0; j-- {
		if o != 0 {
			t := out[j].w
			out[j].w = n * float64(l+1) / (float64(j+1) * o)
			n = t - out[j].w*z*float64(l-j)/float64(l+1)
		} else {
			out[j].w = out[j].w * float64(l+1) / (z * float64(l-j))
		}
	}
	for j := i; j < l; j++ {
		out[j].d, out[j].z, out[j].o = m[j+1].d, m[j+1].z, m[j+1].o
	}
	return out
}

// unwoundSum is the total weight of unwind(m, i) without building it.
func unwoundSum(m []pathElem, i int) float64 {
	l := len(m) - 1
	o, z := m[i].o, m[i].z
	n := m[l].w
	var total float64
	for j := l - 1; j >= 0; j-- {
		if o != 0 {
			t := n * float64(l+1) / (float64(j+1) * o)
			total += t
			n = m[j].w - t*z*float64(l-j)/float64(l+1)
		} else {
			total += m[j].w * float64(l+1) / (z * float64(l-j))
		}
	}
	return total
}

// SHAP returns the forest's attribution for x: the mean of per-tree values.
func (f *Forest) SHAP(x []float64) []float64 {
	phi := make([]float64, f.NumFeatures)
	for i := range f.Trees {
		f.Trees[i].SHAP(x, phi)
	}
	for j := range phi {
		phi[j] /= float64(len(f.Trees))
	}
	return phi
}
