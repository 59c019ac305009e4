package shonan

// buildQ assembles the 3n x 3n data matrix encoding all pairwise
// measurement residuals: for each measurement (i, j, R, kappa) it adds
// kappa*I at (i,i) and (j,j), -kappa*R at (i,j) and -kappa*R^T at (j,i),
// so that for a stacked block-orthonormal variable X,
//
//	tr(X^T Q X) = sum over measurements of kappa * ||Y_j - Y_i R||_F^2
//
// up to the additive constant 6*sum(kappa). Q is therefore symmetric
// positive-semidefinite by construction (a connection Laplacian of the
// measurement graph) and independent of the lifted dimension. Only
// pairwise residuals enter Q; gauge anchoring happens elsewhere.
func buildQ(g *Graph, useNoiseModel bool) (*blockMatrix, error) {
	q := newBlockMatrix(g.NumNodes())
	for _, m := range g.measurements {
		i, err := g.indexOf(m.Key1)
		if err != nil {
			return nil, err
		}
		j, err := g.indexOf(m.Key2)
		if err != nil {
			return nil, err
		}
		kappa := 1.0
		if useNoiseModel {
			kappa = m.Kappa
		}
		var r, rt [9]float64
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				r[3*a+b] = m.Rot.At(a, b)
				rt[3*a+b] = m.Rot.At(b, a)
			}
		}
		q.addScaledIdentity(i, kappa)
		q.addScaledIdentity(j, kappa)
		q.addBlock(i, j, -kappa, r)
		q.addBlock(j, i, -kappa, rt)
	}
	return q, nil
}
