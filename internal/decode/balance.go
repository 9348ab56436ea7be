package decode

// LamportsPerSol converts lamports, the chain's base unit, to SOL.
const LamportsPerSol = 1_000_000_000.0

// Attribution is a wallet's net SOL movement across one transaction. At most
// one of Spent/Received is nonzero.
type Attribution struct {
	// Found reports whether the wallet's account index was present in the
	// balance arrays at all.
	Found bool

	// PreSOL and PostSOL are the wallet's balances around the transaction.
	PreSOL  float64
	PostSOL float64

	// Spent is the SOL the wallet paid out (balance decreased).
	Spent float64

	// Received is the SOL the wallet took in (balance increased).
	Received float64
}

// Delta returns the signed balance change in SOL.
func (a Attribution) Delta() float64 {
	return a.PostSOL - a.PreSOL
}

// AttributeBalance maps the parallel pre/post lamport balance arrays and a
// wallet's account index to that wallet's net SOL movement. The whole
// transaction's effect (fees, co-occurring transfers) lands on the wallet;
// this is a deliberate net-change approximation, not a per-instruction trace.
// An index of -1 or one outside the arrays yields a zero attribution.
func AttributeBalance(preBalances, postBalances []uint64, accountIndex int) Attribution {
	if accountIndex < 0 || accountIndex >= len(preBalances) || accountIndex >= len(postBalances) {
		return Attribution{}
	}

	pre := float64(preBalances[accountIndex]) / LamportsPerSol
	post := float64(postBalances[accountIndex]) / LamportsPerSol

	att := Attribution{Found: true, PreSOL: pre, PostSOL: post}
	switch delta := post - pre; {
	case delta < 0:
		att.Spent = -delta
	case delta > 0:
		att.Received = delta
	}
	return att
}
