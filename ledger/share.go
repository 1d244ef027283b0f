package ledger

import "math/big"

// Scale is the fixed-point factor applied to AccPerShare.
var Scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// accrue adds amount to the per-share accumulator for n beneficiaries.
// The division remainder is carried in rem so that after any sequence of
// deposits acc == floor(total*Scale/n) exactly.
func accrue(acc, rem, amount *big.Int, n int) (newAcc, newRem *big.Int) {
	num := new(big.Int).Mul(amount, Scale)
	num.Add(num, rem)
	q, r := new(big.Int).QuoRem(num, big.NewInt(int64(n)), new(big.Int))
	return q.Add(q, acc), r
}

// entitlement is the whole-unit share owed to every beneficiary for acc.
func entitlement(acc *big.Int) *big.Int {
	return new(big.Int).Quo(acc, Scale)
}

// owed returns entitlement(acc) - withdrawn, never negative.
func owed(acc, withdrawn *big.Int) *big.Int {
	out := entitlement(acc)
	out.Sub(out, withdrawn)
	if out.Sign() < 0 {
		return new(big.Int)
	}
	return out
}

func clone(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}
