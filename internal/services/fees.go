package services

// FeePolicy returns the platform fee retained from a payout of amount.
type FeePolicy interface {
	Fee(amount int64, currency string) int64
}

// FeeFunc adapts a function to FeePolicy.
type FeeFunc func(amount int64, currency string) int64

func (f FeeFunc) Fee(amount int64, currency string) int64 { return f(amount, currency) }

// BPSFee charges a flat rate in basis points, rounded down.
func BPSFee(bps int) FeePolicy {
	return FeeFunc(func(amount int64, _ string) int64 {
		if bps <= 0 {
			return 0
		}
		return amount * int64(bps) / 10000
	})
}
