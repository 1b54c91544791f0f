package workload

// Random is a small seedable PRNG (splitmix64) whose entire state is the
// seed. The executor snapshots the seed before generating a transaction and
// reinstates it on abort, which makes retry generation deterministic; a
// stdlib rand.Rand cannot give its state back.
type Random struct {
	state uint64
}

func NewRandom(seed uint64) *Random {
	return &Random{state: seed}
}

// Seed returns the current state; feeding it to SetSeed replays the
// sequence from this point.
func (r *Random) Seed() uint64 { return r.state }

func (r *Random) SetSeed(seed uint64) { r.state = seed }

func (r *Random) Next() uint64 {
	r.state += 0x9e3779b97f4a7c15
	z := r.state
	z = (z ^ z>>30) * 0xbf58476d1ce4e5b9
	z = (z ^ z>>27) * 0x94d049bb133111eb
	return z ^ z>>31
}

// Uniform draws from [lo, hi], both inclusive.
func (r *Random) Uniform(lo, hi int64) int64 {
	return lo + int64(r.Next()%uint64(hi-lo+1))
}

func (r *Random) Float64() float64 {
	return float64(r.Next()>>11) / (1 << 53)
}

const characters = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// FillString fills dst with printable characters.
func (r *Random) FillString(dst []byte) {
	for i := range dst {
		dst[i] = characters[r.Uniform(0, int64(len(characters)-1))]
	}
}
