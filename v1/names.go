package redimux

import "sync"

// Auto-generated names follow spec §4.7: when a Mutex is constructed with
// no names and no WithName override, one is minted by advancing a
// deterministic per-process string seed, the Go equivalent of Ruby's
// String#succ used by the source this spec distills. "z" rolls over to
// "aa" the same way a carry digit would in any positional counter; the seed
// starts at "__@" so the first few generated names stay visually distinct
// from anything a caller would plausibly choose by hand.
var (
	nameSeedMu sync.Mutex
	nameSeed   = "__@"
)

// ResetNameSeed restores the auto-name counter to its initial value. Tests
// that assert on generated names call this first so runs don't depend on
// how many Mutexes earlier tests constructed.
func ResetNameSeed() {
	nameSeedMu.Lock()
	defer nameSeedMu.Unlock()
	nameSeed = "__@"
}

// nextAutoName advances the seed and returns "<seed>.lock".
func nextAutoName() string {
	nameSeedMu.Lock()
	defer nameSeedMu.Unlock()
	nameSeed = succ(nameSeed)
	return nameSeed + ".lock"
}

// succ computes the lexicographic successor of s the way Ruby's
// String#succ does for alphanumeric strings: increment the rightmost
// alphanumeric character, carrying into the next one on rollover (z->a,
// Z->A, 9->0), and growing the string by one character, prefixed to match
// the carried character's class, if the carry propagates past the front.
func succ(s string) string {
	b := []byte(s)
	for i := len(b) - 1; i >= 0; i-- {
		c := b[i]
		switch {
		case c >= 'a' && c < 'z', c >= 'A' && c < 'Z', c >= '0' && c < '9':
			b[i]++
			return string(b)
		case c == 'z':
			b[i] = 'a'
		case c == 'Z':
			b[i] = 'A'
		case c == '9':
			b[i] = '0'
		default:
			// Non-alphanumeric: leave untouched and carry to the left,
			// same as Ruby treating it as a non-counting character.
			continue
		}
		if i == 0 {
			var lead byte
			switch {
			case c == 'z':
				lead = 'a'
			case c == 'Z':
				lead = 'A'
			case c == '9':
				lead = '1'
			}
			return string(lead) + string(b)
		}
	}
	return "a" + string(b)
}
