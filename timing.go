package hivevault

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"time"
)

// TimingAttackProtection pads the wall-clock duration of sensitive
// operations so that success and failure are indistinguishable by latency.
//
// Each protected call draws a target delay from [minDelay, maxDelay]
// (uniformly random when configured, fixed at minDelay otherwise) and sleeps
// whatever time remains after the operation itself. An operation slower than
// the target returns immediately; padding only ever adds time.
type TimingAttackProtection struct {
	minDelay  time.Duration
	maxDelay  time.Duration
	randomize bool

	// sleep is swappable for tests.
	sleep func(time.Duration)
	now   func() time.Time
}

// NewTimingAttackProtection creates the protection from config. Zero config
// values yield a no-op protector.
func NewTimingAttackProtection(config TimingConfig) *TimingAttackProtection {
	return &TimingAttackProtection{
		minDelay:  time.Duration(config.MinDelayMs) * time.Millisecond,
		maxDelay:  time.Duration(config.MaxDelayMs) * time.Millisecond,
		randomize: config.Randomize,
		sleep:     time.Sleep,
		now:       time.Now,
	}
}

// ProtectedOperation runs op and pads the total duration to the per-call
// target. The operation's result and error pass through unchanged.
func (t *TimingAttackProtection) ProtectedOperation(op func() ([]byte, error)) ([]byte, error) {
	start := t.now()
	result, err := op()

	target := t.targetDelay()
	if elapsed := t.now().Sub(start); elapsed < target {
		t.sleep(target - elapsed)
	}
	return result, err
}

func (t *TimingAttackProtection) targetDelay() time.Duration {
	if t.maxDelay <= 0 {
		return t.minDelay
	}
	if !t.randomize || t.maxDelay <= t.minDelay {
		return t.minDelay
	}

	span := int64(t.maxDelay - t.minDelay)
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return t.maxDelay
	}
	offset := int64(binary.BigEndian.Uint64(buf[:]) % uint64(span+1))
	return t.minDelay + time.Duration(offset)
}

// ConstantTimeCompare compares two byte slices in constant time with respect
// to content. The inputs are first reduced to fixed-length digests so the
// comparison is also independent of input length, then compared with
// crypto/subtle. Used for every secret-vs-stored comparison in the vault.
func ConstantTimeCompare(a, b []byte) bool {
	da := sha256.Sum256(a)
	db := sha256.Sum256(b)
	return subtle.ConstantTimeCompare(da[:], db[:]) == 1
}
