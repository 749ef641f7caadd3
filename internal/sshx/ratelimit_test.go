package sshx

import (
	"testing"

	"github.com/artemis/dockhostd/internal/errs"
	"gotest.tools/v3/assert"
)

func TestRateLimiterAdmitsUpToMinuteCapThenRejects(t *testing.T) {
	limiter := NewRateLimiter()

	for i := 0; i < perMinuteCap; i++ {
		release, err := limiter.Acquire("h1")
		assert.NilError(t, err, "call %d should be admitted", i)
		release()
	}

	_, err := limiter.Acquire("h1")
	assert.Assert(t, err != nil)
	assert.Equal(t, errs.KindOf(err), errs.KindRateLimited)
}

func TestRateLimiterCapsArePerHost(t *testing.T) {
	limiter := NewRateLimiter()

	for i := 0; i < perMinuteCap; i++ {
		release, err := limiter.Acquire("busy")
		assert.NilError(t, err)
		release()
	}
	_, err := limiter.Acquire("busy")
	assert.Assert(t, err != nil)

	// A different host has its own untouched budget.
	release, err := limiter.Acquire("idle")
	assert.NilError(t, err)
	release()
}

func TestRateLimiterConcurrencyCap(t *testing.T) {
	limiter := NewRateLimiter()

	releases := make([]func(), 0, maxConcurrency)
	for i := 0; i < maxConcurrency; i++ {
		release, err := limiter.Acquire("h1")
		assert.NilError(t, err)
		releases = append(releases, release)
	}

	_, err := limiter.Acquire("h1")
	assert.Assert(t, err != nil)
	assert.Equal(t, errs.KindOf(err), errs.KindRateLimited)

	releases[0]()
	release, err := limiter.Acquire("h1")
	assert.NilError(t, err)
	release()

	for _, r := range releases[1:] {
		r()
	}
}
