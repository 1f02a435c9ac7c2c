package worker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIdealConcurrencyDefaultsToMin(t *testing.T) {
	cc := NewCongestionController(2, 8)
	require.Equal(t, 2, cc.IdealConcurrency("unknown-host"))
}

func TestIdealConcurrencyIncreasesOnSuccess(t *testing.T) {
	cc := NewCongestionController(2, 8)
	cc.RecordOutcome("h1", 10*time.Millisecond, nil)
	base := cc.IdealConcurrency("h1")
	for i := 0; i < base+1; i++ {
		cc.RecordOutcome("h1", 10*time.Millisecond, nil)
	}
	require.Greater(t, cc.IdealConcurrency("h1"), base)
}

func TestIdealConcurrencyHalvesOnError(t *testing.T) {
	cc := NewCongestionController(1, 16)
	for i := 0; i < 20; i++ {
		cc.RecordOutcome("h1", 10*time.Millisecond, nil)
	}
	before := cc.IdealConcurrency("h1")
	cc.RecordOutcome("h1", 10*time.Millisecond, errors.New("boom"))
	after := cc.IdealConcurrency("h1")
	require.LessOrEqual(t, after, before/2+1)
	require.GreaterOrEqual(t, after, 1)
}

func TestIdealConcurrencyClampsToMax(t *testing.T) {
	cc := NewCongestionController(1, 3)
	for i := 0; i < 100; i++ {
		cc.RecordOutcome("h1", time.Millisecond, nil)
		cc.IdealConcurrency("h1")
	}
	require.LessOrEqual(t, cc.IdealConcurrency("h1"), 3)
}
