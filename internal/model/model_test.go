package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{RequestStatusReceived, RequestStatusProcessing, true},
		{RequestStatusReceived, RequestStatusFailed, true},
		{RequestStatusReceived, RequestStatusCompleted, false},
		{RequestStatusReceived, RequestStatusReceived, true},
		{RequestStatusProcessing, RequestStatusCompleted, true},
		{RequestStatusProcessing, RequestStatusFailed, true},
		{RequestStatusProcessing, RequestStatusPartial, true},
		{RequestStatusProcessing, RequestStatusReceived, false},
		{RequestStatusProcessing, RequestStatusProcessing, true},
		{RequestStatusPartial, RequestStatusCompleted, false},
		{RequestStatusPartial, RequestStatusPartial, false},
		{RequestStatusFailed, RequestStatusProcessing, false},
		{RequestStatusCompleted, RequestStatusFailed, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransitionTo(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestIdempotencyKeyIsExpired(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	k := &IdempotencyKey{ExpiresAt: now}

	assert.False(t, k.IsExpired(now))
	assert.True(t, k.IsExpired(now.Add(time.Second)))
	assert.False(t, k.IsExpired(now.Add(-time.Second)))
}
