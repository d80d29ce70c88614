package webhooks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionValidate(t *testing.T) {
	tests := []struct {
		name    string
		sub     Subscription
		wantErr bool
	}{
		{
			name: "valid",
			sub:  Subscription{URL: "https://example.com/hook", EventTypes: []string{"Transfer"}},
		},
		{
			name:    "missing URL",
			sub:     Subscription{EventTypes: []string{"Transfer"}},
			wantErr: true,
		},
		{
			name:    "no event types",
			sub:     Subscription{URL: "https://example.com/hook"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sub.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSubscriptionMatches(t *testing.T) {
	sub := &Subscription{
		ID:         "sub-1",
		URL:        "https://example.com/hook",
		EventTypes: []string{"Transfer", "Approval"},
		ContractID: "0xabc",
		Active:     true,
	}

	assert.True(t, sub.Matches("Transfer", "0xabc"))
	assert.True(t, sub.Matches("Approval", "0xabc"))
	assert.False(t, sub.Matches("Mint", "0xabc"), "event type not subscribed")
	assert.False(t, sub.Matches("Transfer", "0xdef"), "different contract")

	sub.Active = false
	assert.False(t, sub.Matches("Transfer", "0xabc"), "inactive never matches")
}

func TestSubscriptionMatchesAnyContract(t *testing.T) {
	sub := &Subscription{
		ID:         "sub-2",
		URL:        "https://example.com/hook",
		EventTypes: []string{"Transfer"},
		Active:     true,
	}

	assert.True(t, sub.Matches("Transfer", "0xabc"))
	assert.True(t, sub.Matches("Transfer", "0xdef"))
	assert.False(t, sub.Matches("Approval", "0xabc"))
}

func TestNewSecret(t *testing.T) {
	a, err := NewSecret()
	require.NoError(t, err)
	b, err := NewSecret()
	require.NoError(t, err)

	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, len(a), 40)
}
