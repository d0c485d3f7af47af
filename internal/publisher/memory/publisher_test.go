package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/record-reconciler/internal/records"
)

var _ records.Publisher = (*Publisher)(nil)

type summary struct {
	RunID    string `json:"run_id"`
	Platform string `json:"platform"`
}

func TestPublishKeepsEncodedSummaries(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()
	id, err := pub.Publish(ctx, "runs", summary{RunID: "run-1", Platform: "portal"})
	require.NoError(t, err)
	assert.Equal(t, "runs-1", id)
	_, err = pub.Publish(ctx, "audit", summary{RunID: "run-2"})
	require.NoError(t, err)
	_, err = pub.Publish(ctx, "runs", summary{RunID: "run-3", Platform: "tutelas"})
	require.NoError(t, err)

	last, ok := pub.Last("runs")
	require.True(t, ok)
	assert.Equal(t, "runs-3", last.ID)
	var decoded summary
	require.NoError(t, json.Unmarshal(last.Data, &decoded))
	assert.Equal(t, summary{RunID: "run-3", Platform: "tutelas"}, decoded)
	assert.Equal(t, "application/json", last.Attributes["content_type"])

	_, ok = pub.Last("missing")
	assert.False(t, ok)

	all := pub.Messages()
	require.Len(t, all, 3)
	all[0].Topic = "changed"
	assert.Equal(t, "runs", pub.Messages()[0].Topic)
}

func TestPublishRejects(t *testing.T) {
	t.Parallel()

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name    string
		ctx     context.Context
		topic   string
		payload any
	}{
		{name: "cancelled context", ctx: cancelled, topic: "runs", payload: summary{}},
		{name: "empty topic", ctx: context.Background(), payload: summary{}},
		{name: "unencodable payload", ctx: context.Background(), topic: "runs", payload: make(chan int)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			pub := New()
			_, err := pub.Publish(tc.ctx, tc.topic, tc.payload)
			require.Error(t, err)
			assert.Empty(t, pub.Messages())
		})
	}
}
