package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	ev := StakePlaced{
		BetID:     "b1",
		MarketID:  "m1",
		Outcome:   "Yes",
		Stake:     "10",
		Prices:    map[string]float64{"Yes": 0.51, "No": 0.49},
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	msg, err := NewMessage(TopicStakePlaced, ev.MarketID, ev)
	require.NoError(t, err)
	assert.Equal(t, TopicStakePlaced, msg.Topic)
	assert.Equal(t, "m1", string(msg.Key))

	var got StakePlaced
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, ev.BetID, got.BetID)
	assert.InDelta(t, 0.51, got.Prices["Yes"], 1e-12)
}

func TestNewMessageRejectsUnencodable(t *testing.T) {
	_, err := NewMessage(TopicRunFinished, "k", make(chan int))
	assert.Error(t, err)
}

func TestNewKafkaPublisherRequiresBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(" , ", nil)
	assert.Error(t, err)

	p, err := NewKafkaPublisher("localhost:9092, localhost:9093", nil)
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}

func TestMemoryPublisher(t *testing.T) {
	var p MemoryPublisher
	require.NoError(t, p.Publish(context.Background(), TopicRunFinished, "r1", RunFinished{RunID: "r1"}))

	got := p.Events()
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].Key)
	assert.Equal(t, "r1", got[0].Event.(RunFinished).RunID)
}
