package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emerry-tsun/JMA/pkg/model"
)

type fakeWriter struct {
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPostMessage(t *testing.T) {
	now := time.Date(2024, 7, 1, 1, 5, 0, 0, time.UTC)
	post := model.Post{
		Account:  "tokyo-en",
		AreaCode: "1310100",
		Tier:     model.TierWarning,
		Lang:     model.LangEN,
		Text:     "% Chiyoda : Warning %",
	}

	msg, err := postMessage(post, now)
	require.NoError(t, err)

	assert.Equal(t, []byte("tokyo-en"), msg.Key)
	assert.JSONEq(t, `{"account":"tokyo-en","area_code":"1310100","tier":"warning","lang":"en","text":"% Chiyoda : Warning %"}`, string(msg.Value))
	require.Len(t, msg.Headers, 3)
	assert.Equal(t, "lang", msg.Headers[0].Key)
	assert.Equal(t, []byte("en"), msg.Headers[0].Value)
	assert.Equal(t, []byte("warning"), msg.Headers[1].Value)
	assert.Equal(t, []byte("2024-07-01T01:05:00Z"), msg.Headers[2].Value)
}

func TestKafka_Publish(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{writer: w, topic: "weather-alerts"}

	require.NoError(t, k.Publish(context.Background(), model.Post{Account: "a", Lang: model.LangJA, Text: "t"}))
	require.Len(t, w.msgs, 1)

	var got model.Post
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "t", got.Text)

	w.err = errors.New("broker down")
	err := k.Publish(context.Background(), model.Post{Account: "a"})
	assert.ErrorContains(t, err, "weather-alerts")

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}
