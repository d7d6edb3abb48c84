package progress

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

func TestBroker_DeliversToSubscribersOfBusiness(t *testing.T) {
	b := NewBroker()
	chA, cancelA := b.Subscribe("biz-a")
	defer cancelA()
	chB, cancelB := b.Subscribe("biz-b")
	defer cancelB()

	require.NoError(t, b.Emit(context.Background(), models.ProgressEvent{BusinessID: "biz-a", Stage: models.StageResearch, Percent: 20}))

	select {
	case ev := <-chA:
		assert.Equal(t, models.StageResearch, ev.Stage)
		assert.Equal(t, 20, ev.Percent)
	default:
		t.Fatal("expected event for biz-a")
	}
	select {
	case ev := <-chB:
		t.Fatalf("biz-b received foreign event %+v", ev)
	default:
	}
}

func TestBroker_FullSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker()
	_, cancel := b.Subscribe("biz")
	defer cancel()

	for i := 0; i < subscriberBuffer*2; i++ {
		require.NoError(t, b.Emit(context.Background(), models.ProgressEvent{BusinessID: "biz", Percent: i}))
	}
}

func TestBroker_CancelClosesAndRemoves(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("biz")
	assert.Equal(t, 1, b.Subscribers("biz"))

	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, b.Subscribers("biz"))
}

func TestSafe_RecoversPanic(t *testing.T) {
	panicky := Func(func(context.Context, models.ProgressEvent) error { panic("boom") })

	err := Safe(context.Background(), panicky, models.ProgressEvent{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestSafe_NilEmitter(t *testing.T) {
	assert.NoError(t, Safe(context.Background(), nil, models.ProgressEvent{}))
}

func TestMulti_ContinuesPastFailures(t *testing.T) {
	var delivered []string
	record := func(name string) Emitter {
		return Func(func(context.Context, models.ProgressEvent) error {
			delivered = append(delivered, name)
			return nil
		})
	}
	failing := Func(func(context.Context, models.ProgressEvent) error { return errors.New("down") })
	panicky := Func(func(context.Context, models.ProgressEvent) error { panic("boom") })

	m := Multi{record("first"), failing, panicky, record("last")}
	err := m.Emit(context.Background(), models.ProgressEvent{BusinessID: "biz"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []string{"first", "last"}, delivered)
}

func TestLogEmitter_NeverFails(t *testing.T) {
	assert.NoError(t, NewLogEmitter(nil).Emit(context.Background(), models.ProgressEvent{BusinessID: "biz"}))
}

func TestChannel(t *testing.T) {
	assert.Equal(t, "meridian:progress:biz-1", Channel("biz-1"))
}
