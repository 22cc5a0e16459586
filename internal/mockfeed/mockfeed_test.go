package mockfeed_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/require"

	"github.com/example/touristwatch/internal/mockfeed"
	"github.com/example/touristwatch/internal/tourist/ingest"
)

type fixedSource int64

func (s fixedSource) Int63() int64 { return int64(s) }
func (fixedSource) Seed(int64)     {}

type stubClock struct{ now time.Time }

func (c stubClock) Now() time.Time { return c.now }

func TestTickClampsScores(t *testing.T) {
	seeds := []mockfeed.Seed{
		{ID: "HIGH", Latitude: 10, Longitude: 20, SafetyScore: 99},
	}
	// Float64 draws about 0.87, so every step moves up
	gen := mockfeed.NewGenerator(seeds, fixedSource(8e18), stubClock{now: time.Unix(0, 0)})
	for i := 0; i < 3; i++ {
		_, err := gen.Tick()
		require.NoError(t, err)
	}
	got := gen.Tourists()[0]
	require.Equal(t, 100.0, got.SafetyScore)
	require.Greater(t, got.Latitude, 10.0)
	require.Less(t, got.Latitude-10, 3*mockfeed.CoordinateJitter/2)

	low := mockfeed.NewGenerator([]mockfeed.Seed{{ID: "LOW", SafetyScore: 1}}, fixedSource(0), nil)
	_, err := low.Tick()
	require.NoError(t, err)
	require.Equal(t, 0.0, low.Tourists()[0].SafetyScore)
}

func TestGeneratorDoesNotAliasSeeds(t *testing.T) {
	seeds := []mockfeed.Seed{{ID: "A", Latitude: 1, Longitude: 1, SafetyScore: 50}}
	gen := mockfeed.NewGenerator(seeds, fixedSource(0), nil)
	_, err := gen.Tick()
	require.NoError(t, err)
	require.Equal(t, 1.0, seeds[0].Latitude)
}

func TestBatchParsesAsFeed(t *testing.T) {
	now := time.Date(2024, 1, 15, 9, 45, 0, 0, time.UTC)
	gen := mockfeed.NewGenerator(mockfeed.DemoTourists, fixedSource(1<<62), stubClock{now: now})
	batch, err := gen.Tick()
	require.NoError(t, err)

	positions, entryErrs, err := ingest.NewParser(ingest.DefaultSafetyScore, nil).Parse(batch)
	require.NoError(t, err)
	require.Empty(t, entryErrs)
	require.Len(t, positions, len(mockfeed.DemoTourists))
	require.Equal(t, "T001", positions[0].ID)
	require.True(t, positions[0].Timestamp.Equal(now))
	require.InDelta(t, 85, positions[0].SafetyScore, mockfeed.ScoreJitter/2)
}

func TestFeedServesSSE(t *testing.T) {
	gen := mockfeed.NewGenerator(mockfeed.DemoTourists, nil, nil)
	sinkDone := make(chan struct{}, 1)
	feed := mockfeed.NewFeed(gen, 20*time.Millisecond, nil, func(_ context.Context, _ []byte) error {
		select {
		case sinkDone <- struct{}{}:
		default:
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = feed.Run(ctx) }()

	srv := httptest.NewServer(feed)
	t.Cleanup(srv.Close)

	stream, err := ingest.NewSSETransport(srv.URL, nil).Open(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = stream.Close() })

	parser := ingest.NewParser(ingest.DefaultSafetyScore, nil)
	for i := 0; i < 2; i++ {
		data, err := stream.Next(ctx)
		require.NoError(t, err)
		positions, _, err := parser.Parse(data)
		require.NoError(t, err)
		require.Len(t, positions, len(mockfeed.DemoTourists))
	}
	require.Equal(t, 1, feed.Subscribers())

	select {
	case <-sinkDone:
	case <-time.After(time.Second):
		t.Fatal("sink never received a batch")
	}
}

func TestWithBreakerOpensAfterFailures(t *testing.T) {
	calls := 0
	failing := func(context.Context, []byte) error {
		calls++
		return errors.New("receiver down")
	}
	sink := mockfeed.WithBreaker(failing, mockfeed.BreakerConfig{Name: "relay", FailureThreshold: 2, OpenTimeout: time.Hour}, nil)

	ctx := context.Background()
	require.Error(t, sink(ctx, nil))
	require.Error(t, sink(ctx, nil))
	err := sink(ctx, nil)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	require.Equal(t, 2, calls)
}
