package ingest_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/touristwatch/internal/tourist/domain"
	"github.com/example/touristwatch/internal/tourist/ingest"
)

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

var receivedAt = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func TestParseBatch(t *testing.T) {
	p := ingest.NewParser(ingest.DefaultSafetyScore, stubClock{t: receivedAt})
	positions, entryErrs, err := p.Parse([]byte(`{
		"B": {"lat": 28.61, "lon": 77.21, "timestamp": "2024-01-01T00:01:00Z", "safetyScore": 35},
		"A": {"lat": 28.60, "lon": 77.20, "timestamp": "2024-01-01T00:00:00Z"}
	}`))
	require.NoError(t, err)
	require.Empty(t, entryErrs)
	require.Equal(t, []domain.TouristPosition{
		{ID: "A", Latitude: 28.60, Longitude: 77.20, SafetyScore: 100, Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "B", Latitude: 28.61, Longitude: 77.21, SafetyScore: 35, Timestamp: time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)},
	}, positions)
}

func TestParseBatchSkipsMalformedEntries(t *testing.T) {
	p := ingest.NewParser(50, stubClock{t: receivedAt})
	positions, entryErrs, err := p.Parse([]byte(`{
		"ok1": {"lat": 1, "lon": 2, "timestamp": "2024-01-01T00:00:00Z"},
		"bad": {"lat": "north", "lon": 2},
		"ok2": {"lat": 3, "lon": 4}
	}`))
	require.NoError(t, err)
	require.Len(t, positions, 2)
	require.Equal(t, "ok1", positions[0].ID)
	require.Equal(t, "ok2", positions[1].ID)
	require.Equal(t, 50.0, positions[1].SafetyScore)
	require.Equal(t, receivedAt, positions[1].Timestamp)

	require.Len(t, entryErrs, 1)
	var entryErr *ingest.EntryError
	require.ErrorAs(t, entryErrs[0], &entryErr)
	require.Equal(t, "bad", entryErr.ID)
}

func TestParseBatchEntryErrors(t *testing.T) {
	p := ingest.NewParser(ingest.DefaultSafetyScore, nil)
	_, entryErrs, err := p.Parse([]byte(`{
		"": {"lat": 1, "lon": 2},
		"nolat": {"lon": 2},
		"nolon": {"lat": 2},
		"null": null,
		"badts": {"lat": 1, "lon": 1, "timestamp": "yesterday"},
		"scalar": 7
	}`))
	require.NoError(t, err)
	require.Len(t, entryErrs, 6)
	require.ErrorIs(t, entryErrs[0], domain.ErrEmptyID)
	require.ErrorIs(t, entryErrs[2], ingest.ErrMissingField)
	require.ErrorIs(t, entryErrs[3], ingest.ErrMissingField)
	require.ErrorIs(t, entryErrs[4], ingest.ErrMissingField)
}

func TestParseMalformedBatch(t *testing.T) {
	p := ingest.NewParser(ingest.DefaultSafetyScore, nil)
	for _, payload := range []string{`not json`, `[1,2]`, `null`, `"x"`} {
		_, _, err := p.Parse([]byte(payload))
		require.ErrorIs(t, err, ingest.ErrMalformedBatch, payload)
	}
}

func TestParseBatchTimestampLayouts(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+30*60)
	cases := []struct {
		name string
		in   string
		want time.Time
	}{
		{"rfc3339 utc", "2024-01-01T00:00:00Z", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"rfc3339 fraction and offset", "2024-01-01T05:30:00.5+05:30", time.Date(2024, 1, 1, 5, 30, 0, 5e8, ist)},
		{"basic offset", "2024-01-01T05:30:00+0530", time.Date(2024, 1, 1, 5, 30, 0, 0, ist)},
		{"no offset reads as utc", "2024-01-01T00:00:00.123456", time.Date(2024, 1, 1, 0, 0, 0, 123456000, time.UTC)},
		{"space separator", "2024-01-01 00:00:00+00:00", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	p := ingest.NewParser(ingest.DefaultSafetyScore, stubClock{t: receivedAt})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			positions, entryErrs, err := p.Parse([]byte(`{"A":{"lat":28.6,"lon":77.2,"timestamp":"` + tc.in + `"}}`))
			require.NoError(t, err)
			require.Empty(t, entryErrs)
			require.Len(t, positions, 1)
			require.True(t, positions[0].Timestamp.Equal(tc.want), "got %s", positions[0].Timestamp)
		})
	}
}
