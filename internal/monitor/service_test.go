package monitor_test

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/example/touristwatch/internal/dashboard/live"
	"github.com/example/touristwatch/internal/geo"
	"github.com/example/touristwatch/internal/monitor"
	"github.com/example/touristwatch/internal/tourist/domain"
	"github.com/example/touristwatch/internal/tourist/ingest"
	"github.com/example/touristwatch/internal/tourist/metrics"
	"github.com/example/touristwatch/internal/tourist/store"
	"github.com/example/touristwatch/pkg/events"
)

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

var now = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type stubFeed struct {
	status    domain.ConnectionStatus
	listeners []func(ingest.Change)
	connects  int
	drops     int
}

func (f *stubFeed) Connect()                        { f.connects++ }
func (f *stubFeed) Disconnect()                     { f.drops++ }
func (f *stubFeed) Status() domain.ConnectionStatus { return f.status }
func (f *stubFeed) Subscribe(fn func(ingest.Change)) {
	f.listeners = append(f.listeners, fn)
}

func (f *stubFeed) emit(ch ingest.Change) {
	for _, fn := range f.listeners {
		fn(ch)
	}
}

type recordingHub struct {
	mu   sync.Mutex
	msgs []live.Message
}

func (h *recordingHub) Broadcast(msg live.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
}

type published struct {
	subject, eventType string
	payload            any
}

type recordingPublisher struct{ events []published }

func (p *recordingPublisher) Publish(_ context.Context, subject, eventType string, payload any) error {
	p.events = append(p.events, published{subject: subject, eventType: eventType, payload: payload})
	return nil
}

func seed(t *testing.T, st *store.MemoryStore, positions ...domain.TouristPosition) {
	t.Helper()
	for _, p := range positions {
		require.NoError(t, st.Upsert(context.Background(), p))
	}
}

func TestOverview(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st,
		domain.TouristPosition{ID: "T001", Latitude: 28.6139, Longitude: 77.209, SafetyScore: 85, Timestamp: now},
		domain.TouristPosition{ID: "T002", Latitude: 19.076, Longitude: 72.8777, SafetyScore: 35, Timestamp: now},
	)
	feed := &stubFeed{status: domain.ConnectionStatus{State: domain.StateConnected, MaxRetries: 5}}
	svc := monitor.NewService(st, metrics.NewCalculator(stubClock{t: now}), feed, nil, nil, nil)

	ov, err := svc.Overview(context.Background())
	require.NoError(t, err)
	require.Len(t, ov.Tourists, 2)
	require.Equal(t, geo.CategorySafe, ov.Tourists[0].Category)
	require.Equal(t, "#22c55e", ov.Tourists[0].Color)
	require.Equal(t, geo.CategoryDanger, ov.Tourists[1].Category)
	require.Equal(t, 2, ov.Metrics.TotalTourists)
	require.Equal(t, 1, ov.Metrics.UnsecureAreas)
	require.Equal(t, now, ov.Metrics.LastUpdate)
	require.Equal(t, domain.StateConnected, ov.Connection.State)
	require.Equal(t, ov.Metrics, svc.LatestMetrics())
}

func TestTouristLookup(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, domain.TouristPosition{ID: "T003", Latitude: 12.9716, Longitude: 77.5946, SafetyScore: 55})
	svc := monitor.NewService(st, nil, nil, nil, nil, nil)

	tourist, err := svc.Tourist(context.Background(), "T003")
	require.NoError(t, err)
	require.Equal(t, geo.CategoryCaution, tourist.Category)

	_, err = svc.Tourist(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNearby(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st,
		domain.TouristPosition{ID: "far", Latitude: 28.70, Longitude: 77.20},
		domain.TouristPosition{ID: "near", Latitude: 28.6140, Longitude: 77.2090},
		domain.TouristPosition{ID: "nearer", Latitude: 28.6139, Longitude: 77.2090},
	)
	svc := monitor.NewService(st, nil, nil, nil, nil, nil)

	res, err := svc.Nearby(context.Background(), 28.6139, 77.209, 1)
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.Equal(t, "nearer", res[0].ID)
	require.Equal(t, "near", res[1].ID)
	require.NotNil(t, res[1].DistanceKM)
	require.Less(t, *res[1].DistanceKM, 0.1)

	_, err = svc.Nearby(context.Background(), 91, 0, 1)
	require.ErrorIs(t, err, monitor.ErrInvalidQuery)
	_, err = svc.Nearby(context.Background(), 0, 0, 0)
	require.ErrorIs(t, err, monitor.ErrInvalidQuery)
}

func TestChangesArePushed(t *testing.T) {
	st := store.NewMemoryStore()
	feed := &stubFeed{}
	hub := &recordingHub{}
	pub := &recordingPublisher{}
	monitor.NewService(st, metrics.NewCalculator(stubClock{t: now}), feed, hub, pub, nil)

	connected := domain.ConnectionStatus{State: domain.StateConnected}
	feed.emit(ingest.Change{Status: connected})
	require.Len(t, hub.msgs, 1)
	require.Equal(t, live.MessageTypeConnection, hub.msgs[0].Type)
	require.Empty(t, pub.events)

	seed(t, st, domain.TouristPosition{ID: "A", Latitude: 1, Longitude: 1, SafetyScore: 10})
	feed.emit(ingest.Change{Status: connected, StoreChanged: true})
	require.Len(t, hub.msgs, 3)
	require.Equal(t, live.MessageTypeUpdate, hub.msgs[2].Type)
	update, ok := hub.msgs[2].Data.(monitor.Overview)
	require.True(t, ok)
	require.Equal(t, 1, update.Metrics.TotalTourists)

	require.Len(t, pub.events, 1)
	require.Equal(t, events.SubjectMetrics, pub.events[0].subject)
	require.Equal(t, 1, pub.events[0].payload.(domain.Metrics).UnsecureAreas)
}

func TestConnectionControlDelegatesToFeed(t *testing.T) {
	feed := &stubFeed{}
	svc := monitor.NewService(store.NewMemoryStore(), nil, feed, nil, nil, nil)
	svc.Connect()
	svc.Disconnect()
	require.Equal(t, 1, feed.connects)
	require.Equal(t, 1, feed.drops)

	require.Equal(t, domain.StateDisconnected, monitor.NewService(store.NewMemoryStore(), nil, nil, nil, nil, nil).Connection().State)
}

func TestTouristEncodesNaNAsNull(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, domain.TouristPosition{ID: "bad", Latitude: math.NaN(), Longitude: 1, SafetyScore: math.NaN(), Timestamp: now})
	svc := monitor.NewService(st, nil, nil, nil, nil, nil)

	tourist, err := svc.Tourist(context.Background(), "bad")
	require.NoError(t, err)
	require.Equal(t, geo.CategoryDanger, tourist.Category)

	data, err := json.Marshal(tourist)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"bad","latitude":null,"longitude":1,"safetyScore":null,"timestamp":"2024-01-01T12:00:00Z","category":"danger","color":"#ef4444"}`, string(data))
}

// readerOnly hides the store's radius index.
type readerOnly struct{ domain.PositionReader }

func TestNearbyWithoutIndexScansSnapshot(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st,
		domain.TouristPosition{ID: "near", Latitude: 28.6140, Longitude: 77.2090},
		domain.TouristPosition{ID: "far", Latitude: 28.70, Longitude: 77.20},
		domain.TouristPosition{ID: "nearer", Latitude: 28.6139, Longitude: 77.2090},
	)
	svc := monitor.NewService(readerOnly{st}, nil, nil, nil, nil, nil)

	res, err := svc.Nearby(context.Background(), 28.6139, 77.209, 1)
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.Equal(t, "nearer", res[0].ID)
	require.Equal(t, "near", res[1].ID)
}
