package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/touristwatch/internal/alert/domain"
	"github.com/example/touristwatch/internal/alert/repository"
	"github.com/example/touristwatch/internal/alert/service"
	"github.com/example/touristwatch/pkg/events"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*nats.Msg
}

func (p *recordingPublisher) PublishMsg(msg *nats.Msg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

type flakyPublisher struct {
	base    natsPublisher
	failFor int32
	calls   atomic.Int32
}

func (f *flakyPublisher) PublishMsg(msg *nats.Msg) error {
	if f.calls.Add(1) <= f.failFor {
		return errors.New("broker unavailable")
	}
	return f.base.PublishMsg(msg)
}

func ptr(v float64) *float64 { return &v }

func createAlert(t *testing.T, svc *service.Service, title string, typ domain.AlertType) domain.Alert {
	t.Helper()
	alert, err := svc.Create(context.Background(), domain.Draft{
		Title: title, Type: typ, Message: "m", Latitude: ptr(1), Longitude: ptr(2), RadiusM: ptr(100),
	})
	require.NoError(t, err)
	return alert
}

func TestWorkerPublishesPendingAlerts(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := service.New(repo, nil, nil, nil, nil)
	alert := createAlert(t, svc, "Flood", domain.TypeEmergency)

	pub := &recordingPublisher{}
	w := NewWorker(repo, pub, nil, zap.NewNop(), WorkerConfig{})
	require.NoError(t, w.ProcessOnce(context.Background()))

	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	require.Equal(t, events.SubjectAlerts, msg.Subject)
	require.Equal(t, "1", msg.Header.Get("x-alert-priority"))
	var decoded domain.Alert
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	require.Equal(t, alert.ID, decoded.ID)

	pending, err := repo.Pending(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, pending)

	// nothing left to send
	require.NoError(t, w.ProcessOnce(context.Background()))
	require.Len(t, pub.msgs, 1)
}

func TestWorkerRetriesOnFailure(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := service.New(repo, nil, nil, nil, nil)
	createAlert(t, svc, "Retry", domain.TypeWarning)

	base := &recordingPublisher{}
	flaky := &flakyPublisher{base: base, failFor: 2}
	w := NewWorker(repo, flaky, nil, nil, WorkerConfig{RetryMax: 5, RetryBase: time.Millisecond})
	require.NoError(t, w.ProcessOnce(context.Background()))
	require.Equal(t, int32(3), flaky.calls.Load())
	require.Len(t, base.msgs, 1)
}

func TestWorkerLeavesAlertPendingAfterRetriesExhausted(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := service.New(repo, nil, nil, nil, nil)
	createAlert(t, svc, "Lost", domain.TypeAdvisory)

	flaky := &flakyPublisher{base: &recordingPublisher{}, failFor: 100}
	w := NewWorker(repo, flaky, nil, nil, WorkerConfig{RetryMax: 2, RetryBase: time.Millisecond})
	require.ErrorContains(t, w.ProcessOnce(context.Background()), "broker unavailable")
	require.Equal(t, int32(2), flaky.calls.Load())

	pending, err := repo.Pending(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestWorkerRunOverNATS(t *testing.T) {
	broker, err := events.StartBroker("", -1)
	require.NoError(t, err)
	t.Cleanup(broker.Shutdown)
	nc, err := nats.Connect(broker.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	msgCh := make(chan *nats.Msg, 1)
	_, err = nc.Subscribe(events.SubjectAlerts, func(msg *nats.Msg) { msgCh <- msg })
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	repo := repository.NewMemoryRepository()
	svc := service.New(repo, nil, nil, nil, nil)
	alert := createAlert(t, svc, "Live", domain.TypeEmergency)

	w := NewWorker(repo, nc, nil, nil, WorkerConfig{PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	select {
	case <-time.After(5 * time.Second):
		t.Fatal("expected alert message")
	case msg := <-msgCh:
		var decoded domain.Alert
		require.NoError(t, json.Unmarshal(msg.Data, &decoded))
		require.Equal(t, alert.ID, decoded.ID)
	}
}
