package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

var errBrokerNotReady = errors.New("embedded nats server not ready")

// Broker is an in-process NATS server for single-node deployments and tests.
type Broker struct {
	srv *server.Server
}

// StartBroker starts an embedded server. A negative port picks a free one.
func StartBroker(host string, port int) (*Broker, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	if port < 0 {
		port = server.RANDOM_PORT
	}
	ns, err := server.NewServer(&server.Options{
		ServerName: "touristwatch",
		Host:       host,
		Port:       port,
		NoLog:      true,
		NoSigs:     true,
		MaxPayload: 4 * 1024 * 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, errBrokerNotReady
	}
	return &Broker{srv: ns}, nil
}

// ClientURL returns the connection URL for clients.
func (b *Broker) ClientURL() string { return b.srv.ClientURL() }

// Shutdown stops the server and waits for it to exit.
func (b *Broker) Shutdown() {
	b.srv.Shutdown()
	b.srv.WaitForShutdown()
}
