package remote

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ygrebnov/scheduler/provision"
)

// LocalLauncher is a provision.Launcher that runs every worker as an in-process Server
// listening on a loopback port. It backs local runs and tests of the remote path.
type LocalLauncher struct {
	registry *Registry
	log      logrus.FieldLogger
	host     string
	// StartDelay simulates a slow container start.
	StartDelay time.Duration

	mu      sync.Mutex
	servers map[string]*Server
}

var _ provision.Launcher = (*LocalLauncher)(nil)

// NewLocalLauncher returns a launcher whose workers build contexts from registry.
func NewLocalLauncher(registry *Registry, log logrus.FieldLogger) *LocalLauncher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LocalLauncher{
		registry: registry,
		log:      log,
		host:     "127.0.0.1",
		servers:  make(map[string]*Server),
	}
}

func launchKey(poolID, workerID string) string { return poolID + "/" + workerID }

// Launch starts a Server for the worker and returns its endpoint.
func (l *LocalLauncher) Launch(ctx context.Context, poolID, workerID string) (provision.Endpoint, error) {
	if l.StartDelay > 0 {
		select {
		case <-ctx.Done():
			return provision.Endpoint{}, ctx.Err()
		case <-time.After(l.StartDelay):
		}
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(l.host, "0"))
	if err != nil {
		return provision.Endpoint{}, errors.Wrap(err, "listen")
	}
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		_ = ln.Close()
		return provision.Endpoint{}, errors.Wrap(err, "listener address")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		_ = ln.Close()
		return provision.Endpoint{}, errors.Wrap(err, "listener port")
	}

	secret := uuid.NewString()
	log := l.log.WithFields(logrus.Fields{"pool": poolID, "worker": workerID})
	srv := NewServer(l.registry, secret, log)

	l.mu.Lock()
	l.servers[launchKey(poolID, workerID)] = srv
	l.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil {
			log.WithError(err).Warn("worker server stopped")
		}
	}()
	log.WithField("port", port).Debug("worker launched")
	return provision.Endpoint{Host: l.host, Port: port, Secret: secret}, nil
}

// Terminate shuts the worker's Server down.
func (l *LocalLauncher) Terminate(ctx context.Context, poolID, workerID string) error {
	key := launchKey(poolID, workerID)
	l.mu.Lock()
	srv, ok := l.servers[key]
	delete(l.servers, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Running returns the number of launched, not yet terminated workers.
func (l *LocalLauncher) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.servers)
}
