package vault

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	vault_repo "github.com/questlog/vault-api/src/repository/vault"
)

const pollRequestTimeout = 10 * time.Second

// statePoller watches the authoritative lock state for one session on a fixed
// interval. A single observation of "locked" triggers convergence and the
// poller exits. Poll failures leave the last-known state in effect (no new
// information) until maxFailures consecutive misses, after which the poller
// fails closed.
type statePoller struct {
	vaultID     uuid.UUID
	interval    time.Duration
	maxFailures int
	states      *vault_repo.VaultStateRepository
	logger      *logrus.Logger

	onRemoteLock func()
	onFailClosed func()

	stopOnce sync.Once
	stopCh   chan struct{}
}

func newStatePoller(vaultID uuid.UUID, interval time.Duration, maxFailures int,
	states *vault_repo.VaultStateRepository, logger *logrus.Logger,
	onRemoteLock, onFailClosed func()) *statePoller {
	return &statePoller{
		vaultID:      vaultID,
		interval:     interval,
		maxFailures:  maxFailures,
		states:       states,
		logger:       logger,
		onRemoteLock: onRemoteLock,
		onFailClosed: onFailClosed,
		stopCh:       make(chan struct{}),
	}
}

func (p *statePoller) start() {
	go p.run()
}

// stop is non-blocking and idempotent: the session teardown that invokes it
// can itself be running inside a poller callback.
func (p *statePoller) stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *statePoller) run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), pollRequestTimeout)
		state, err := p.states.GetState(ctx, p.vaultID)
		cancel()

		if err != nil {
			failures++
			p.logger.WithError(err).WithFields(logrus.Fields{
				"vault_id": p.vaultID,
				"failures": failures,
			}).Warn("Vault state poll failed")
			if failures >= p.maxFailures {
				p.stop()
				p.onFailClosed()
				return
			}
			continue
		}
		failures = 0

		if state.Locked() {
			p.stop()
			p.onRemoteLock()
			return
		}
	}
}
