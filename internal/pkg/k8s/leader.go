package k8s

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	metaV1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"sqs-relay/internal/pkg/logger"
)

// LeaderConfig names the Lease lock and its timings. Zero durations take defaults.
type LeaderConfig struct {
	Namespace     string
	LockName      string
	Identity      string
	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration
}

// NewClientset builds a clientset from the in-cluster service account.
func NewClientset() (kubernetes.Interface, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load in-cluster config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	return clientset, nil
}

// RunAsLeader blocks until this instance holds the Lease, then runs fn. The
// context passed to fn is cancelled when leadership is lost or ctx is done,
// and RunAsLeader waits for fn to return before releasing the Lease.
func RunAsLeader(ctx context.Context, client kubernetes.Interface, cfg LeaderConfig, fn func(ctx context.Context) error) error {
	if cfg.Identity == "" || cfg.Namespace == "" || cfg.LockName == "" {
		return errors.New("leader election requires identity, namespace and lock name")
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 15 * time.Second
	}
	if cfg.RenewDeadline <= 0 {
		cfg.RenewDeadline = 10 * time.Second
	}
	if cfg.RetryPeriod <= 0 {
		cfg.RetryPeriod = 2 * time.Second
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metaV1.ObjectMeta{
			Namespace: cfg.Namespace,
			Name:      cfg.LockName,
		},
		Client: client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: cfg.Identity,
		},
	}

	electionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		running  bool // fn was started
		finished bool // elector returned, fn must not start
		fnErr    error
	)
	done := make(chan struct{})

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   cfg.LeaseDuration,
		RenewDeadline:   cfg.RenewDeadline,
		RetryPeriod:     cfg.RetryPeriod,
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(leaderCtx context.Context) {
				mu.Lock()
				if finished {
					mu.Unlock()
					return
				}
				running = true
				mu.Unlock()
				defer close(done)

				logger.Info("Leader acquired", zap.String("identity", cfg.Identity))
				fnErr = fn(leaderCtx)
				cancel()
			},
			OnStoppedLeading: func() {
				logger.Info("Lost leadership", zap.String("identity", cfg.Identity))
			},
			OnNewLeader: func(id string) {
				if id == cfg.Identity {
					logger.Info("Current instance is the leader")
				} else {
					logger.Info("New leader elected", zap.String("leader", id))
				}
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create leader elector: %w", err)
	}

	elector.Run(electionCtx)

	mu.Lock()
	finished = true
	wait := running
	mu.Unlock()
	if wait {
		<-done
	}
	return fnErr
}
