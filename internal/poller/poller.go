// Package poller periodically reconciles the full registry state against
// the cluster. It is the safety net under push delivery: anything a lost or
// unsent notification left behind converges on the next cycle.
package poller

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/tagserve/tagserve/internal/config"
	"github.com/tagserve/tagserve/internal/leader"
	"github.com/tagserve/tagserve/internal/manifest"
	"github.com/tagserve/tagserve/internal/metrics"
	"github.com/tagserve/tagserve/internal/mlflow"
	"github.com/tagserve/tagserve/internal/reconciler"
	"github.com/tagserve/tagserve/internal/servingclient"
)

// Registry is the slice of the registry API a poll cycle needs.
type Registry interface {
	ListVersionsWithTag(ctx context.Context, key string) ([]mlflow.TaggedVersion, error)
}

// Lister enumerates the serving resources this system owns.
type Lister interface {
	ListManaged(ctx context.Context) ([]unstructured.Unstructured, error)
}

func New(
	leaderElection *leader.Election,
	registry Registry,
	resolver *reconciler.Resolver,
	applier *reconciler.EventReconciler,
	serving Lister,
	state *State,
	cfg config.Polling,
	namePrefix string,
) *Poller {
	return &Poller{
		leaderElection: leaderElection,
		registry:       registry,
		resolver:       resolver,
		applier:        applier,
		serving:        serving,
		state:          state,
		cfg:            cfg,
		namePrefix:     namePrefix,
	}
}

type Poller struct {
	leaderElection *leader.Election

	registry Registry
	resolver *reconciler.Resolver
	applier  *reconciler.EventReconciler
	serving  Lister
	state    *State

	cfg        config.Polling
	namePrefix string
}

func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval.Duration)
	defer ticker.Stop()
	for range ticker.C {
		if ctx.Err() != nil {
			return
		}
		if p.leaderElection != nil && !p.leaderElection.IsLeader.Load() {
			log.Println("Not leader, skipping poll cycle")
			continue
		}

		cycleCtx, cancel := context.WithTimeout(ctx, p.cfg.CycleTimeout.Duration)
		summary, err := p.ReconcileOnce(cycleCtx)
		cancel()
		if err != nil {
			log.Printf("Poll cycle failed: %v", err)
			metrics.PollCyclesTotal.WithLabelValues("error").Inc()
			continue
		}
		metrics.PollCyclesTotal.WithLabelValues("ok").Inc()
		log.Printf("Poll cycle done: desired=%d owned=%d created=%d updated=%d deleted=%d noop=%d failures=%d",
			summary.Desired, summary.Owned, summary.Created, summary.Updated,
			summary.Deleted, summary.NoOps, summary.Failures)

		if p.state != nil {
			if err := p.state.Save(ctx, summary); err != nil {
				log.Printf("Failed to save poll cycle state: %v", err)
			}
		}
	}
}

// ReconcileOnce runs one full convergence cycle: snapshot the registry,
// snapshot the owned cluster resources, diff, and apply. Individual model
// failures never abort the cycle; a failed listing does, since no safe diff
// exists without both snapshots.
func (p *Poller) ReconcileOnce(ctx context.Context) (Summary, error) {
	started := time.Now()
	defer func() {
		metrics.PollCycleDuration.Observe(time.Since(started).Seconds())
	}()

	tagged, err := p.registry.ListVersionsWithTag(ctx, reconciler.DeployTagKey)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{CompletedAt: time.Now()}

	// Resolve the registry snapshot into desired states keyed by resource
	// name. Identities that fail to resolve are protected: neither created
	// nor deleted this cycle.
	desired := make(map[string]reconciler.DesiredState)
	protected := make(map[string]bool)
	for _, tv := range tagged {
		if tv.TagValue != reconciler.TagValueServe {
			continue
		}
		name, err := manifest.ResourceName(p.namePrefix, tv.Name, tv.Version)
		if err != nil {
			log.Printf("Skipping model %q version %q: %v", tv.Name, tv.Version, err)
			summary.Failures++
			continue
		}
		ds, err := p.resolver.Resolve(ctx, reconciler.Identity{Model: tv.Name, Version: tv.Version}, tv.TagValue)
		if err != nil {
			log.Printf("Protecting %q this cycle, resolve failed: %v", name, err)
			metrics.ReconcileFailuresTotal.WithLabelValues(metrics.TriggerPoll, reconciler.FailureReason(err)).Inc()
			protected[name] = true
			summary.Failures++
			continue
		}
		desired[ds.ResourceName] = ds
	}
	summary.Desired = len(desired)

	owned, err := p.serving.ListManaged(ctx)
	if err != nil {
		return Summary{}, err
	}
	summary.Owned = len(owned)

	var deletes []string
	for _, obj := range owned {
		name := obj.GetName()
		if _, ok := desired[name]; ok {
			continue
		}
		if protected[name] {
			continue
		}
		deletes = append(deletes, name)
	}

	var mu sync.Mutex
	apply := func(ds reconciler.DesiredState) {
		result, err := p.applier.Converge(ctx, ds)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			log.Printf("Failed to converge %q: %v", ds.ResourceName, err)
			metrics.ReconcileFailuresTotal.WithLabelValues(metrics.TriggerPoll, reconciler.FailureReason(err)).Inc()
			summary.Failures++
			return
		}
		metrics.ReconcileActionsTotal.WithLabelValues(metrics.TriggerPoll, string(result.Outcome)).Inc()
		summary.count(result.Outcome)
	}

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for _, ds := range desired {
		g.Go(func() error {
			apply(ds)
			return nil
		})
	}
	for _, name := range deletes {
		g.Go(func() error {
			apply(reconciler.DesiredState{ResourceName: name})
			return nil
		})
	}
	g.Wait()

	return summary, nil
}

// Summary is the per-cycle accounting that gets logged and checkpointed.
type Summary struct {
	Desired     int       `json:"desired"`
	Owned       int       `json:"owned"`
	Created     int       `json:"created"`
	Updated     int       `json:"updated"`
	Deleted     int       `json:"deleted"`
	NoOps       int       `json:"noOps"`
	Failures    int       `json:"failures"`
	CompletedAt time.Time `json:"completedAt"`
}

func (s *Summary) count(outcome servingclient.Outcome) {
	switch outcome {
	case servingclient.OutcomeCreated:
		s.Created++
	case servingclient.OutcomeUpdated:
		s.Updated++
	case servingclient.OutcomeDeleted:
		s.Deleted++
	case servingclient.OutcomeNoOp:
		s.NoOps++
	}
}
