package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"

	"sigs.k8s.io/yaml"
	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	"k8s.io/client-go/kubernetes"
	_ "k8s.io/client-go/plugin/pkg/client/auth"
	"k8s.io/client-go/rest"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/tagserve/tagserve/internal/leader"
	"github.com/tagserve/tagserve/internal/manifest"
	"github.com/tagserve/tagserve/internal/messenger"
	"github.com/tagserve/tagserve/internal/metrics"
	"github.com/tagserve/tagserve/internal/mlflow"
	"github.com/tagserve/tagserve/internal/poller"
	"github.com/tagserve/tagserve/internal/reconciler"
	"github.com/tagserve/tagserve/internal/servingclient"
	"github.com/tagserve/tagserve/internal/startup"
	"github.com/tagserve/tagserve/internal/webhookserver"

	// Pulling in these packages will register the gocloud implementations.
	_ "gocloud.dev/pubsub/awssnssqs"
	_ "gocloud.dev/pubsub/azuresb"
	_ "gocloud.dev/pubsub/gcppubsub"
	_ "gocloud.dev/pubsub/kafkapubsub"
	_ "gocloud.dev/pubsub/natspubsub"
	_ "gocloud.dev/pubsub/rabbitpubsub"

	"github.com/tagserve/tagserve/internal/config"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
)

var (
	Log    = ctrl.Log.WithName("manager")
	Scheme = runtime.NewScheme()
)

func init() {
	// AddToScheme in init() to allow tests to use the same Scheme before calling Run().
	utilruntime.Must(clientgoscheme.AddToScheme(Scheme))
}

// Run starts all components of the system and blocks until they complete.
// The context is used to signal the system to stop.
// Returns an error if setup fails.
// Exits the program if any of the components stop with an error.
func Run(ctx context.Context, k8sCfg *rest.Config, cfg config.System) error {
	defer func() {
		Log.Info("run finished")
	}()
	if err := cfg.DefaultAndValidate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Set up OpenTelemetry.
	otelShutdown, err := setupOTelSDK(ctx)
	if err != nil {
		return err
	}
	// Handle shutdown properly so nothing leaks.
	defer func() {
		if err = errors.Join(err, otelShutdown(context.Background())); err != nil {
			Log.Error(err, "error shutting down OpenTelemetry")
		}
	}()

	namespace, found := os.LookupEnv("POD_NAMESPACE")
	if !found {
		return errors.New("POD_NAMESPACE not set")
	}

	webhookSecret := os.Getenv("WEBHOOK_SECRET")
	if webhookSecret == "" && !cfg.Webhook.Disable {
		return errors.New("WEBHOOK_SECRET not set (required unless webhook.disable is set)")
	}

	{
		cfgYaml, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("unable to marshal config: %w", err)
		}
		Log.Info("loaded config", "config", string(cfgYaml))
	}

	// The reconcile paths read and write single objects on demand, so a
	// plain uncached client is enough. There are no watches to back a cache.
	k8sClient, err := client.New(k8sCfg, client.Options{Scheme: Scheme})
	if err != nil {
		return fmt.Errorf("unable to create client: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(k8sCfg)
	if err != nil {
		return fmt.Errorf("unable to create clientset: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("unable to get hostname: %w", err)
	}
	var leaderElection *leader.Election
	if *cfg.LeaderElection.Enabled {
		leaderElection = leader.NewElection(clientset, hostname, namespace,
			cfg.LeaderElection.LeaseDuration.Duration,
			cfg.LeaderElection.RenewDeadline.Duration,
			cfg.LeaderElection.RetryPeriod.Duration,
		)
	} else {
		Log.Info("leader election disabled, assuming leadership")
		leaderElection = leader.NewAlwaysLeader(hostname)
	}

	registry := &mlflow.Client{
		BaseURL:    cfg.Tracking.URL,
		HTTPClient: &http.Client{Timeout: cfg.Tracking.RequestTimeout.Duration},
	}

	serving := servingclient.NewClient(k8sClient, cfg.Namespace, cfg.Serving)

	renderer, err := manifest.NewRenderer(cfg.Serving)
	if err != nil {
		return fmt.Errorf("unable to load manifest template: %w", err)
	}

	resolver := reconciler.NewResolver(registry, cfg.Tracking, cfg.Serving)
	eventReconciler := reconciler.NewEventReconciler(resolver, renderer, serving, cfg.Namespace)

	// The delivery mode is decided exactly once, before anything serves.
	// Registration blocks here the same way the webhook, health, and
	// polling components would observe it mid-flight otherwise.
	coordinator := startup.NewCoordinator(registry, cfg.Webhook, cfg.Polling, webhookSecret)
	decision := coordinator.Determine(ctx)
	switch decision.Mode {
	case startup.ModePush:
		Log.Info("push delivery active", "attempts", decision.Attempts)
	case startup.ModePoll:
		if decision.Err != nil {
			Log.Error(decision.Err, "webhook registration failed, falling back to polling",
				"attempts", decision.Attempts)
		} else {
			Log.Info("push delivery disabled, polling only")
		}
	case startup.ModeDisabled:
		Log.Error(decision.Err, "webhook registration failed and polling fallback is disabled",
			"attempts", decision.Attempts)
	}

	var pollLoop *poller.Poller
	if decision.PollingActive(cfg.Polling.SupplementPush) {
		pollState := poller.NewState(k8sClient, types.NamespacedName{
			Name:      cfg.Polling.StateConfigMapName,
			Namespace: namespace,
		})
		if last, err := pollState.Load(ctx); err != nil {
			Log.Info("no previous poll cycle state", "reason", err.Error())
		} else if !last.CompletedAt.IsZero() {
			Log.Info("previous poll cycle", "completedAt", last.CompletedAt,
				"desired", last.Desired, "failures", last.Failures)
		}
		pollLoop = poller.New(
			leaderElection,
			registry,
			resolver,
			eventReconciler,
			serving,
			pollState,
			cfg.Polling,
			cfg.Serving.NamePrefix,
		)
	}

	verifier := webhookserver.NewVerifier(webhookSecret, cfg.Webhook.MaxTimestampAge.Duration)
	handler := webhookserver.NewHandler(
		eventReconciler,
		registry,
		serving,
		verifier,
		decision.Mode,
		cfg.Namespace,
		cfg.Tracking.URL,
	)
	apiServer := &http.Server{
		BaseContext: func(_ net.Listener) context.Context { return ctx },
		Addr:        cfg.ListenAddr,
		Handler:     handler,
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)
	metricsMux := http.NewServeMux()
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metricsMux,
	}
	metricsMux.Handle("/metrics", promhttp.Handler())

	// Message streams are a push channel, so they only run when push
	// delivery is active.
	var msgrs []*messenger.Messenger
	if decision.Mode == startup.ModePush {
		for i, stream := range cfg.Messaging.Streams {
			msgr, err := messenger.NewMessenger(
				ctx,
				stream.EventsURL,
				stream.MaxHandlers,
				cfg.Messaging.ErrorMaxBackoff.Duration,
				eventReconciler,
			)
			if err != nil {
				return fmt.Errorf("unable to create messenger[%v]: %w", i, err)
			}
			msgrs = append(msgrs, msgr)
		}
	}

	var wg sync.WaitGroup

	if pollLoop != nil {
		wg.Add(1)
		go func() {
			defer func() {
				Log.Info("poller stopped")
				wg.Done()
			}()
			pollLoop.Start(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer func() {
			Log.Info("api server stopped")
			wg.Done()
		}()
		Log.Info("starting api server", "addr", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil {
			if errors.Is(err, http.ErrServerClosed) {
				Log.Info("api server closed")
			} else {
				Log.Error(err, "error serving api server")
				os.Exit(1)
			}
		}
	}()
	wg.Add(1)
	go func() {
		defer func() {
			Log.Info("metrics server stopped")
			wg.Done()
		}()
		Log.Info("starting metrics server", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil {
			if errors.Is(err, http.ErrServerClosed) {
				Log.Info("metrics server closed")
			} else {
				Log.Error(err, "error serving metrics server")
				os.Exit(1)
			}
		}
	}()
	wg.Add(1)
	go func() {
		defer func() {
			Log.Info("leader election stopped")
			wg.Done()
		}()
		Log.Info("starting leader election")
		err := leaderElection.Start(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				Log.Info("context cancelled while running leader election")
			} else {
				Log.Error(err, "starting leader election")
				os.Exit(1)
			}
		}
	}()
	for i := range msgrs {
		wg.Add(1)
		go func() {
			defer func() {
				Log.Info("messenger stopped", "index", i)
				wg.Done()
			}()
			Log.Info("starting messenger", "index", i)
			err := msgrs[i].Start(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					Log.Info("context cancelled while running messenger")
				} else {
					Log.Error(err, "starting messenger")
					os.Exit(1)
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer func() {
			Log.Info("server shutdown finished")
			wg.Done()
		}()
		<-ctx.Done()
		apiServer.Shutdown(context.Background())
		metricsServer.Shutdown(context.Background())
	}()

	Log.Info("run launched all goroutines")
	wg.Wait()
	Log.Info("run goroutines finished")

	return nil
}
