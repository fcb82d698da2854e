package config

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"dev.helix.dispatch/dlq"
	"dev.helix.dispatch/messaging"
	"dev.helix.dispatch/routing"
	"dev.helix.dispatch/security/audit"
	"dev.helix.dispatch/security/authn"
	"dev.helix.dispatch/security/authz"
	"dev.helix.dispatch/security/ratelimit"
	"dev.helix.dispatch/security/signing"
	"dev.helix.dispatch/security/validation"
	"dev.helix.dispatch/telemetry"
	"dev.helix.dispatch/transport"
	"dev.helix.dispatch/transport/inproc"
	"dev.helix.dispatch/transport/kafka"
	"dev.helix.dispatch/transport/rabbitmq"
)

// Runtime is the assembled dispatch stack: the dispatcher with the standard
// middleware set, the audit logger, the dead-letter queue, and the transport
// registry.
type Runtime struct {
	Config     Config
	Logger     *zap.Logger
	Metrics    *messaging.Metrics
	Dispatcher *messaging.Dispatcher
	Audit      *audit.Logger
	AuditStore audit.Store
	DLQ        *dlq.StoreQueue
	DLQStore   dlq.Store
	Transports *transport.Registry
	Inproc     *inproc.Transport
	Signer     *signing.Signer

	rateLimit *ratelimit.Middleware
	redis     *redis.Client
}

// Option customizes runtime assembly.
type Option func(*options)

type options struct {
	logger      *zap.Logger
	registerer  prometheus.Registerer
	auditStore  audit.Store
	exporter    audit.Exporter
	dlqStore    dlq.Store
	creds       authn.CredentialStore
	signingKeys signing.KeyProvider
	routes      *routing.Table
	forward     bool
}

// WithLogger supplies a prebuilt logger instead of one derived from the
// logging config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics registers the metric collectors with the given registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithAuditStore replaces the in-memory audit store.
func WithAuditStore(store audit.Store) Option {
	return func(o *options) { o.auditStore = store }
}

// WithAuditExporter attaches an audit exporter.
func WithAuditExporter(exporter audit.Exporter) Option {
	return func(o *options) { o.exporter = exporter }
}

// WithDeadLetterStore replaces the in-memory dead-letter store.
func WithDeadLetterStore(store dlq.Store) Option {
	return func(o *options) { o.dlqStore = store }
}

// WithCredentialStore supplies the store used for async signing-key
// retrieval.
func WithCredentialStore(creds authn.CredentialStore) Option {
	return func(o *options) { o.creds = creds }
}

// WithSigningKeys supplies the HMAC signing key provider.
func WithSigningKeys(keys signing.KeyProvider) Option {
	return func(o *options) { o.signingKeys = keys }
}

// WithRoutes installs a routing table. forward controls whether matched
// endpoints are delivered through the transport registry after a successful
// dispatch.
func WithRoutes(table *routing.Table, forward bool) Option {
	return func(o *options) {
		o.routes = table
		o.forward = forward
	}
}

// Build assembles the runtime from a configuration.
func Build(cfg Config, opts ...Option) (*Runtime, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = buildLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
	}

	rt := &Runtime{Config: cfg, Logger: logger}
	if o.registerer != nil {
		rt.Metrics = messaging.NewMetrics(o.registerer)
	}

	rt.AuditStore = o.auditStore
	if rt.AuditStore == nil {
		rt.AuditStore = audit.NewInMemoryStore()
	}
	rt.Audit = audit.NewLogger(rt.AuditStore, o.exporter, cfg.Audit, logger.Named("audit"))
	rt.Audit.SetMetrics(rt.Metrics)
	rt.Audit.Start()

	rt.Dispatcher = messaging.NewDispatcher(logger.Named("dispatch"))
	rt.Dispatcher.SetMetrics(rt.Metrics)

	rt.DLQStore = o.dlqStore
	if rt.DLQStore == nil {
		rt.DLQStore = dlq.NewInMemoryStore()
	}
	serializer := messaging.JSONSerializer{}
	rt.DLQ = dlq.NewQueue(rt.DLQStore, rt.Dispatcher, serializer, logger.Named("dlq"))
	rt.DLQ.SetMetrics(rt.Metrics)

	if err := rt.buildTransports(cfg, serializer, logger); err != nil {
		rt.Close()
		return nil, err
	}

	rt.buildPipeline(cfg, o, serializer, logger)
	return rt, nil
}

// buildTransports registers the local transport plus any configured brokers.
func (rt *Runtime) buildTransports(cfg Config, serializer messaging.Serializer, logger *zap.Logger) error {
	rt.Transports = transport.NewRegistry(logger.Named("transport"))
	rt.Inproc = inproc.New(cfg.Transports.InprocBuffer, logger.Named("inproc"))
	rt.Transports.Register(rt.Inproc)

	if cfg.Transports.RabbitMQEnabled {
		t, err := rabbitmq.New(cfg.Transports.RabbitMQ, serializer, logger.Named("rabbitmq"))
		if err != nil {
			return err
		}
		rt.Transports.Register(t)
	}
	if cfg.Transports.KafkaEnabled {
		rt.Transports.Register(kafka.New(cfg.Transports.Kafka, serializer, logger.Named("kafka")))
	}
	return nil
}

// buildPipeline installs the standard middleware set in canonical stage
// order. Disabled subsystems still register; their middleware passes through.
func (rt *Runtime) buildPipeline(cfg Config, o options, serializer messaging.Serializer, logger *zap.Logger) {
	rt.rateLimit = ratelimit.NewMiddleware(cfg.RateLimit, rt.Audit, logger.Named("ratelimit"))
	rt.rateLimit.SetMetrics(rt.Metrics)
	if cfg.Redis.Enabled {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.rateLimit.UseRedis(ratelimit.NewRedisLimiter(rt.redis, cfg.Redis.KeyPrefix, cfg.RateLimit.Limits, logger.Named("ratelimit")))
	}
	rt.Dispatcher.Use(rt.rateLimit)

	rt.Dispatcher.Use(authn.NewMiddleware(cfg.Auth, o.creds, rt.Audit, logger.Named("authn")))
	rt.Dispatcher.Use(authz.NewMiddleware(cfg.Authz, rt.Audit, logger.Named("authz")))
	rt.Dispatcher.Use(validation.NewMiddleware(cfg.Validation, serializer, rt.Audit, logger.Named("validation")))
	rt.Dispatcher.Use(telemetry.NewMiddleware(logger.Named("telemetry")))

	poison := dlq.NewPoisonHandler(cfg.Poison, rt.DLQ, serializer, logger.Named("poison"))
	rt.Dispatcher.Use(dlq.NewRetryMiddleware(cfg.Retry, nil, poison, logger.Named("retry")))

	if o.routes != nil {
		router := routing.NewRouter(o.routes, logger.Named("routing"))
		var forwarder routing.Forwarder
		if o.forward {
			forwarder = rt.Transports
		}
		rt.Dispatcher.Use(routing.NewMiddleware(router, forwarder, logger.Named("routing")))
	}

	if cfg.Signing.Enabled {
		keys := o.signingKeys
		if keys == nil && len(cfg.Auth.SigningKey) > 0 {
			keys = signing.StaticKeyProvider{cfg.Signing.KeyID: cfg.Auth.SigningKey}
		}
		rt.Signer = signing.NewSigner(cfg.Signing, keys, logger.Named("signing"))
		rt.Dispatcher.Use(signing.NewMiddleware(rt.Signer, rt.Audit, logger.Named("signing")))
	}
}

// Close shuts the runtime down: the audit queue drains, the rate limiter
// sweep stops, cached key material is zeroed, and transports close.
func (rt *Runtime) Close() error {
	var first error
	if rt.Audit != nil {
		rt.Audit.Stop()
	}
	if rt.rateLimit != nil {
		rt.rateLimit.Close()
	}
	if rt.Signer != nil {
		rt.Signer.Close()
	}
	if rt.Transports != nil {
		if err := rt.Transports.Close(); err != nil {
			first = err
		}
	}
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// buildLogger constructs a zap logger from the logging config.
func buildLogger(cfg LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
