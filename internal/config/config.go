package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "LISTEN_ADDR"
	envVarMode            = "MODE"
	envVarLogFormat       = "LOG_FORMAT"
	envVarLogLevel        = "LOG_LEVEL"
	envVarShutdownTimeout = "SHUTDOWN_TIMEOUT"
	envVarTLSCertFile     = "TLS_CERT_FILE"
	envVarTLSKeyFile      = "TLS_KEY_FILE"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// WebSocket auth.
	envVarAuthMode  = "AUTH_MODE"
	envVarAPIKey    = "API_KEY"
	envVarJWTSecret = "JWT_SECRET"

	// Liveness machinery.
	envVarPeerTimeout   = "PEER_TIMEOUT"
	envVarWorkerTimeout = "WORKER_TIMEOUT"

	// Inbound WebSocket hardening.
	envVarMaxMessageBytes   = "MAX_MESSAGE_BYTES"
	envVarMessagesPerSecond = "MESSAGES_PER_SECOND"

	// Scheduler knobs.
	envVarQueueDepth = "QUEUE_DEPTH"
	envVarBatchSize  = "BATCH_SIZE"

	// Room login policy source.
	envVarPolicyFile            = "POLICY_FILE"
	envVarPolicyRedisAddr       = "POLICY_REDIS_ADDR"
	envVarPolicyRedisPassword   = "POLICY_REDIS_PASSWORD"
	envVarPolicyRedisDB         = "POLICY_REDIS_DB"
	envVarPolicyRedisKey        = "POLICY_REDIS_KEY"
	envVarPolicyRefreshInterval = "POLICY_REFRESH_INTERVAL"
)

const (
	DefaultListenAddr           = "127.0.0.1:8080"
	DefaultShutdown             = 15 * time.Second
	DefaultMode            Mode = ModeDev
	DefaultAuthMode    AuthMode = AuthModeNone

	// DefaultPeerTimeout matches the client keepalive contract: the server
	// sends an application-level pong whenever a peer has been quiet for a
	// quarter of this, and closes the peer when nothing arrives for all of it.
	DefaultPeerTimeout = 15 * time.Second

	// DefaultWorkerTimeout bounds worker ping/pong: pings go out every third
	// of this, and three unanswered pings terminate the worker.
	DefaultWorkerTimeout = 60 * time.Second

	DefaultMaxMessageBytes   = int64(64 * 1024)
	DefaultMessagesPerSecond = 50

	DefaultQueueDepth = 1024
	DefaultBatchSize  = 32

	DefaultPolicyRedisKey        = "room_policies"
	DefaultPolicyRefreshInterval = 60 * time.Second
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// TLS serving. Both paths must be set together; when empty the server
	// listens on plain TCP.
	TLSCertFile string
	TLSKeyFile  string

	AllowedOrigins []string

	AuthMode  AuthMode
	APIKey    string
	JWTSecret string

	PeerTimeout   time.Duration
	WorkerTimeout time.Duration

	MaxMessageBytes   int64
	MessagesPerSecond int

	QueueDepth int
	BatchSize  int

	// Room login policy source. PolicyRedisAddr wins over PolicyFile when both
	// are set; with neither, every room approves its members as admins.
	PolicyFile            string
	PolicyRedisAddr       string
	PolicyRedisPassword   string
	PolicyRedisDB         int
	PolicyRedisKey        string
	PolicyRefreshInterval time.Duration
}

func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	tlsCertFile := envOrDefault(lookup, envVarTLSCertFile, "")
	tlsKeyFile := envOrDefault(lookup, envVarTLSKeyFile, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	authModeDefault := string(DefaultAuthMode)
	if raw, ok := lookup(envVarAuthMode); ok && strings.TrimSpace(raw) != "" {
		authModeDefault = strings.TrimSpace(raw)
	}
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")

	peerTimeout, err := envDurationOrDefault(lookup, envVarPeerTimeout, DefaultPeerTimeout)
	if err != nil {
		return Config{}, err
	}
	workerTimeout, err := envDurationOrDefault(lookup, envVarWorkerTimeout, DefaultWorkerTimeout)
	if err != nil {
		return Config{}, err
	}

	maxMessageBytes := DefaultMaxMessageBytes
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	messagesPerSecond, err := envIntOrDefault(lookup, envVarMessagesPerSecond, DefaultMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	queueDepth, err := envIntOrDefault(lookup, envVarQueueDepth, DefaultQueueDepth)
	if err != nil {
		return Config{}, err
	}
	batchSize, err := envIntOrDefault(lookup, envVarBatchSize, DefaultBatchSize)
	if err != nil {
		return Config{}, err
	}

	policyFile := envOrDefault(lookup, envVarPolicyFile, "")
	policyRedisAddr := envOrDefault(lookup, envVarPolicyRedisAddr, "")
	policyRedisPassword := envOrDefault(lookup, envVarPolicyRedisPassword, "")
	policyRedisDB, err := envIntOrDefault(lookup, envVarPolicyRedisDB, 0)
	if err != nil {
		return Config{}, err
	}
	policyRedisKey := envOrDefault(lookup, envVarPolicyRedisKey, DefaultPolicyRedisKey)
	policyRefreshInterval, err := envDurationOrDefault(lookup, envVarPolicyRefreshInterval, DefaultPolicyRefreshInterval)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("signal-server", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		authModeStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&tlsCertFile, "tls-cert-file", tlsCertFile, "TLS certificate path; plain TCP when unset (env "+envVarTLSCertFile+")")
	fs.StringVar(&tlsKeyFile, "tls-key-file", tlsKeyFile, "TLS key path (env "+envVarTLSKeyFile+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "WebSocket auth mode: none, api_key, or jwt (env "+envVarAuthMode+")")

	fs.DurationVar(&peerTimeout, "peer-timeout", peerTimeout, "Close peer connections quiet for this long (env "+envVarPeerTimeout+")")
	fs.DurationVar(&workerTimeout, "worker-timeout", workerTimeout, "Terminate workers not answering pings within this window (env "+envVarWorkerTimeout+")")

	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound WebSocket message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&messagesPerSecond, "messages-per-second", messagesPerSecond, "Max inbound WebSocket messages per second per connection (env "+envVarMessagesPerSecond+")")

	fs.IntVar(&queueDepth, "queue-depth", queueDepth, "Max buffered messages per scheduler queue (env "+envVarQueueDepth+")")
	fs.IntVar(&batchSize, "batch-size", batchSize, "Max messages drained per queue per scheduler pass (env "+envVarBatchSize+")")

	fs.StringVar(&policyFile, "policy-file", policyFile, "Room login policy JSON file (env "+envVarPolicyFile+")")
	fs.StringVar(&policyRedisAddr, "policy-redis-addr", policyRedisAddr, "Redis address for the room login policy (env "+envVarPolicyRedisAddr+")")
	fs.StringVar(&policyRedisKey, "policy-redis-key", policyRedisKey, "Redis key holding the room login policy JSON (env "+envVarPolicyRedisKey+")")
	fs.DurationVar(&policyRefreshInterval, "policy-refresh-interval", policyRefreshInterval, "How often to re-read the room login policy (env "+envVarPolicyRefreshInterval+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins := parseAllowedOrigins(allowedOriginsStr)

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if (tlsCertFile == "") != (tlsKeyFile == "") {
		return Config{}, fmt.Errorf("%s and %s must be set together (or both unset)", envVarTLSCertFile, envVarTLSKeyFile)
	}
	if authMode == AuthModeAPIKey && strings.TrimSpace(apiKey) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
	}
	if authMode == AuthModeJWT && strings.TrimSpace(jwtSecret) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
	}
	if peerTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--peer-timeout must be > 0", envVarPeerTimeout)
	}
	if workerTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--worker-timeout must be > 0", envVarWorkerTimeout)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-message-bytes must be > 0", envVarMaxMessageBytes)
	}
	if messagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--messages-per-second must be > 0", envVarMessagesPerSecond)
	}
	if queueDepth <= 0 {
		return Config{}, fmt.Errorf("%s/--queue-depth must be > 0", envVarQueueDepth)
	}
	if batchSize <= 0 {
		return Config{}, fmt.Errorf("%s/--batch-size must be > 0", envVarBatchSize)
	}
	if policyRefreshInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--policy-refresh-interval must be > 0", envVarPolicyRefreshInterval)
	}

	return Config{
		ListenAddr:      listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		TLSCertFile:     tlsCertFile,
		TLSKeyFile:      tlsKeyFile,
		AllowedOrigins:  allowedOrigins,

		AuthMode:  authMode,
		APIKey:    apiKey,
		JWTSecret: jwtSecret,

		PeerTimeout:   peerTimeout,
		WorkerTimeout: workerTimeout,

		MaxMessageBytes:   maxMessageBytes,
		MessagesPerSecond: messagesPerSecond,

		QueueDepth: queueDepth,
		BatchSize:  batchSize,

		PolicyFile:            policyFile,
		PolicyRedisAddr:       policyRedisAddr,
		PolicyRedisPassword:   policyRedisPassword,
		PolicyRedisDB:         policyRedisDB,
		PolicyRedisKey:        policyRedisKey,
		PolicyRefreshInterval: policyRefreshInterval,
	}, nil
}

func NewLogger(logFormat LogFormat, level slog.Level) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	switch logFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", logFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey, AuthModeJWT)
	}
}

func parseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		out = append(out, strings.TrimRight(strings.ToLower(entry), "/"))
	}
	return out
}
