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
	envVarWorkerServerURL         = "WORKER_SERVER_URL"
	envVarWorkerName              = "WORKER_NAME"
	envVarWorkerReconnectInterval = "WORKER_RECONNECT_INTERVAL"
	envVarWorkerRTCPortMin        = "WORKER_RTC_PORT_MIN"
	envVarWorkerRTCPortMax        = "WORKER_RTC_PORT_MAX"
	envVarWorkerNAT1To1IPs        = "WORKER_NAT_1TO1_IPS"
)

const (
	DefaultWorkerServerURL         = "ws://127.0.0.1:8080/ws"
	DefaultWorkerReconnectInterval = 5 * time.Second
)

// WorkerConfig configures the media-worker binary.
type WorkerConfig struct {
	// ServerURL is the signaling server's WebSocket endpoint.
	ServerURL string

	// Name seeds the worker's requested id; the server may suffix it.
	// Empty means "derive from hostname and pid" in main.
	Name string

	ReconnectInterval time.Duration

	// RTC UDP port range for pion ICE. Zero means OS ephemeral ports.
	RTCPortMin uint16
	RTCPortMax uint16

	// NAT1To1IPs are public IPs advertised in ICE candidates when the worker
	// runs behind NAT.
	NAT1To1IPs []string

	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level
}

func LoadWorker(args []string) (WorkerConfig, error) {
	return loadWorker(os.LookupEnv, args)
}

func loadWorker(lookup func(string) (string, bool), args []string) (WorkerConfig, error) {
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

	serverURL := envOrDefault(lookup, envVarWorkerServerURL, DefaultWorkerServerURL)
	name := envOrDefault(lookup, envVarWorkerName, "")
	reconnectInterval, err := envDurationOrDefault(lookup, envVarWorkerReconnectInterval, DefaultWorkerReconnectInterval)
	if err != nil {
		return WorkerConfig{}, err
	}

	var rtcPortMin, rtcPortMax uint
	if raw, ok := lookup(envVarWorkerRTCPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePort(raw)
		if err != nil {
			return WorkerConfig{}, fmt.Errorf("invalid %s %q: %w", envVarWorkerRTCPortMin, raw, err)
		}
		rtcPortMin = uint(p)
	}
	if raw, ok := lookup(envVarWorkerRTCPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePort(raw)
		if err != nil {
			return WorkerConfig{}, fmt.Errorf("invalid %s %q: %w", envVarWorkerRTCPortMax, raw, err)
		}
		rtcPortMax = uint(p)
	}
	nat1To1IPsStr := envOrDefault(lookup, envVarWorkerNAT1To1IPs, "")

	fs := flag.NewFlagSet("media-worker", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&serverURL, "server-url", serverURL, "Signaling server WebSocket URL (env "+envVarWorkerServerURL+")")
	fs.StringVar(&name, "name", name, "Requested worker id; hostname_pid when empty (env "+envVarWorkerName+")")
	fs.DurationVar(&reconnectInterval, "reconnect-interval", reconnectInterval, "Redial interval while disconnected (env "+envVarWorkerReconnectInterval+")")
	fs.UintVar(&rtcPortMin, "rtc-port-min", rtcPortMin, "Min UDP port for RTC ICE (0 = unset; env "+envVarWorkerRTCPortMin+")")
	fs.UintVar(&rtcPortMax, "rtc-port-max", rtcPortMax, "Max UDP port for RTC ICE (0 = unset; env "+envVarWorkerRTCPortMax+")")
	fs.StringVar(&nat1To1IPsStr, "nat-1to1-ips", nat1To1IPsStr, "Comma-separated public IPs to advertise for RTC ICE (env "+envVarWorkerNAT1To1IPs+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return WorkerConfig{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return WorkerConfig{}, err
	}
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return WorkerConfig{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return WorkerConfig{}, err
	}

	if serverURL == "" {
		return WorkerConfig{}, fmt.Errorf("server URL must not be empty")
	}
	if !strings.HasPrefix(serverURL, "ws://") && !strings.HasPrefix(serverURL, "wss://") {
		return WorkerConfig{}, fmt.Errorf("invalid %s %q (expected ws:// or wss:// URL)", envVarWorkerServerURL, serverURL)
	}
	if reconnectInterval <= 0 {
		return WorkerConfig{}, fmt.Errorf("%s/--reconnect-interval must be > 0", envVarWorkerReconnectInterval)
	}
	if (rtcPortMin == 0) != (rtcPortMax == 0) {
		return WorkerConfig{}, fmt.Errorf("%s and %s must be set together (or both unset)", envVarWorkerRTCPortMin, envVarWorkerRTCPortMax)
	}
	if rtcPortMin > rtcPortMax {
		return WorkerConfig{}, fmt.Errorf("%s must be <= %s", envVarWorkerRTCPortMin, envVarWorkerRTCPortMax)
	}

	var natIPs []string
	for _, entry := range strings.Split(nat1To1IPsStr, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			natIPs = append(natIPs, entry)
		}
	}

	return WorkerConfig{
		ServerURL:         serverURL,
		Name:              name,
		ReconnectInterval: reconnectInterval,
		RTCPortMin:        uint16(rtcPortMin),
		RTCPortMax:        uint16(rtcPortMax),
		NAT1To1IPs:        natIPs,
		Mode:              mode,
		LogFormat:         logFormat,
		LogLevel:          level,
	}, nil
}

func parsePort(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("port %q out of range (1-65535)", s)
	}
	return uint16(v), nil
}
