package config

import "time"

const (
	KillPolicyFinish = "finish"
	KillPolicyCancel = "cancel"

	PlannerRules   = "rules"
	PlannerCommand = "command"

	RuntimeLocal  = "local"
	RuntimeDocker = "docker"
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8787",
			AllowedOrigins:  []string{"http://localhost:3000", "http://localhost:5173"},
			ShutdownTimeout: D(10 * time.Second),
			Heartbeat:       D(15 * time.Second),
		},
		Store: StoreConfig{
			Path: ".trustgate/trustgate.db",
		},
		Pool: PoolConfig{
			Workers:     4,
			TaskTimeout: D(2 * time.Minute),
			KillPolicy:  KillPolicyFinish,
		},
		Retry: RetryConfig{
			MaxRetries: 2,
			BaseDelay:  D(500 * time.Millisecond),
			MaxDelay:   D(30 * time.Second),
			Multiplier: 2.0,
		},
		Breaker: BreakerConfig{
			MaxFailures:      5,
			OpenTimeout:      D(30 * time.Second),
			HalfOpenRequests: 3,
		},
		Policy: PolicyConfig{
			Version:   "default-1",
			MaxDelays: 5,
			DangerousPatterns: []string{
				"rm -rf", "rm -fr", "sudo ", "mkfs", "dd if=", "shutdown", "reboot",
				"halt", "poweroff", ":(){", "chmod -r 777", "> /dev/sd", "| sh", "| bash",
				"kill -9 1", "systemctl stop", "iptables -f",
			},
		},
		Events: EventsConfig{
			History:          60,
			SubscriberBuffer: 256,
		},
		Planner: PlannerConfig{
			Type:    PlannerRules,
			Timeout: D(60 * time.Second),
		},
		Executors: ExecutorsConfig{
			Web: WebConfig{
				UserAgent: "trustgate/1.0",
			},
			System: SystemConfig{
				Shell:     "/bin/sh",
				Runtime:   RuntimeLocal,
				Image:     "alpine:3.20",
				MaxOutput: 64 * 1024,
			},
			File: FileConfig{
				Root: ".trustgate/files",
			},
			Monitor: MonitorConfig{
				Interval: D(5 * time.Second),
				Checks:   3,
			},
		},
	}
}
