package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/openkieler/lspool/internal/ports"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration. Precedence, lowest to highest:
// built-in defaults, YAML config file, environment variables, explicit
// flags.
type Config struct {
	JavaPath   string
	JarPath    string
	ListenPort int
	SpawnPorts string

	PoolMaxSize     int
	PoolMinIdle     int
	PoolMaxLifetime time.Duration
	TestOnCheckout  bool

	StartupGrace   time.Duration
	ConnectBackoff time.Duration
	ConnectTimeout time.Duration
	Log4jConfig    string
	WatchJar       bool

	ConnRate          int
	ConnRatePerClient int
	ConnBurst         int

	MetricsAddr   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Debug         bool

	ConfigFile string

	// parsed result of SpawnPorts, set by validate()
	spawnRange *ports.Range
}

// fileConfig is the YAML shape of the config file. Pointers distinguish
// "absent" from zero values during the merge.
type fileConfig struct {
	Java       *string `yaml:"java"`
	Jar        *string `yaml:"jar"`
	ListenPort *int    `yaml:"listen_port"`
	SpawnPorts *string `yaml:"spawn_ports"`

	Pool struct {
		MaxSize        *int    `yaml:"max_size"`
		MinIdle        *int    `yaml:"min_idle"`
		MaxLifetime    *string `yaml:"max_lifetime"`
		TestOnCheckout *bool   `yaml:"test_on_checkout"`
	} `yaml:"pool"`

	Backend struct {
		StartupGrace   *string `yaml:"startup_grace"`
		ConnectBackoff *string `yaml:"connect_backoff"`
		ConnectTimeout *string `yaml:"connect_timeout"`
		Log4jConfig    *string `yaml:"log4j_config"`
		WatchJar       *bool   `yaml:"watch_jar"`
	} `yaml:"backend"`

	MetricsAddr   *string `yaml:"metrics_addr"`
	RedisAddr     *string `yaml:"redis_addr"`
	RedisPassword *string `yaml:"redis_password"`
	RedisDB       *int    `yaml:"redis_db"`
	Debug         *bool   `yaml:"debug"`
}

var cfg Config

func defaultJarPath() string {
	switch runtime.GOOS {
	case "windows":
		return "./server/kieler-language-server.win.jar"
	case "darwin":
		return "./server/kieler-language-server.osx.jar"
	case "linux":
		return "./server/kieler-language-server.linux.jar"
	default:
		return "./server/kieler-language-server.unknown.jar"
	}
}

func init() {
	flag.StringVar(&cfg.JavaPath, "jvm", "java", "path to the java executable")
	flag.StringVar(&cfg.JarPath, "jar", defaultJarPath(), "path to the language server jar")
	flag.IntVar(&cfg.ListenPort, "port", 5007, "port to listen on for incoming connections")
	flag.StringVar(&cfg.SpawnPorts, "spawn", "5008-65535", "port range for spawned language servers, chosen randomly without checking for ports already in use")
	flag.IntVar(&cfg.PoolMaxSize, "pool-max-size", 8, "hard ceiling on live language server processes, checked out plus idle")
	flag.IntVar(&cfg.PoolMinIdle, "pool-min-idle", 1, "idle language servers to keep ready in the background")
	flag.DurationVar(&cfg.PoolMaxLifetime, "pool-max-lifetime", 30*time.Minute, "retire language servers older than this instead of reusing them; 0 disables")
	flag.BoolVar(&cfg.TestOnCheckout, "test-on-checkout", true, "re-validate a language server before handing it to a session")
	flag.DurationVar(&cfg.StartupGrace, "startup-grace", 3*time.Second, "time a freshly spawned language server gets to initialize before connect attempts")
	flag.DurationVar(&cfg.ConnectBackoff, "connect-backoff", time.Second, "sleep between connection attempts while a language server starts up")
	flag.DurationVar(&cfg.ConnectTimeout, "connect-timeout", 0, "overall limit on connecting to a starting language server; 0 retries until its process exits")
	flag.StringVar(&cfg.Log4jConfig, "log4j-config", "server/log4j.properties", "log4j configuration file passed to the language server")
	flag.BoolVar(&cfg.WatchJar, "watch-jar", false, "watch the jar file and recycle idle language servers when it changes")
	flag.IntVar(&cfg.ConnRate, "conn-rate", 0, "global limit on session starts per second; 0 disables")
	flag.IntVar(&cfg.ConnRatePerClient, "conn-rate-per-client", 0, "per-client-address limit on session starts per second; 0 disables")
	flag.IntVar(&cfg.ConnBurst, "conn-burst", 10, "burst size for the session start limits")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics and health listen address")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "redis address for shared broker state; empty keeps state in memory")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.StringVar(&cfg.ConfigFile, "config", "", "optional YAML config file")
}

// loadConfig parses flags and folds in the config file and environment.
func loadConfig() error {
	flag.Parse()
	explicit := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	if cfg.ConfigFile != "" {
		data, err := os.ReadFile(cfg.ConfigFile)
		if err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return fmt.Errorf("parse config file %s: %w", cfg.ConfigFile, err)
		}
		if err := applyFile(&fc, explicit); err != nil {
			return err
		}
	}

	// Environment variables override the file but not explicit flags. The
	// names match the original deployment surface.
	applyEnv := func(flagName, env string, dst *string) {
		if v, ok := os.LookupEnv(env); ok && !explicit[flagName] {
			*dst = v
		}
	}
	applyEnv("jvm", "JAVA_PATH", &cfg.JavaPath)
	applyEnv("jar", "LSP_JAR_PATH", &cfg.JarPath)
	applyEnv("spawn", "LSP_SPAWN_PORTS", &cfg.SpawnPorts)
	if v, ok := os.LookupEnv("LSP_LISTEN_PORT"); ok && !explicit["port"] {
		if _, err := fmt.Sscanf(v, "%d", &cfg.ListenPort); err != nil {
			return fmt.Errorf("LSP_LISTEN_PORT %q: %w", v, err)
		}
	}
	return nil
}

func applyFile(fc *fileConfig, explicit map[string]bool) error {
	setString := func(flagName string, src *string, dst *string) {
		if src != nil && !explicit[flagName] {
			*dst = *src
		}
	}
	setInt := func(flagName string, src *int, dst *int) {
		if src != nil && !explicit[flagName] {
			*dst = *src
		}
	}
	setBool := func(flagName string, src *bool, dst *bool) {
		if src != nil && !explicit[flagName] {
			*dst = *src
		}
	}
	setDuration := func(flagName string, src *string, dst *time.Duration) error {
		if src == nil || explicit[flagName] {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return fmt.Errorf("config %s: %w", flagName, err)
		}
		*dst = d
		return nil
	}

	setString("jvm", fc.Java, &cfg.JavaPath)
	setString("jar", fc.Jar, &cfg.JarPath)
	setInt("port", fc.ListenPort, &cfg.ListenPort)
	setString("spawn", fc.SpawnPorts, &cfg.SpawnPorts)
	setInt("pool-max-size", fc.Pool.MaxSize, &cfg.PoolMaxSize)
	setInt("pool-min-idle", fc.Pool.MinIdle, &cfg.PoolMinIdle)
	setBool("test-on-checkout", fc.Pool.TestOnCheckout, &cfg.TestOnCheckout)
	setString("log4j-config", fc.Backend.Log4jConfig, &cfg.Log4jConfig)
	setBool("watch-jar", fc.Backend.WatchJar, &cfg.WatchJar)
	setString("metrics", fc.MetricsAddr, &cfg.MetricsAddr)
	setString("redis", fc.RedisAddr, &cfg.RedisAddr)
	setString("redis-password", fc.RedisPassword, &cfg.RedisPassword)
	setInt("redis-db", fc.RedisDB, &cfg.RedisDB)
	setBool("debug", fc.Debug, &cfg.Debug)
	for _, err := range []error{
		setDuration("pool-max-lifetime", fc.Pool.MaxLifetime, &cfg.PoolMaxLifetime),
		setDuration("startup-grace", fc.Backend.StartupGrace, &cfg.StartupGrace),
		setDuration("connect-backoff", fc.Backend.ConnectBackoff, &cfg.ConnectBackoff),
		setDuration("connect-timeout", fc.Backend.ConnectTimeout, &cfg.ConnectTimeout),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// validate checks everything that must hold before the broker starts
// serving. Failures here are fatal at startup.
func (c *Config) validate() error {
	info, err := os.Stat(c.JarPath)
	if err != nil {
		return fmt.Errorf("can't find language server jar at %s: %w", c.JarPath, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("language server jar at %s is not a regular file", c.JarPath)
	}
	r, err := ports.Parse(c.SpawnPorts)
	if err != nil {
		return fmt.Errorf("spawn port range %q: %w", c.SpawnPorts, err)
	}
	c.spawnRange = r
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("listen port %d out of range", c.ListenPort)
	}
	if c.PoolMaxSize < 1 {
		return fmt.Errorf("pool-max-size must be at least 1, got %d", c.PoolMaxSize)
	}
	if c.PoolMinIdle < 0 || c.PoolMinIdle > c.PoolMaxSize {
		return fmt.Errorf("pool-min-idle %d must be between 0 and pool-max-size %d", c.PoolMinIdle, c.PoolMaxSize)
	}
	return nil
}
