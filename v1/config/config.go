// Package config holds the settings of a garden run: how many flowers and
// gardeners, where the shared segment and its locks live, worker timing and
// the optional remote sinks. Values come from defaults, an optional YAML file,
// the environment and command-line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/mirkobrombin/go-garden/v1/lock"
)

// DecayMode selects how decay workers run.
type DecayMode string

const (
	// DecayProcess runs one child process per flower.
	DecayProcess DecayMode = "process"
	// DecayGoroutine runs decay workers inside the initiating process.
	DecayGoroutine DecayMode = "goroutine"
)

// EnvRedisPassword carries the Redis password to child processes so it never
// shows up in their argument list.
const EnvRedisPassword = "GARDEN_REDIS_PASSWORD"

// Redis configures the Redis lock placement.
type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// Events configures remote event sinks. Empty values disable a sink.
type Events struct {
	NATSURL      string   `yaml:"nats_url"`
	Subject      string   `yaml:"subject"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

// Log configures diagnostics.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the complete garden configuration.
type Config struct {
	Flowers    int            `yaml:"flowers"`
	Gardeners  int            `yaml:"gardeners"`
	Segment    string         `yaml:"segment"`
	Dir        string         `yaml:"dir"`
	Placement  lock.Placement `yaml:"placement"`
	LockPrefix string         `yaml:"lock_prefix"`
	DecayMin   time.Duration  `yaml:"decay_min"`
	DecayMax   time.Duration  `yaml:"decay_max"`
	Step       time.Duration  `yaml:"step"`
	SweepPause time.Duration  `yaml:"sweep_pause"`
	DecayMode  DecayMode      `yaml:"decay_mode"`
	Seed       int64          `yaml:"seed"`

	Redis  Redis  `yaml:"redis"`
	Events Events `yaml:"events"`
	Log    Log    `yaml:"log"`
}

// Default returns the configuration used when nothing else is given.
func Default() *Config {
	return &Config{
		Flowers:    10,
		Gardeners:  2,
		Segment:    "/flower_shm",
		Dir:        "/dev/shm",
		Placement:  lock.PlacementNamed,
		LockPrefix: "/flower_sem_",
		DecayMin:   time.Second,
		DecayMax:   6 * time.Second,
		Step:       100 * time.Millisecond,
		SweepPause: 500 * time.Millisecond,
		DecayMode:  DecayProcess,
		Redis:      Redis{Addr: "localhost:6379"},
		Log:        Log{Level: "info", Format: "text"},
	}
}

// Load returns the defaults overlaid with the YAML file at path, if any, and
// the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}
	cfg.loadFromEnv()
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadFromEnv() {
	if pw := os.Getenv(EnvRedisPassword); pw != "" {
		c.Redis.Password = pw
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Flowers < 1 {
		errs = append(errs, fmt.Errorf("flowers must be at least 1, got %d", c.Flowers))
	}
	if c.Gardeners < 1 {
		errs = append(errs, fmt.Errorf("gardeners must be at least 1, got %d", c.Gardeners))
	}
	if c.Segment == "" || strings.Contains(strings.TrimPrefix(c.Segment, "/"), "/") {
		errs = append(errs, fmt.Errorf("segment must be a single name, got %q", c.Segment))
	}
	if _, err := lock.ParsePlacement(string(c.Placement)); err != nil {
		errs = append(errs, err)
	}
	if c.LockPrefix == "" {
		errs = append(errs, errors.New("lock_prefix must not be empty"))
	}
	if c.DecayMin < 0 || c.DecayMax < c.DecayMin {
		errs = append(errs, fmt.Errorf("decay range [%s, %s) is invalid", c.DecayMin, c.DecayMax))
	}
	if c.Step < 0 || c.SweepPause < 0 {
		errs = append(errs, errors.New("step and sweep_pause must not be negative"))
	}
	switch c.DecayMode {
	case DecayProcess, DecayGoroutine:
	default:
		errs = append(errs, fmt.Errorf("decay_mode must be process or goroutine, got %q", c.DecayMode))
	}
	if c.Placement == lock.PlacementRedis && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required for the redis placement"))
	}
	if c.Log.Format != "" && c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// BindFlags registers flags that override the fields of c.
func BindFlags(fs *pflag.FlagSet, c *Config) {
	fs.IntVarP(&c.Flowers, "flowers", "n", c.Flowers, "number of flowers")
	fs.IntVarP(&c.Gardeners, "gardeners", "g", c.Gardeners, "number of gardeners")
	fs.StringVar(&c.Segment, "segment", c.Segment, "shared memory segment name")
	fs.StringVar(&c.Dir, "dir", c.Dir, "directory backing named objects")
	fs.Var(placementValue{&c.Placement}, "placement", "lock placement: named, embedded or redis")
	fs.StringVar(&c.LockPrefix, "lock-prefix", c.LockPrefix, "name prefix of per-flower locks")
	fs.DurationVar(&c.DecayMin, "decay-min", c.DecayMin, "lower bound of the decay delay")
	fs.DurationVar(&c.DecayMax, "decay-max", c.DecayMax, "upper bound of the decay delay")
	fs.DurationVar(&c.Step, "step", c.Step, "gardener pause after each flower")
	fs.DurationVar(&c.SweepPause, "sweep-pause", c.SweepPause, "gardener pause after each sweep, 0 sweeps continuously")
	fs.Var(modeValue{&c.DecayMode}, "decay-mode", "run decay workers as a process or goroutine each")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "seed for decay delays, 0 derives one from the clock")
	fs.StringVar(&c.Redis.Addr, "redis-addr", c.Redis.Addr, "redis address for the redis placement")
	fs.IntVar(&c.Redis.DB, "redis-db", c.Redis.DB, "redis database")
	fs.DurationVar(&c.Redis.TTL, "redis-ttl", c.Redis.TTL, "expiry of held redis locks, 0 disables")
	fs.StringVar(&c.Events.NATSURL, "nats", c.Events.NATSURL, "mirror events to this NATS server")
	fs.StringVar(&c.Events.Subject, "nats-subject", c.Events.Subject, "NATS subject for events")
	fs.StringSliceVar(&c.Events.KafkaBrokers, "kafka", c.Events.KafkaBrokers, "mirror events to these Kafka brokers")
	fs.StringVar(&c.Events.KafkaTopic, "kafka-topic", c.Events.KafkaTopic, "Kafka topic for events")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level: debug, info, warn or error")
	fs.StringVar(&c.Log.Format, "log-format", c.Log.Format, "log format: text or json")
}

// Args encodes c as flags accepted by BindFlags, for a child process that must
// see the same garden. The Redis password is passed through Env instead.
func (c *Config) Args() []string {
	args := []string{
		"--flowers=" + strconv.Itoa(c.Flowers),
		"--gardeners=" + strconv.Itoa(c.Gardeners),
		"--segment=" + c.Segment,
		"--dir=" + c.Dir,
		"--placement=" + string(c.Placement),
		"--lock-prefix=" + c.LockPrefix,
		"--decay-min=" + c.DecayMin.String(),
		"--decay-max=" + c.DecayMax.String(),
		"--step=" + c.Step.String(),
		"--sweep-pause=" + c.SweepPause.String(),
		"--decay-mode=" + string(c.DecayMode),
		"--seed=" + strconv.FormatInt(c.Seed, 10),
		"--log-level=" + c.Log.Level,
		"--log-format=" + c.Log.Format,
	}
	if c.Placement == lock.PlacementRedis {
		args = append(args,
			"--redis-addr="+c.Redis.Addr,
			"--redis-db="+strconv.Itoa(c.Redis.DB),
			"--redis-ttl="+c.Redis.TTL.String(),
		)
	}
	if c.Events.NATSURL != "" {
		args = append(args, "--nats="+c.Events.NATSURL)
	}
	if c.Events.Subject != "" {
		args = append(args, "--nats-subject="+c.Events.Subject)
	}
	if len(c.Events.KafkaBrokers) > 0 {
		args = append(args, "--kafka="+strings.Join(c.Events.KafkaBrokers, ","))
	}
	if c.Events.KafkaTopic != "" {
		args = append(args, "--kafka-topic="+c.Events.KafkaTopic)
	}
	return args
}

// Env returns the environment entries a child process needs besides Args.
func (c *Config) Env() []string {
	if c.Redis.Password == "" {
		return nil
	}
	return []string{EnvRedisPassword + "=" + c.Redis.Password}
}

type placementValue struct{ p *lock.Placement }

func (v placementValue) String() string {
	if v.p == nil {
		return ""
	}
	return string(*v.p)
}

func (v placementValue) Set(s string) error {
	p, err := lock.ParsePlacement(s)
	if err != nil {
		return err
	}
	*v.p = p
	return nil
}

func (placementValue) Type() string { return "placement" }

type modeValue struct{ m *DecayMode }

func (v modeValue) String() string {
	if v.m == nil {
		return ""
	}
	return string(*v.m)
}

func (v modeValue) Set(s string) error {
	switch m := DecayMode(s); m {
	case DecayProcess, DecayGoroutine:
		*v.m = m
		return nil
	}
	return fmt.Errorf("unknown decay mode %q", s)
}

func (modeValue) Type() string { return "mode" }

// Overlay copies onto c every flag of fs that was set explicitly, so flags
// take precedence over a file loaded after parsing. fs must carry the flags
// registered by BindFlags.
func Overlay(fs *pflag.FlagSet, c *Config) error {
	bound := pflag.NewFlagSet("overlay", pflag.ContinueOnError)
	BindFlags(bound, c)
	var err error
	fs.Visit(func(f *pflag.Flag) {
		dst := bound.Lookup(f.Name)
		if dst == nil || err != nil {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			err = dst.Value.(pflag.SliceValue).Replace(sv.GetSlice())
			return
		}
		err = dst.Value.Set(f.Value.String())
	})
	return err
}
