// Package config holds the build configuration of a system: table shape, core
// timing, events, tasks, notifications and process permissions. It is loaded
// with viper from YAML and SAFERTOS_* environment variables and validated as
// a whole before anything is constructed.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"safertos/assertion"
	"safertos/kernel"
)

// EnvPrefix is the prefix of environment overrides, e.g. SAFERTOS_ASSERTION.
const EnvPrefix = "SAFERTOS"

var (
	ErrNoCores          = errors.New("no cores configured")
	ErrBadCore          = errors.New("bad core index")
	ErrUnknownEvent     = errors.New("unknown event")
	ErrDuplicateName    = errors.New("duplicate name")
	ErrBadActivation    = errors.New("bad activation")
	ErrBadAssertionMode = errors.New("bad assertion mode")
	ErrBadPermission    = errors.New("bad permission")
	ErrNoWorkload       = errors.New("no workload")
)

// Event configures one event of a core.
type Event struct {
	Core              kernel.CoreID `yaml:"core" mapstructure:"core"`
	Name              string        `yaml:"name" mapstructure:"name"`
	PeriodMs          uint32        `yaml:"period_ms" mapstructure:"period_ms"`
	FirstActivationMs uint32        `yaml:"first_activation_ms,omitempty" mapstructure:"first_activation_ms"`
	Activation        string        `yaml:"activation,omitempty" mapstructure:"activation"`
	MinPIDToTrigger   kernel.PID    `yaml:"min_pid_to_trigger,omitempty" mapstructure:"min_pid_to_trigger"`
	Param             uint64        `yaml:"param,omitempty" mapstructure:"param"`
}

// Task configures one task. Workload names the task body, Arg and Target
// parameterize it.
type Task struct {
	Core     kernel.CoreID `yaml:"core" mapstructure:"core"`
	Name     string        `yaml:"name" mapstructure:"name"`
	Event    string        `yaml:"event" mapstructure:"event"`
	Priority uint          `yaml:"priority" mapstructure:"priority"`
	PID      kernel.PID    `yaml:"pid" mapstructure:"pid"`
	BudgetMs uint32        `yaml:"budget_ms,omitempty" mapstructure:"budget_ms"`
	Workload string        `yaml:"workload" mapstructure:"workload"`
	Arg      uint32        `yaml:"arg,omitempty" mapstructure:"arg"`
	Target   string        `yaml:"target,omitempty" mapstructure:"target"`
}

// InitTask configures the init task of a process on one core.
type InitTask struct {
	Core     kernel.CoreID `yaml:"core" mapstructure:"core"`
	PID      kernel.PID    `yaml:"pid" mapstructure:"pid"`
	BudgetMs uint32        `yaml:"budget_ms,omitempty" mapstructure:"budget_ms"`
	Workload string        `yaml:"workload" mapstructure:"workload"`
	Arg      uint32        `yaml:"arg,omitempty" mapstructure:"arg"`
}

// NotificationTarget is an event triggered by a notification, by name on the
// target core.
type NotificationTarget struct {
	Event      string `yaml:"event" mapstructure:"event"`
	Activation string `yaml:"activation,omitempty" mapstructure:"activation"`
}

// Notification configures one inter-core notification.
type Notification struct {
	Name        string               `yaml:"name" mapstructure:"name"`
	TargetCore  kernel.CoreID        `yaml:"target_core" mapstructure:"target_core"`
	IRQPriority uint                 `yaml:"irq_priority" mapstructure:"irq_priority"`
	Callback    string               `yaml:"callback,omitempty" mapstructure:"callback"`
	Arg         uint32               `yaml:"arg,omitempty" mapstructure:"arg"`
	Events      []NotificationTarget `yaml:"events,omitempty" mapstructure:"events"`
	QueueDepth  int                  `yaml:"queue_depth,omitempty" mapstructure:"queue_depth"`
}

// Permission allows process Caller to suspend process Target, or to run
// functions in it.
type Permission struct {
	Caller kernel.PID `yaml:"caller" mapstructure:"caller"`
	Target kernel.PID `yaml:"target" mapstructure:"target"`
}

// Build is the complete configuration of a system.
type Build struct {
	Shape         kernel.Shape        `yaml:"shape" mapstructure:"shape"`
	Cores         []kernel.CoreConfig `yaml:"cores" mapstructure:"cores"`
	Assertion     string              `yaml:"assertion" mapstructure:"assertion"`
	Permissions   []Permission        `yaml:"permissions,omitempty" mapstructure:"permissions"`
	RunTask       []Permission        `yaml:"run_task_permissions,omitempty" mapstructure:"run_task_permissions"`
	Events        []Event             `yaml:"events" mapstructure:"events"`
	Tasks         []Task              `yaml:"tasks" mapstructure:"tasks"`
	InitTasks     []InitTask          `yaml:"init_tasks,omitempty" mapstructure:"init_tasks"`
	Notifications []Notification      `yaml:"notifications,omitempty" mapstructure:"notifications"`
}

// Default returns the reference build: three cores with mutually prime tick
// periods, a periodic load on every core and a notification from core 0 to
// core 1.
func Default() Build {
	return Build{
		Shape: kernel.DefaultShape(),
		Cores: []kernel.CoreConfig{
			{TickPeriodMs: 1, KernelIRQPriority: 12},
			{TickPeriodMs: 1.0002375, KernelIRQPriority: 12},
			{TickPeriodMs: 1.0003375, KernelIRQPriority: 12},
		},
		Assertion: assertion.ModeHalt.String(),
		Events: []Event{
			{Core: 0, Name: "c0.1ms", PeriodMs: 1},
			{Core: 0, Name: "c0.10ms", PeriodMs: 10, FirstActivationMs: 3},
			{Core: 1, Name: "c1.rx"},
			{Core: 1, Name: "c1.10ms", PeriodMs: 10},
			{Core: 2, Name: "c2.5ms", PeriodMs: 5, FirstActivationMs: 2},
		},
		Tasks: []Task{
			{Core: 0, Name: "c0.fast", Event: "c0.1ms", Priority: 3, PID: 1, BudgetMs: 1, Workload: "idle"},
			{Core: 0, Name: "c0.ping", Event: "c0.10ms", Priority: 2, PID: 1, BudgetMs: 5, Workload: "notify", Arg: 1, Target: "c0->c1"},
			{Core: 1, Name: "c1.rx", Event: "c1.rx", Priority: 4, PID: 2, BudgetMs: 2, Workload: "busy", Arg: 1},
			{Core: 1, Name: "c1.bg", Event: "c1.10ms", Priority: 1, PID: 1, BudgetMs: 8, Workload: "busy", Arg: 3},
			{Core: 2, Name: "c2.worker", Event: "c2.5ms", Priority: 2, PID: 3, BudgetMs: 3, Workload: "busy", Arg: 2},
		},
		Notifications: []Notification{
			{
				Name: "c0->c1", TargetCore: 1, IRQPriority: 4, Callback: "log",
				Events: []NotificationTarget{{Event: "c1.rx", Activation: kernel.Countable.String()}},
			},
		},
	}
}

// SetDefaults registers the scalar defaults with v so that environment
// overrides of them are honored by Load.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("assertion", d.Assertion)
	v.SetDefault("shape.max_events", d.Shape.MaxEvents)
	v.SetDefault("shape.max_tasks", d.Shape.MaxTasks)
	v.SetDefault("shape.max_task_priority", d.Shape.MaxTaskPriority)
	v.SetDefault("shape.max_lockable_priority", d.Shape.MaxLockablePriority)
	v.SetDefault("shape.max_pending_activations", d.Shape.MaxPendingActivations)
	v.SetDefault("shape.no_processes", d.Shape.NoProcesses)
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load decodes and validates the build held by v. Missing cores fall back to
// the reference cores; a build without any events, tasks and notifications
// gets the reference workload.
func Load(v *viper.Viper) (Build, error) {
	var b Build
	if err := v.Unmarshal(&b); err != nil {
		return Build{}, fmt.Errorf("decode config: %w", err)
	}
	d := Default()
	if len(b.Cores) == 0 {
		b.Cores = d.Cores
	}
	if len(b.Events) == 0 && len(b.Tasks) == 0 && len(b.Notifications) == 0 {
		b.Events, b.Tasks, b.Notifications = d.Events, d.Tasks, d.Notifications
	}
	if err := b.Validate(); err != nil {
		return Build{}, err
	}
	return b, nil
}

// LoadFile reads a YAML build file with environment overrides.
func LoadFile(path string) (Build, error) {
	v := NewViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Build{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Load(v)
}

// Parse reads a YAML build from memory.
func Parse(data []byte) (Build, error) {
	v := NewViper()
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return Build{}, fmt.Errorf("parse config: %w", err)
	}
	return Load(v)
}

// YAML returns the build in the file format read by LoadFile.
func (b Build) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(b); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// AssertionMode returns the parsed assertion mode.
func (b Build) AssertionMode() (assertion.Mode, error) {
	m, ok := assertion.ParseMode(b.Assertion)
	if !ok {
		return assertion.ModeHalt, fmt.Errorf("%w: %q", ErrBadAssertionMode, b.Assertion)
	}
	return m, nil
}

// EventsOf returns the events of core c in configuration order.
func (b Build) EventsOf(c kernel.CoreID) []Event {
	var out []Event
	for _, e := range b.Events {
		if e.Core == c {
			out = append(out, e)
		}
	}
	return out
}

// TasksOf returns the tasks of core c in configuration order.
func (b Build) TasksOf(c kernel.CoreID) []Task {
	var out []Task
	for _, t := range b.Tasks {
		if t.Core == c {
			out = append(out, t)
		}
	}
	return out
}
