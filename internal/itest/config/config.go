// Package config loads the orchestrator's optional run configuration file.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/zrcxvs/nexus-cli/internal/itest/candidate"
	"github.com/zrcxvs/nexus-cli/internal/itest/detect"
	"github.com/zrcxvs/nexus-cli/internal/itest/timeout"
)

const (
	DefaultBinary        = "target/release/nexus-network"
	DefaultCandidateFlag = "--node-id"
	DefaultMaxTasksFlag  = "--max-tasks"
	DefaultEnvVar        = "NEXUS_ITEST_NODE_IDS"
	DefaultTickMS        = 1000
	DefaultTermGrace     = 2
	DefaultProgressEvery = 10
	DefaultTailLines     = 20

	// BinaryEnvVar overrides worker.binary when no --binary flag is given.
	BinaryEnvVar = "NEXUS_ITEST_BINARY"
	// HistoryOff disables the run history store.
	HistoryOff = "off"
)

var DefaultWorkerArgs = []string{"start", "--headless"}

type WorkerConfig struct {
	Binary        string            `json:"binary,omitempty" yaml:"binary,omitempty"`
	Args          []string          `json:"args,omitempty" yaml:"args,omitempty"`
	CandidateFlag string            `json:"candidate_flag,omitempty" yaml:"candidate_flag,omitempty"`
	MaxTasksFlag  string            `json:"max_tasks_flag,omitempty" yaml:"max_tasks_flag,omitempty"`
	Env           map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

type CandidatesConfig struct {
	EnvVar          string   `json:"env_var,omitempty" yaml:"env_var,omitempty"`
	Fallback        []string `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	DisableFallback bool     `json:"disable_fallback,omitempty" yaml:"disable_fallback,omitempty"`
}

type MarkersConfig struct {
	Mode        string   `json:"mode,omitempty" yaml:"mode,omitempty"`
	Success     []string `json:"success,omitempty" yaml:"success,omitempty"`
	RateLimited []string `json:"rate_limited,omitempty" yaml:"rate_limited,omitempty"`
}

// TimingConfig counts windows in ticks of TickMS milliseconds.
type TimingConfig struct {
	TickMS             int `json:"tick_ms,omitempty" yaml:"tick_ms,omitempty"`
	PrimaryWindowTicks int `json:"primary_window_ticks,omitempty" yaml:"primary_window_ticks,omitempty"`
	TermGraceTicks     int `json:"term_grace_ticks,omitempty" yaml:"term_grace_ticks,omitempty"`

	// Zero is meaningful for these: no grace after success, no periodic
	// progress lines. Unset means the default.
	SuccessGraceTicks  *int `json:"success_grace_ticks,omitempty" yaml:"success_grace_ticks,omitempty"`
	ProgressEveryTicks *int `json:"progress_every_ticks,omitempty" yaml:"progress_every_ticks,omitempty"`
}

type DiagnosticsConfig struct {
	// TailLines of zero turns the failure tail off.
	TailLines  *int  `json:"tail_lines,omitempty" yaml:"tail_lines,omitempty"`
	EchoOutput *bool `json:"echo_output,omitempty" yaml:"echo_output,omitempty"`
}

type File struct {
	Version     int               `json:"version" yaml:"version"`
	Worker      WorkerConfig      `json:"worker,omitempty" yaml:"worker,omitempty"`
	Candidates  CandidatesConfig  `json:"candidates,omitempty" yaml:"candidates,omitempty"`
	Markers     MarkersConfig     `json:"markers,omitempty" yaml:"markers,omitempty"`
	Timing      TimingConfig      `json:"timing,omitempty" yaml:"timing,omitempty"`
	Diagnostics DiagnosticsConfig `json:"diagnostics,omitempty" yaml:"diagnostics,omitempty"`
	LogsRoot    string            `json:"logs_root,omitempty" yaml:"logs_root,omitempty"`
	HistoryDB   string            `json:"history_db,omitempty" yaml:"history_db,omitempty"`
}

// Default returns a fully defaulted configuration.
func Default() *File {
	cfg := &File{}
	ApplyDefaults(cfg)
	return cfg
}

// Load reads a YAML or JSON file (by extension), validates it against the
// embedded schema, applies defaults and checks the result. An empty path
// yields Default().
func Load(path string) (*File, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b, strings.ToLower(filepath.Ext(path)) == ".json")
}

// Parse decodes b as JSON when isJSON is set and as YAML otherwise.
func Parse(b []byte, isJSON bool) (*File, error) {
	if err := validateSchema(b, isJSON); err != nil {
		return nil, err
	}
	var cfg File
	if isJSON {
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, err
		}
	} else {
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, err
		}
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *File) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *File) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

//go:embed schema.json
var schemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.schema.json", strings.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("config.schema.json")
	})
	return schema, schemaErr
}

// validateSchema checks the raw document shape before strict decoding so
// type errors are reported with their JSON pointer.
func validateSchema(b []byte, isJSON bool) error {
	sch, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	raw := b
	if !isJSON {
		var doc any
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return err
		}
		if doc == nil {
			doc = map[string]any{}
		}
		if raw, err = json.Marshal(doc); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func ApplyDefaults(cfg *File) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	cfg.Worker.Binary = strings.TrimSpace(cfg.Worker.Binary)
	if cfg.Worker.Binary == "" {
		cfg.Worker.Binary = DefaultBinary
	}
	if cfg.Worker.Args == nil {
		cfg.Worker.Args = append([]string(nil), DefaultWorkerArgs...)
	}
	if strings.TrimSpace(cfg.Worker.CandidateFlag) == "" {
		cfg.Worker.CandidateFlag = DefaultCandidateFlag
	}
	if strings.TrimSpace(cfg.Worker.MaxTasksFlag) == "" {
		cfg.Worker.MaxTasksFlag = DefaultMaxTasksFlag
	}
	if strings.TrimSpace(cfg.Candidates.EnvVar) == "" {
		cfg.Candidates.EnvVar = DefaultEnvVar
	}
	cfg.Candidates.Fallback = trimNonEmpty(cfg.Candidates.Fallback)
	if len(cfg.Candidates.Fallback) == 0 {
		cfg.Candidates.Fallback = append([]string(nil), candidate.BuiltinFallback...)
	}
	cfg.Markers.Mode = strings.ToLower(strings.TrimSpace(cfg.Markers.Mode))
	if cfg.Markers.Mode == "" {
		cfg.Markers.Mode = detect.ModeSubstring
	}
	if len(trimNonEmpty(cfg.Markers.Success)) == 0 {
		cfg.Markers.Success = []string{detect.DefaultSuccessMarker}
	}
	if len(trimNonEmpty(cfg.Markers.RateLimited)) == 0 {
		cfg.Markers.RateLimited = []string{detect.DefaultRateLimitedMarker}
	}
	if cfg.Timing.TickMS == 0 {
		cfg.Timing.TickMS = DefaultTickMS
	}
	if cfg.Timing.PrimaryWindowTicks == 0 {
		cfg.Timing.PrimaryWindowTicks = timeout.DefaultLimits.PrimaryTicks
	}
	defaultInt(&cfg.Timing.SuccessGraceTicks, timeout.DefaultLimits.GraceTicks)
	if cfg.Timing.TermGraceTicks == 0 {
		cfg.Timing.TermGraceTicks = DefaultTermGrace
	}
	defaultInt(&cfg.Timing.ProgressEveryTicks, DefaultProgressEvery)
	defaultInt(&cfg.Diagnostics.TailLines, DefaultTailLines)
	if cfg.Diagnostics.EchoOutput == nil {
		t := true
		cfg.Diagnostics.EchoOutput = &t
	}
	cfg.LogsRoot = strings.TrimSpace(cfg.LogsRoot)
	cfg.HistoryDB = strings.TrimSpace(cfg.HistoryDB)
}

func Validate(cfg *File) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	if cfg.Worker.Binary == "" {
		return fmt.Errorf("worker.binary is required")
	}
	if !strings.HasPrefix(cfg.Worker.CandidateFlag, "-") {
		return fmt.Errorf("worker.candidate_flag must be a flag, got %q", cfg.Worker.CandidateFlag)
	}
	for k := range cfg.Worker.Env {
		if strings.TrimSpace(k) == "" || strings.Contains(k, "=") {
			return fmt.Errorf("worker.env: invalid variable name %q", k)
		}
	}
	if cfg.Timing.TickMS < 0 || cfg.Timing.PrimaryWindowTicks < 0 ||
		intValue(cfg.Timing.SuccessGraceTicks) < 0 || intValue(cfg.Timing.ProgressEveryTicks) < 0 {
		return fmt.Errorf("timing values must be >= 0")
	}
	if cfg.Timing.TermGraceTicks < 1 {
		return fmt.Errorf("timing.term_grace_ticks must be >= 1")
	}
	if intValue(cfg.Diagnostics.TailLines) < 0 {
		return fmt.Errorf("diagnostics.tail_lines must be >= 0")
	}
	if _, err := cfg.Detector(); err != nil {
		return fmt.Errorf("markers: %w", err)
	}
	return nil
}

// ApplyEnv applies environment overrides. getenv is os.Getenv outside tests.
func (cfg *File) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if b := strings.TrimSpace(getenv(BinaryEnvVar)); b != "" {
		cfg.Worker.Binary = b
	}
}

func (cfg *File) Detector() (detect.Detector, error) {
	return detect.New(cfg.Markers.Mode, trimNonEmpty(cfg.Markers.Success), trimNonEmpty(cfg.Markers.RateLimited))
}

func (cfg *File) Tick() time.Duration {
	return time.Duration(cfg.Timing.TickMS) * time.Millisecond
}

func (cfg *File) Limits() timeout.Limits {
	return timeout.Limits{PrimaryTicks: cfg.Timing.PrimaryWindowTicks, GraceTicks: intValue(cfg.Timing.SuccessGraceTicks)}
}

// ProgressEvery is the periodic progress cadence in ticks for attempt.Runner,
// where a negative value disables it.
func (cfg *File) ProgressEvery() int {
	return disabledIfZero(intValue(cfg.Timing.ProgressEveryTicks))
}

// TailLines is the failure tail length for attempt.Runner, where a negative
// value disables it.
func (cfg *File) TailLines() int {
	return disabledIfZero(intValue(cfg.Diagnostics.TailLines))
}

func disabledIfZero(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

func defaultInt(p **int, v int) {
	if *p == nil {
		*p = &v
	}
}

func intValue(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// TermGrace is the SIGTERM-to-SIGKILL interval.
func (cfg *File) TermGrace() time.Duration {
	return time.Duration(cfg.Timing.TermGraceTicks) * cfg.Tick()
}

// FallbackPool returns the fallback list, or nil when disabled.
func (cfg *File) FallbackPool() []string {
	if cfg.Candidates.DisableFallback {
		return nil
	}
	return cfg.Candidates.Fallback
}

func (cfg *File) Echo() bool {
	return cfg.Diagnostics.EchoOutput == nil || *cfg.Diagnostics.EchoOutput
}

// WorkerEnv renders worker.env as KEY=VALUE pairs.
func (cfg *File) WorkerEnv() []string {
	if len(cfg.Worker.Env) == 0 {
		return nil
	}
	out := make([]string, 0, len(cfg.Worker.Env))
	for k, v := range cfg.Worker.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func trimNonEmpty(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
