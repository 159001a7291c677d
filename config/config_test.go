package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/swarmbus/bus"
	swarmerr "github.com/vinayprograms/swarmbus/errors"
	"github.com/vinayprograms/swarmbus/workflow"
)

func TestDefault_MatchesComponents(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}

	if got, want := cfg.BusConfig(nil), bus.DefaultConfig(); got.MailboxSize != want.MailboxSize ||
		got.EnqueueTimeout != want.EnqueueTimeout || got.MaxRetries != want.MaxRetries {
		t.Errorf("BusConfig = %+v, want defaults %+v", got, want)
	}
	if got := cfg.WorkflowConfig(nil); got.PollInterval != workflow.DefaultConfig().PollInterval ||
		got.AssignTimeout != workflow.DefaultConfig().AssignTimeout || !got.PublishEvents {
		t.Errorf("WorkflowConfig = %+v", got)
	}
	if got := cfg.OrchestratorConfig(nil); got.ScaleUpThreshold != 0.8 || got.ScaleDownThreshold != 0.3 {
		t.Errorf("OrchestratorConfig thresholds = %v/%v", got.ScaleUpThreshold, got.ScaleDownThreshold)
	}
}

func TestParse_OverridesOnlyNamedKeys(t *testing.T) {
	cfg, err := Parse(`
[logging]
level = "debug"

[bus]
mailbox_size = 50
enqueue_timeout = "250ms"

[workflow]
publish_events = false

[orchestrator]
cooldown = "1m"

[[orchestrator.pools]]
logical_type = "calc"
min = 2
max = 8
max_load = 4
capabilities = ["math"]

[telemetry]
events = "file"
events_endpoint = "/tmp/events.jsonl"
`)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}

	b := cfg.BusConfig(nil)
	if b.MailboxSize != 50 || b.EnqueueTimeout != 250*time.Millisecond {
		t.Errorf("bus = %d/%v, want 50/250ms", b.MailboxSize, b.EnqueueTimeout)
	}
	if b.MaxRetries != bus.DefaultConfig().MaxRetries {
		t.Errorf("unset max_retries = %d, want default", b.MaxRetries)
	}
	if cfg.WorkflowConfig(nil).PublishEvents {
		t.Error("publish_events = true, want false")
	}

	o := cfg.OrchestratorConfig(nil)
	if o.Cooldown != time.Minute {
		t.Errorf("cooldown = %v, want 1m", o.Cooldown)
	}
	if len(o.Pools) != 1 {
		t.Fatalf("pools = %d, want 1", len(o.Pools))
	}
	p := o.Pools[0]
	if p.LogicalType != "calc" || p.Min != 2 || p.Max != 8 || p.MaxLoad != 4 || len(p.Capabilities) != 1 {
		t.Errorf("pool = %+v", p)
	}
	if cfg.Telemetry.Events != "file" {
		t.Errorf("events = %q, want file", cfg.Telemetry.Events)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"bad duration", "[bus]\nenqueue_timeout = \"soon\"", "decode config"},
		{"unknown key", "[bus]\nmailbox = 3", "unknown config keys: bus.mailbox"},
		{"bad mailbox", "[bus]\nmailbox_size = 0", "bus:"},
		{"assign timeout", "[workflow]\nassign_timeout = \"-1s\"", "assign_timeout"},
		{"inverted pool", "[[orchestrator.pools]]\nlogical_type = \"x\"\nmin = 3\nmax = 1", "orchestrator:"},
		{"thresholds", "[orchestrator]\nscale_up_threshold = 0.2", "orchestrator:"},
		{"protocol", "[telemetry]\nprotocol = \"udp\"", "unknown protocol"},
		{"events endpoint", "[telemetry]\nevents = \"http\"", "needs events_endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Parse error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLoad_ExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if err := os.WriteFile(filepath.Join(home, "swarm.toml"), []byte("[logging]\nlevel = \"warn\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("~/swarm.toml")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("level = %q, want warn", cfg.Logging.Level)
	}
	if cfg.Path != filepath.Join(home, "swarm.toml") {
		t.Errorf("Path = %q", cfg.Path)
	}

	if _, err := Load(filepath.Join(home, "missing.toml")); err == nil {
		t.Error("Load(missing) succeeded")
	}
	if _, err := Load(""); err == nil {
		t.Error("Load(\"\") succeeded")
	}
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1m30s")); err != nil {
		t.Fatalf("UnmarshalText error: %v", err)
	}
	if d.Std() != 90*time.Second {
		t.Errorf("Std() = %v, want 1m30s", d.Std())
	}
	text, _ := d.MarshalText()
	if string(text) != "1m30s" {
		t.Errorf("MarshalText = %q", text)
	}
}

const etlWorkflow = `
name = "etl"
parallel_limit = 2
global_timeout = "10m"
failure_strategy = "continue"

[success_criteria]
required_tasks = ["load"]

[[tasks]]
id = "extract"
capabilities = ["fetch"]
timeout = "30s"
payload = { url = "https://example.com/data.csv", rows = 10 }

[[tasks]]
id = "transform"
kind = "parallel"
depends_on = ["extract"]
max_retries = 5

[[tasks]]
id = "load"
depends_on = ["transform"]
pool = "db"
priority = "high"
`

func TestParseWorkflow(t *testing.T) {
	def, err := ParseWorkflow(etlWorkflow)
	if err != nil {
		t.Fatalf("ParseWorkflow error: %v", err)
	}

	if def.Name != "etl" || def.ParallelLimit != 2 || def.GlobalTimeout != 10*time.Minute {
		t.Errorf("definition = %+v", def)
	}
	if def.FailureStrategy != workflow.StrategyContinue {
		t.Errorf("strategy = %q", def.FailureStrategy)
	}
	if def.SuccessCriteria == nil || len(def.SuccessCriteria.RequiredTasks) != 1 {
		t.Errorf("criteria = %+v", def.SuccessCriteria)
	}
	if len(def.Tasks) != 3 {
		t.Fatalf("tasks = %d, want 3", len(def.Tasks))
	}

	extract := def.Tasks["extract"]
	if extract.Timeout != 30*time.Second || extract.Priority != 0 {
		t.Errorf("extract = %+v", extract)
	}
	var payload struct {
		URL  string `json:"url"`
		Rows int    `json:"rows"`
	}
	if err := json.Unmarshal(extract.Payload, &payload); err != nil || payload.URL == "" || payload.Rows != 10 {
		t.Errorf("payload = %s (%v)", extract.Payload, err)
	}

	if tr := def.Tasks["transform"]; tr.Kind != workflow.KindParallel || tr.MaxRetries != 5 || tr.Dependencies[0] != "extract" {
		t.Errorf("transform = %+v", tr)
	}
	if ld := def.Tasks["load"]; ld.Pool != "db" || ld.Priority != bus.PriorityHigh {
		t.Errorf("load = %+v", ld)
	}
}

func TestParseWorkflow_DefaultParallelLimit(t *testing.T) {
	def, err := ParseWorkflow("[[tasks]]\nid = \"a\"\n[[tasks]]\nid = \"b\"\n")
	if err != nil {
		t.Fatalf("ParseWorkflow error: %v", err)
	}
	if def.ParallelLimit != 2 {
		t.Errorf("ParallelLimit = %d, want 2", def.ParallelLimit)
	}
}

func TestParseWorkflow_Errors(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		validation bool
	}{
		{"missing id", "[[tasks]]\nkind = \"loop\"", false},
		{"duplicate id", "[[tasks]]\nid = \"a\"\n[[tasks]]\nid = \"a\"", false},
		{"bad priority", "[[tasks]]\nid = \"a\"\npriority = \"asap\"", false},
		{"cycle", "[[tasks]]\nid = \"a\"\ndepends_on = [\"b\"]\n[[tasks]]\nid = \"b\"\ndepends_on = [\"a\"]", true},
		{"unknown dependency", "[[tasks]]\nid = \"a\"\ndepends_on = [\"zzz\"]", true},
		{"no tasks", "name = \"empty\"", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseWorkflow(tt.text)
			if err == nil {
				t.Fatal("ParseWorkflow succeeded")
			}
			if got := swarmerr.Is(err, swarmerr.ErrCodeValidation); got != tt.validation {
				t.Errorf("validation error = %v, want %v (%v)", got, tt.validation, err)
			}
		})
	}
}

func TestLoadWorkflow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etl.toml")
	if err := os.WriteFile(path, []byte(etlWorkflow), 0o600); err != nil {
		t.Fatal(err)
	}
	def, err := LoadWorkflow(path)
	if err != nil {
		t.Fatalf("LoadWorkflow error: %v", err)
	}
	if len(def.Tasks) != 3 {
		t.Errorf("tasks = %d, want 3", len(def.Tasks))
	}
}
