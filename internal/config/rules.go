package config

import (
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"taskping/internal/engine/event"
	logx "taskping/pkg/logx"
)

// Mode is the global notification switch.
type Mode string

const (
	ModeFocus Mode = "focus" // threshold filtering active
	ModeFull  Mode = "full"  // everything enabled triggers allow
	ModeOff   Mode = "off"   // reject everything
)

// Rules is an immutable snapshot of the operator-tunable notification
// rules. A reload produces a NEW snapshot; in-flight decisions keep the
// one they started with. Never mutate a published snapshot.
type Rules struct {
	Mode      Mode
	Threshold int
	Triggers  map[event.Trigger]bool

	LoadedAt time.Time
	Origin   string // "file" | "defaults"
}

// TriggerEnabled reports whether the trigger may notify. Unknown
// triggers are disabled.
func (r *Rules) TriggerEnabled(t event.Trigger) bool {
	return r != nil && r.Triggers[t]
}

// DefaultRules returns the built-in conservative rules: focus mode,
// threshold 500, every trigger on except comment_on_owned (noisy).
func DefaultRules() *Rules {
	return &Rules{
		Mode:      ModeFocus,
		Threshold: 500,
		Triggers: map[event.Trigger]bool{
			event.TriggerDeadlineWarning: true,
			event.TriggerOverdue:         true,
			event.TriggerAssigned:        true,
			event.TriggerStatusCritical:  true,
			event.TriggerMentioned:       true,
			event.TriggerCommentOnOwned:  false,
			event.TriggerBlockerResolved: true,
		},
		LoadedAt: time.Now(),
		Origin:   "defaults",
	}
}

// RulesLoader reads rule snapshots from a YAML file.
type RulesLoader struct {
	path string
	log  logx.Logger
}

func NewRulesLoader(path string, log logx.Logger) *RulesLoader {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RulesLoader{path: path, log: log}
}

func (l *RulesLoader) Path() string { return l.path }

// Load reads the rules file and returns a fresh snapshot. It never
// fails: a missing or broken file degrades to the conservative defaults
// (focus mode) rather than widening to full or disabling dedupe.
func (l *RulesLoader) Load() *Rules {
	rules := DefaultRules()

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			l.log.Info("rules file not found, using defaults", logx.String("path", l.path))
		} else {
			l.log.Error("rules file unreadable, using defaults", logx.String("path", l.path), logx.Err(err))
		}
		return rules
	}

	var raw rulesFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		l.log.Error("rules file malformed, using defaults", logx.String("path", l.path), logx.Err(err))
		return rules
	}

	if raw.Mode != "" {
		switch Mode(raw.Mode) {
		case ModeFocus, ModeFull, ModeOff:
			rules.Mode = Mode(raw.Mode)
		default:
			l.log.Warn("unknown mode in rules file, keeping focus", logx.String("mode", raw.Mode))
		}
	}
	if raw.Threshold != nil {
		rules.Threshold = *raw.Threshold
	}
	valid := map[event.Trigger]bool{}
	for _, t := range event.Triggers() {
		valid[t] = true
	}
	for name, enabled := range raw.Triggers {
		t := event.Trigger(name)
		if !valid[t] {
			l.log.Warn("unknown trigger in rules file, ignored", logx.String("trigger", name))
			continue
		}
		rules.Triggers[t] = enabled
	}

	rules.Origin = "file"
	l.log.Info("notification rules loaded",
		logx.String("path", l.path),
		logx.String("mode", string(rules.Mode)),
		logx.Int("threshold", rules.Threshold))
	return rules
}

type rulesFile struct {
	Mode      string          `yaml:"mode"`
	Threshold *int            `yaml:"threshold"`
	Triggers  map[string]bool `yaml:"triggers"`
}
