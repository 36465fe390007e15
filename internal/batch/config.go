package batch

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// ScheduledBatch is a named, recurring question set
type ScheduledBatch struct {
	Name             string   `toml:"name"`
	Cron             string   `toml:"cron"`
	Questions        []string `toml:"questions"`
	Parallelism      int      `toml:"parallelism"`
	NotifyOnComplete bool     `toml:"notify_on_complete"`
}

// ScheduleConfig holds all scheduled batch definitions
type ScheduleConfig struct {
	Batches []ScheduledBatch `toml:"batch"`
}

// Validate checks the definition and fills defaults
func (b *ScheduledBatch) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("batch name is required")
	}
	if b.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(b.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if len(FilterQuestions(b.Questions)) == 0 {
		return fmt.Errorf("at least one non-blank question is required")
	}
	if b.Parallelism <= 0 {
		b.Parallelism = 1
	}
	return nil
}

// LoadScheduleConfig loads scheduled batches from a TOML file
func LoadScheduleConfig(path string) (*ScheduleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ScheduleConfig{}, nil
		}
		return nil, err
	}

	var cfg ScheduleConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	for i := range cfg.Batches {
		if err := cfg.Batches[i].Validate(); err != nil {
			return nil, fmt.Errorf("batch %d: %w", i, err)
		}
	}

	return &cfg, nil
}
