package core

import (
	"time"
)

// Result is one completed simulation run.
//
// Stdout and Stderr are only populated once the output has been loaded from
// the run's data directory; the database stores metadata only.
type Result struct {
	ID     string `json:"id"`
	Params Params `json:"params"`
	Meta   Meta   `json:"meta"`

	Stdout string `json:"-"`
	Stderr string `json:"-"`
}

// Meta is the bookkeeping recorded next to a result's parameters.
type Meta struct {
	ExitCode    int           `json:"exitcode"`
	Elapsed     time.Duration `json:"elapsed_time"`
	CompletedAt time.Time     `json:"completed_at"`
}

// CampaignConfig describes what a campaign simulates.
//
// Params holds every parameter the script accepts, with its default value.
type CampaignConfig struct {
	Script      string `json:"script" yaml:"script"`
	Path        string `json:"path" yaml:"path"`
	Params      Params `json:"params" yaml:"params"`
	Commit      string `json:"commit" yaml:"commit"`
	CampaignDir string `json:"campaign_dir" yaml:"campaign_dir"`
}
