// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	Config struct {
		// Log is the logging config
		Log Logger `yaml:"log"`

		// Database is the store that the orchestrator persists history into
		Database DatabaseConfig `yaml:"database"`

		// ApiService is the API service config
		ApiService ApiServiceConfig `yaml:"apiService"`

		// WorkerService is config for the decision/activity/timer workers
		WorkerService WorkerServiceConfig `yaml:"workerService"`

		// Orchestration configures retry defaults, recurring triggers and
		// instance-creating signals
		Orchestration OrchestrationConfig `yaml:"orchestration"`
	}

	DatabaseConfig struct {
		// InMemory runs against a process-local store. History does not
		// survive restarts, so this is only for development and tests.
		InMemory bool `yaml:"inMemory"`
		// SQL is the SQL database config, required unless InMemory is set
		SQL *SQL `yaml:"sql"`
	}

	ApiServiceConfig struct {
		// HttpServer is the config for starting http.Server
		HttpServer HttpServerConfig `yaml:"httpServer"`
	}

	// HttpServerConfig is the config that will be mapped into http.Server
	HttpServerConfig struct {
		// Address optionally specifies the TCP address for the server to listen on,
		// in the form "host:port". If empty, ":http" (port 80) is used.
		Address string `yaml:"address"`
		// ReadTimeout is the maximum duration for reading the entire
		// request, including the body.
		ReadTimeout time.Duration `yaml:"readTimeout"`
		// WriteTimeout is the maximum duration before timing out
		// writes of the response.
		WriteTimeout time.Duration `yaml:"writeTimeout"`
		// the rest are less frequently used
		ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
		IdleTimeout       time.Duration `yaml:"idleTimeout"`
		MaxHeaderBytes    int           `yaml:"maxHeaderBytes"`
	}

	WorkerServiceConfig struct {
		// DecisionConcurrency is the number of goroutines evaluating
		// workflow decision rounds.
		// If not specified then the default value of 4 is used.
		DecisionConcurrency int `yaml:"decisionConcurrency"`
		// DecisionBufferSize is the size of the buffer for pending instance
		// wake-ups. If not specified then the default value of 1000 is used.
		DecisionBufferSize int `yaml:"decisionBufferSize"`
		// ActivityQueues configures named activity queues. A queue that an
		// activity references but is not listed here gets
		// DefaultActivityConcurrency workers.
		ActivityQueues []ActivityQueueConfig `yaml:"activityQueues"`
		// DefaultActivityConcurrency is the worker count for queues without
		// explicit config. If not specified then the default value of 4 is used.
		DefaultActivityConcurrency int `yaml:"defaultActivityConcurrency"`
		// LeaseDuration is how long a worker holds an activity task before
		// it becomes visible to other workers again.
		// If not specified then the default value of 30 seconds is used.
		LeaseDuration time.Duration `yaml:"leaseDuration"`
		// MaxPollInterval is the maximum interval that the pollers will wait
		// between polls. Pollers always poll immediately on a notification,
		// but the notification is best effort, so polling with this interval
		// ensures no task is missed. Worst case a task is delayed by this much.
		// If not specified then the default value of 10 seconds is used.
		MaxPollInterval time.Duration `yaml:"maxPollInterval"`
		// IntervalJitter is the jitter added to the poll interval.
		// Default value is 1 second.
		IntervalJitter time.Duration `yaml:"intervalJitter"`
		// PollPageSize is the page size used to fetch tasks from the store.
		// If not specified then the default value of 100 is used.
		PollPageSize int32 `yaml:"pollPageSize"`
		// TimerLookAhead defines how far in the future the timer queue
		// preloads armed timers. Default value is 1 minute.
		TimerLookAhead time.Duration `yaml:"timerLookAhead"`
		// DefaultActivityTimeout bounds activity execution when the
		// definition does not set one. Default value is 30 seconds.
		DefaultActivityTimeout time.Duration `yaml:"defaultActivityTimeout"`
	}

	ActivityQueueConfig struct {
		Name        string `yaml:"name"`
		Concurrency int    `yaml:"concurrency"`
	}

	OrchestrationConfig struct {
		// DefaultRetryPolicy applies to activities whose definition does not
		// set its own policy
		DefaultRetryPolicy RetryPolicyConfig `yaml:"defaultRetryPolicy"`
		// Triggers are recurring cron triggers; configuration is data and can
		// change without redeploying workflow logic
		Triggers []TriggerConfig `yaml:"triggers"`
		// CreatingSignals maps signal names to the workflow definition that a
		// signal targeting an unknown instance should start
		CreatingSignals []CreatingSignalConfig `yaml:"creatingSignals"`
	}

	RetryPolicyConfig struct {
		InitialIntervalSeconds int32   `yaml:"initialIntervalSeconds"`
		BackoffCoefficient     float64 `yaml:"backoffCoefficient"`
		MaximumIntervalSeconds int32   `yaml:"maximumIntervalSeconds"`
		MaximumAttempts        int32   `yaml:"maximumAttempts"`
	}

	TriggerConfig struct {
		// Name identifies the trigger; it is also the start dedup scope so a
		// renamed trigger is a new trigger
		Name string `yaml:"name"`
		// Cron is a standard 5-field cron expression
		Cron string `yaml:"cron"`
		// Workflow and Version reference the definition to start
		Workflow string `yaml:"workflow"`
		Version  int32  `yaml:"version"`
		// Input is the JSON input passed to every started instance
		Input string `yaml:"input"`
		// CatchUp decides missed-tick behavior after an outage:
		// "fire-once" (default) fires at most once to catch up, "skip"
		// suppresses missed ticks entirely
		CatchUp string `yaml:"catchUp"`
	}

	CreatingSignalConfig struct {
		Signal   string `yaml:"signal"`
		Workflow string `yaml:"workflow"`
		Version  int32  `yaml:"version"`
	}
)

const (
	TriggerCatchUpFireOnce = "fire-once"
	TriggerCatchUpSkip     = "skip"
)

// NewConfig returns a new decoded Config struct
func NewConfig(configPath string) (*Config, error) {
	log.Printf("Loading configFile=%v\n", configPath)

	config := &Config{}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	d := yaml.NewDecoder(file)

	if err := d.Decode(&config); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) ValidateAndSetDefaults() error {
	if !c.Database.InMemory {
		if c.Database.SQL == nil {
			return fmt.Errorf("sql config is required unless database.inMemory is set")
		}
		sql := c.Database.SQL
		if anyAbsent(sql.DatabaseName, sql.ConnectAddr, sql.User) {
			return fmt.Errorf("some required configs are missing: sql.DatabaseName, sql.ConnectAddr, sql.User")
		}
	}

	ws := &c.WorkerService
	if ws.DecisionConcurrency == 0 {
		ws.DecisionConcurrency = 4
	}
	if ws.DecisionBufferSize == 0 {
		ws.DecisionBufferSize = 1000
	}
	if ws.DefaultActivityConcurrency == 0 {
		ws.DefaultActivityConcurrency = 4
	}
	if ws.LeaseDuration == 0 {
		ws.LeaseDuration = 30 * time.Second
	}
	if ws.MaxPollInterval == 0 {
		ws.MaxPollInterval = 10 * time.Second
	}
	if ws.IntervalJitter == 0 {
		ws.IntervalJitter = time.Second
	}
	if ws.PollPageSize == 0 {
		ws.PollPageSize = 100
	}
	if ws.TimerLookAhead == 0 {
		ws.TimerLookAhead = time.Minute
	}
	if ws.DefaultActivityTimeout == 0 {
		ws.DefaultActivityTimeout = 30 * time.Second
	}

	rp := &c.Orchestration.DefaultRetryPolicy
	if rp.InitialIntervalSeconds == 0 {
		rp.InitialIntervalSeconds = 1
	}
	if rp.BackoffCoefficient == 0 {
		rp.BackoffCoefficient = 2.0
	}
	if rp.MaximumIntervalSeconds == 0 {
		rp.MaximumIntervalSeconds = 60
	}
	if rp.MaximumAttempts == 0 {
		rp.MaximumAttempts = 5
	}

	for i := range c.Orchestration.Triggers {
		t := &c.Orchestration.Triggers[i]
		if anyAbsent(t.Name, t.Cron, t.Workflow) {
			return fmt.Errorf("trigger requires name, cron and workflow: %+v", *t)
		}
		if t.CatchUp == "" {
			t.CatchUp = TriggerCatchUpFireOnce
		}
		if t.CatchUp != TriggerCatchUpFireOnce && t.CatchUp != TriggerCatchUpSkip {
			return fmt.Errorf("invalid catchUp %q for trigger %v, supporting %v or %v",
				t.CatchUp, t.Name, TriggerCatchUpFireOnce, TriggerCatchUpSkip)
		}
	}
	for _, cs := range c.Orchestration.CreatingSignals {
		if anyAbsent(cs.Signal, cs.Workflow) {
			return fmt.Errorf("creatingSignal requires signal and workflow: %+v", cs)
		}
	}
	return nil
}

func anyAbsent(strs ...string) bool {
	for _, s := range strs {
		if s == "" {
			return true
		}
	}
	return false
}

// String converts the config object into a string
func (c *Config) String() string {
	out, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		panic(err)
	}
	return string(out)
}
