/*
Copyright 2025 FlowGuard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	Secure    bool   `json:"secure" envconfig:"FLOWGUARD_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"FLOWGUARD_SERVER_SECRET_KEY"`
	Port      string `json:"port" envconfig:"FLOWGUARD_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"FLOWGUARD_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"FLOWGUARD_REDIS_DNS"`
}

type QueueConfig struct {
	AutomationQueue          string `json:"automation_queue" envconfig:"FLOWGUARD_QUEUE_AUTOMATION"`
	WebhookQueue             string `json:"webhook_queue" envconfig:"FLOWGUARD_QUEUE_WEBHOOK"`
	NumberOfQueues           int    `json:"number_of_queues" envconfig:"FLOWGUARD_NUMBER_OF_QUEUES"`
	MaxRetryAttempts         int    `json:"max_retry_attempts" envconfig:"FLOWGUARD_QUEUE_MAX_RETRY_ATTEMPTS"`
	RetryDelaySeconds        int    `json:"retry_delay_seconds" envconfig:"FLOWGUARD_QUEUE_RETRY_DELAY_SEC"`
	ConcurrencyRetryFloorSec int    `json:"concurrency_retry_floor_sec" envconfig:"FLOWGUARD_QUEUE_CONCURRENCY_RETRY_FLOOR_SEC"`
	WorkerConcurrency        int    `json:"worker_concurrency" envconfig:"FLOWGUARD_WORKER_CONCURRENCY"`
	MonitoringPort           string `json:"monitoring_port" envconfig:"FLOWGUARD_QUEUE_MONITORING_PORT"`
}

// PipelineConfig holds the idempotency-record lifetimes. Hard-to-undo
// actions keep their completed record far longer than ephemeral ones.
type PipelineConfig struct {
	PurchaseOrderTTLHours int `json:"purchase_order_ttl_hours" envconfig:"FLOWGUARD_PIPELINE_PO_TTL_HOURS"`
	FollowUpOrderTTLHours int `json:"follow_up_order_ttl_hours" envconfig:"FLOWGUARD_PIPELINE_FOLLOW_UP_TTL_HOURS"`
	EmailTTLHours         int `json:"email_ttl_hours" envconfig:"FLOWGUARD_PIPELINE_EMAIL_TTL_HOURS"`
	DefaultTTLHours       int `json:"default_ttl_hours" envconfig:"FLOWGUARD_PIPELINE_DEFAULT_TTL_HOURS"`
	FailureTTLSeconds     int `json:"failure_ttl_seconds" envconfig:"FLOWGUARD_PIPELINE_FAILURE_TTL_SEC"`
	PendingTTLSeconds     int `json:"pending_ttl_seconds" envconfig:"FLOWGUARD_PIPELINE_PENDING_TTL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

// RateLimitConfig bounds the admin API. Nil values disable rate limiting.
type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"FLOWGUARD_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"FLOWGUARD_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"FLOWGUARD_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

// DispatcherConfig points at the service executing the concrete business
// actions when no in-process dispatcher is injected.
type DispatcherConfig struct {
	Url            string            `json:"url" envconfig:"FLOWGUARD_DISPATCHER_URL"`
	Headers        map[string]string `json:"headers"`
	TimeoutSeconds int               `json:"timeout_seconds" envconfig:"FLOWGUARD_DISPATCHER_TIMEOUT_SEC"`
}

type Configuration struct {
	ProjectName        string           `json:"project_name" envconfig:"FLOWGUARD_PROJECT_NAME"`
	EnableTelemetry    bool             `json:"enable_telemetry" envconfig:"FLOWGUARD_ENABLE_TELEMETRY"`
	BackupDir          string           `json:"backup_dir" envconfig:"FLOWGUARD_BACKUP_DIR"`
	AwsAccessKeyId     string           `json:"aws_access_key_id" envconfig:"FLOWGUARD_AWS_ACCESS_KEY_ID"`
	AwsSecretAccessKey string           `json:"aws_secret_access_key" envconfig:"FLOWGUARD_AWS_SECRET_ACCESS_KEY"`
	S3BucketName       string           `json:"s3_bucket_name" envconfig:"FLOWGUARD_S3_BUCKET_NAME"`
	S3Region           string           `json:"s3_region" envconfig:"FLOWGUARD_S3_REGION"`
	Server             ServerConfig     `json:"server"`
	DataSource         DataSourceConfig `json:"data_source"`
	Redis              RedisConfig      `json:"redis"`
	Queue              QueueConfig      `json:"queue"`
	Pipeline           PipelineConfig   `json:"pipeline"`
	Notification       Notification     `json:"notification"`
	Dispatcher         DispatcherConfig `json:"dispatcher"`
	RateLimit          RateLimitConfig  `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("flowguard", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called flowguard.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "FlowGuard Server"
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Queue.AutomationQueue == "" {
		cnf.Queue.AutomationQueue = "automation"
	}
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "security_events"
	}
	if cnf.Queue.NumberOfQueues <= 0 {
		cnf.Queue.NumberOfQueues = 4
	}
	if cnf.Queue.MaxRetryAttempts <= 0 {
		cnf.Queue.MaxRetryAttempts = 5
	}
	if cnf.Queue.RetryDelaySeconds <= 0 {
		cnf.Queue.RetryDelaySeconds = 10
	}
	if cnf.Queue.ConcurrencyRetryFloorSec <= 0 {
		cnf.Queue.ConcurrencyRetryFloorSec = 30
	}
	if cnf.Queue.WorkerConcurrency <= 0 {
		cnf.Queue.WorkerConcurrency = 8
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5001"
	}
	if cnf.BackupDir == "" {
		cnf.BackupDir = "backups"
	}

	if cnf.Pipeline.PurchaseOrderTTLHours <= 0 {
		cnf.Pipeline.PurchaseOrderTTLHours = 24
	}
	if cnf.Pipeline.FollowUpOrderTTLHours <= 0 {
		cnf.Pipeline.FollowUpOrderTTLHours = 24
	}
	if cnf.Pipeline.EmailTTLHours <= 0 {
		cnf.Pipeline.EmailTTLHours = 1
	}
	if cnf.Pipeline.DefaultTTLHours <= 0 {
		cnf.Pipeline.DefaultTTLHours = 6
	}
	if cnf.Pipeline.FailureTTLSeconds <= 0 {
		cnf.Pipeline.FailureTTLSeconds = 300
	}
	if cnf.Pipeline.PendingTTLSeconds <= 0 {
		cnf.Pipeline.PendingTTLSeconds = 600
	}

	if cnf.Dispatcher.TimeoutSeconds <= 0 {
		cnf.Dispatcher.TimeoutSeconds = 30
	}

	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func orDefault(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

// CompletedTTL returns the completed-record lifetime for an action type.
func (cnf *Configuration) CompletedTTL(actionType string) time.Duration {
	switch actionType {
	case "create_purchase_order":
		return time.Duration(orDefault(cnf.Pipeline.PurchaseOrderTTLHours, 24)) * time.Hour
	case "create_follow_up_order":
		return time.Duration(orDefault(cnf.Pipeline.FollowUpOrderTTLHours, 24)) * time.Hour
	case "send_supplier_email":
		return time.Duration(orDefault(cnf.Pipeline.EmailTTLHours, 1)) * time.Hour
	default:
		return time.Duration(orDefault(cnf.Pipeline.DefaultTTLHours, 6)) * time.Hour
	}
}

// FailureTTL returns the short fixed lifetime for failed records.
func (cnf *Configuration) FailureTTL() time.Duration {
	return time.Duration(orDefault(cnf.Pipeline.FailureTTLSeconds, 300)) * time.Second
}

// PendingTTL bounds how long an abandoned claim can block a key.
func (cnf *Configuration) PendingTTL() time.Duration {
	return time.Duration(orDefault(cnf.Pipeline.PendingTTLSeconds, 600)) * time.Second
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
