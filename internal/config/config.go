// Package config defines bearerbox's on-disk JSON configuration and the
// schema it is validated against (Validate, in validate.go), following the
// teacher's own config package shape: a single exported struct populated
// from one JSON document, plus a package-level Schema string.
package config

import (
	"context"
	"encoding/json"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/kannelcore/bearerbox/internal/admin"
	"github.com/kannelcore/bearerbox/internal/admission"
	"github.com/kannelcore/bearerbox/internal/blog"
	"github.com/kannelcore/bearerbox/internal/events"
	"github.com/kannelcore/bearerbox/internal/router"
	"github.com/kannelcore/bearerbox/internal/scheduler"
	"github.com/kannelcore/bearerbox/internal/smsc"
	"github.com/kannelcore/bearerbox/internal/smsc/drivers/httpsmsc"
	"github.com/kannelcore/bearerbox/internal/store"
	"github.com/kannelcore/bearerbox/internal/wtp"
)

// SMSCEntry configures one connector in the pool. Exactly one of the
// driver-specific sub-configs (currently only HTTP) should be set.
type SMSCEntry struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	ReconnectDelay int             `json:"reconnect_delay"`
	Throughput     float64         `json:"throughput"`
	DeniedSMSCIDs  []string        `json:"denied_smsc_ids"`
	PreferredSMSCID []string       `json:"preferred_smsc_ids"`
	AllowedPrefix  []string        `json:"allowed_prefix"`
	DeniedPrefix   []string        `json:"denied_prefix"`
	HTTP           *httpsmsc.Config `json:"http,omitempty"`
}

// StoreConfig configures the persistent message log and its optional
// sqlite side-index and S3 cold archive.
type StoreConfig struct {
	LogPath           string `json:"log_path"`
	IndexPath         string `json:"index_path,omitempty"`
	ArchiveBucket     string `json:"archive_bucket,omitempty"`
	ArchivePrefix     string `json:"archive_prefix,omitempty"`
	ArchiveAccessKey  string `json:"archive_access_key,omitempty"`
	ArchiveSecretKey  string `json:"archive_secret_key,omitempty"`
	CompactionSeconds int    `json:"compaction_seconds"`
}

// WTPConfig exposes the segmentation/retransmission constants (§6.3) as
// config rather than hard-coded values.
type WTPConfig struct {
	ListenAddr       string `json:"listen_addr"`
	SegmentSize      int    `json:"segment_size"`
	GroupLen         int    `json:"group_len"`
	MaxRetransmit    int    `json:"max_retransmit"`
	MaxAckRetries    int    `json:"max_ack_retries"`
	AckTimeoutMillis int    `json:"ack_timeout_millis"`
}

// ProgramConfig is the top-level configuration document for bearerbox,
// loaded as one JSON file and validated against Schema before use.
type ProgramConfig struct {
	LogLevel  string `json:"log_level"`
	LogFile   string `json:"log_file,omitempty"`
	LogDateTime bool `json:"log_datetime"`

	AdminAddr  string `json:"admin_addr"`
	AdminUser  string `json:"admin_user,omitempty"`
	AdminGroup string `json:"admin_group,omitempty"`
	TLSCert    string `json:"tls_cert,omitempty"`
	TLSKey     string `json:"tls_key,omitempty"`

	UnifiedPrefix string   `json:"unified_prefix,omitempty"`
	WhiteList     []string `json:"white_list,omitempty"`
	BlackList     []string `json:"black_list,omitempty"`
	RoutingRule   string   `json:"routing_rule,omitempty"`

	SMSCs []SMSCEntry `json:"smscs"`

	Store StoreConfig `json:"store"`

	BoxAddr string `json:"box_addr"`

	WTP WTPConfig `json:"wtp"`

	Events events.Config `json:"events"`

	StatsIntervalSeconds int `json:"stats_interval_seconds,omitempty"`

	GopsEnabled bool `json:"gops_enabled,omitempty"`
}

// Schema is the JSON Schema ProgramConfig documents are validated against
// (via Validate), following the teacher's DisallowUnknownFields-enforced
// schema style.
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "required": ["admin_addr", "box_addr", "store"],
  "properties": {
    "log_level": {"type": "string"},
    "log_file": {"type": "string"},
    "log_datetime": {"type": "boolean"},
    "admin_addr": {"type": "string"},
    "admin_user": {"type": "string"},
    "admin_group": {"type": "string"},
    "tls_cert": {"type": "string"},
    "tls_key": {"type": "string"},
    "unified_prefix": {"type": "string"},
    "white_list": {"type": "array", "items": {"type": "string"}},
    "black_list": {"type": "array", "items": {"type": "string"}},
    "routing_rule": {"type": "string"},
    "smscs": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["id"],
        "properties": {
          "id": {"type": "string"},
          "name": {"type": "string"},
          "reconnect_delay": {"type": "integer"},
          "throughput": {"type": "number"},
          "denied_smsc_ids": {"type": "array", "items": {"type": "string"}},
          "preferred_smsc_ids": {"type": "array", "items": {"type": "string"}},
          "allowed_prefix": {"type": "array", "items": {"type": "string"}},
          "denied_prefix": {"type": "array", "items": {"type": "string"}},
          "http": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "SendURL": {"type": "string"},
              "ReceiveAddr": {"type": "string"},
              "AuthUsername": {"type": "string"},
              "AuthPassword": {"type": "string"},
              "Timeout": {"type": "integer"}
            }
          }
        }
      }
    },
    "store": {
      "type": "object",
      "additionalProperties": false,
      "required": ["log_path"],
      "properties": {
        "log_path": {"type": "string"},
        "index_path": {"type": "string"},
        "archive_bucket": {"type": "string"},
        "archive_prefix": {"type": "string"},
        "archive_access_key": {"type": "string"},
        "archive_secret_key": {"type": "string"},
        "compaction_seconds": {"type": "integer"}
      }
    },
    "box_addr": {"type": "string"},
    "wtp": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "listen_addr": {"type": "string"},
        "segment_size": {"type": "integer"},
        "group_len": {"type": "integer"},
        "max_retransmit": {"type": "integer"},
        "max_ack_retries": {"type": "integer"},
        "ack_timeout_millis": {"type": "integer"}
      }
    },
    "events": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "address": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "creds-file-path": {"type": "string"},
        "dlr-subject": {"type": "string"}
      }
    },
    "stats_interval_seconds": {"type": "integer"},
    "gops_enabled": {"type": "boolean"}
  }
}`

// Load parses and validates raw against Schema, returning the populated
// ProgramConfig. Fatal configuration errors abort the process from within
// Validate, matching the teacher's own config-load-is-fatal convention.
func Load(raw json.RawMessage) ProgramConfig {
	Validate(Schema, raw)

	var cfg ProgramConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		panic(err) // unreachable: raw already passed schema validation
	}
	return cfg
}

// SMSCPoolConfigs converts the configured SMSC entries into
// internal/smsc.Config values, pairing each with its driver instance.
func (c ProgramConfig) SMSCPoolConfigs() []smsc.Config {
	out := make([]smsc.Config, 0, len(c.SMSCs))
	for _, e := range c.SMSCs {
		var driver smsc.Driver
		if e.HTTP != nil {
			driver = httpsmsc.New(*e.HTTP)
		}
		out = append(out, smsc.Config{
			ID:             e.ID,
			Name:           e.Name,
			ReconnectDelay: e.ReconnectDelay,
			Throughput:     e.Throughput,
			Driver:         driver,
			Selectors: smsc.Selectors{
				DeniedSMSCIDs:   e.DeniedSMSCIDs,
				PreferredSMSCID: e.PreferredSMSCID,
				AllowedPrefix:   e.AllowedPrefix,
				DeniedPrefix:    e.DeniedPrefix,
			},
		})
	}
	return out
}

func (c ProgramConfig) AdmissionConfig() admission.Config {
	return admission.Config{
		UnifiedPrefix: c.UnifiedPrefix,
		WhiteList:     c.WhiteList,
		BlackList:     c.BlackList,
	}
}

func (c ProgramConfig) RouterConfig() router.Config {
	return router.Config{UnifiedPrefix: c.UnifiedPrefix, Rule: c.RoutingRule}
}

func (c ProgramConfig) AdminConfig() admin.Config {
	return admin.Config{
		Addr:        c.AdminAddr,
		User:        c.AdminUser,
		Group:       c.AdminGroup,
		TLSCertFile: c.TLSCert,
		TLSKeyFile:  c.TLSKey,
	}
}

func (c ProgramConfig) StoreOptions() (path string, opts []store.Option) {
	if c.Store.IndexPath != "" {
		idx, err := store.OpenIndex(c.Store.IndexPath)
		if err == nil {
			opts = append(opts, store.WithIndex(idx))
		}
	}
	if c.Store.ArchiveBucket != "" {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if c.Store.ArchiveAccessKey != "" && c.Store.ArchiveSecretKey != "" {
			provider := credentials.NewStaticCredentialsProvider(c.Store.ArchiveAccessKey, c.Store.ArchiveSecretKey, "")
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(provider))
		}

		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
		if err != nil {
			blog.Errorf("config: loading aws config for archive failed: %v", err)
		} else {
			client := s3.NewFromConfig(awsCfg)
			opts = append(opts, store.WithArchive(store.NewArchive(client, c.Store.ArchiveBucket, c.Store.ArchivePrefix)))
		}
	}
	return c.Store.LogPath, opts
}

func (c ProgramConfig) BoxMultiplexerAddr() string { return c.BoxAddr }

func (c ProgramConfig) WTPMachineConfig() wtp.Config {
	w := wtp.DefaultConfig()
	if c.WTP.SegmentSize > 0 {
		w.SegmentSize = c.WTP.SegmentSize
	}
	if c.WTP.GroupLen > 0 {
		w.GroupLen = c.WTP.GroupLen
	}
	if c.WTP.MaxRetransmit > 0 {
		w.MaxRetransmit = c.WTP.MaxRetransmit
	}
	if c.WTP.MaxAckRetries > 0 {
		w.MaxAckRetries = c.WTP.MaxAckRetries
	}
	if c.WTP.AckTimeoutMillis > 0 {
		w.AckTimeout = time.Duration(c.WTP.AckTimeoutMillis) * time.Millisecond
	}
	return w
}

func (c ProgramConfig) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		CompactionInterval: time.Duration(c.Store.CompactionSeconds) * time.Second,
		StatsInterval:      time.Duration(c.StatsIntervalSeconds) * time.Second,
	}
}
