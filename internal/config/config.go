// Package config implements correo's configuration: a Postfix-style
// key=value parameter file (main.cf), with command-line overrides applied
// on top of a built-in set of defaults. There is deliberately no generated
// schema here: every parameter is a plain Go field, parsed by hand.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"coihue.dev/go/correo/internal/log"
)

// Config holds every tunable named in the parameter file. Durations are
// stored already parsed; string lists are stored already split on comma.
type Config struct {
	Hostname string

	SMTPAddresses       []string
	SubmissionAddresses []string
	LMTPAddresses       []string

	QueueDir      string
	HashDirLevels int
	MaxDataSizeMB int
	MaxQueueItems int

	LocalDomains []string
	MyNetworks   []string

	MailLogPath string

	// Local delivery command (the pipe transport).
	MailDeliveryAgentBin  string
	MailDeliveryAgentArgs []string

	// Ingest limits.
	HeaderSizeLimit int
	HopCountLimit   int
	RecipientLimit  int

	// Scheduler feedback-window tunables. These have no single canonical
	// default; they are first-class knobs.
	InitialDestinationConcurrency      int
	DefaultDestinationConcurrency      int
	DestinationConcurrencyFailureCohort int
	DestinationRecipientLimit          int
	DestinationBatchSizeLimit          int

	MinimalBackoffTime   time.Duration
	MaximalBackoffTime   time.Duration
	MaximalQueueLifetime time.Duration
	DelayWarningTime     time.Duration
	QueueRunDelay        time.Duration

	// Bounce/defer notifier.
	DoubleBounceSender string
	PostmasterAddress  string
	NotifyClasses      []string

	// Restriction chains, one ordered list of check tokens per context.
	SMTPDClientRestrictions    []string
	SMTPDHELORestrictions      []string
	SMTPDSenderRestrictions    []string
	SMTPDRecipientRestrictions []string
	SMTPDETRNRestrictions      []string

	// SMTP server session tuning.
	SMTPDErrorLimit       int
	SMTPDJunkCommandLimit int
	SMTPDHardErrorLimit   int
	DisableVRFYCommand    bool

	MonitoringAddress string
}

// defaultConfig is the built-in baseline; Load starts from a copy of this
// and applies the parameter file and then the override string on top.
var defaultConfig = Config{
	SMTPAddresses:       []string{"systemd"},
	SubmissionAddresses: []string{"systemd"},

	QueueDir:      "/var/spool/correo",
	HashDirLevels: 1,
	MaxDataSizeMB: 50,
	MaxQueueItems: 20000,

	MyNetworks: []string{"127.0.0.0/8", "::1/128"},

	MailLogPath: "<syslog>",

	MailDeliveryAgentBin:  "procmail",
	MailDeliveryAgentArgs: []string{"-f", "%from%", "-d", "%to_user%"},

	HeaderSizeLimit: 102400,
	HopCountLimit:   50,
	RecipientLimit:  1000,

	InitialDestinationConcurrency:      2,
	DefaultDestinationConcurrency:      20,
	DestinationConcurrencyFailureCohort: 5,
	DestinationRecipientLimit:          50,
	DestinationBatchSizeLimit:          10 * 1024 * 1024,

	MinimalBackoffTime:   5 * time.Minute,
	MaximalBackoffTime:   4 * time.Hour,
	MaximalQueueLifetime: 5 * 24 * time.Hour,
	DelayWarningTime:     1 * time.Hour,
	QueueRunDelay:        30 * time.Second,

	DoubleBounceSender: "double-bounce",
	PostmasterAddress:  "postmaster",
	NotifyClasses:      []string{"bounce", "2bounce"},

	SMTPDRecipientRestrictions: []string{
		"permit_mynetworks",
		"reject_unauth_destination",
	},

	SMTPDErrorLimit:       10,
	SMTPDJunkCommandLimit: 10,
	SMTPDHardErrorLimit:   20,
}

// fieldSetter applies one parsed "key = value" line to a Config, returning
// an error if the value doesn't parse.
type fieldSetter func(c *Config, value string) error

var setters = map[string]fieldSetter{
	"hostname":             setString(func(c *Config) *string { return &c.Hostname }),
	"smtp_addresses":       setStringList(func(c *Config) *[]string { return &c.SMTPAddresses }),
	"submission_addresses": setStringList(func(c *Config) *[]string { return &c.SubmissionAddresses }),
	"lmtp_addresses":       setStringList(func(c *Config) *[]string { return &c.LMTPAddresses }),
	"queue_directory":      setString(func(c *Config) *string { return &c.QueueDir }),
	"hash_dir_levels":      setInt(func(c *Config) *int { return &c.HashDirLevels }),
	"max_data_size_mb":     setInt(func(c *Config) *int { return &c.MaxDataSizeMB }),
	"max_queue_items":      setInt(func(c *Config) *int { return &c.MaxQueueItems }),
	"local_domains":        setStringList(func(c *Config) *[]string { return &c.LocalDomains }),
	"mynetworks":           setStringList(func(c *Config) *[]string { return &c.MyNetworks }),
	"mail_log_path":        setString(func(c *Config) *string { return &c.MailLogPath }),
	"mail_delivery_agent_bin": setString(func(c *Config) *string { return &c.MailDeliveryAgentBin }),
	"mail_delivery_agent_args": setStringList(func(c *Config) *[]string { return &c.MailDeliveryAgentArgs }),
	"header_size_limit":    setInt(func(c *Config) *int { return &c.HeaderSizeLimit }),
	"hop_count_limit":      setInt(func(c *Config) *int { return &c.HopCountLimit }),
	"recipient_limit":      setInt(func(c *Config) *int { return &c.RecipientLimit }),

	"initial_destination_concurrency":        setInt(func(c *Config) *int { return &c.InitialDestinationConcurrency }),
	"default_destination_concurrency":        setInt(func(c *Config) *int { return &c.DefaultDestinationConcurrency }),
	"destination_concurrency_failure_cohort": setInt(func(c *Config) *int { return &c.DestinationConcurrencyFailureCohort }),
	"destination_recipient_limit":            setInt(func(c *Config) *int { return &c.DestinationRecipientLimit }),
	"destination_batch_size_limit":           setInt(func(c *Config) *int { return &c.DestinationBatchSizeLimit }),

	"minimal_backoff_time":   setDuration(func(c *Config) *time.Duration { return &c.MinimalBackoffTime }),
	"maximal_backoff_time":   setDuration(func(c *Config) *time.Duration { return &c.MaximalBackoffTime }),
	"maximal_queue_lifetime": setDuration(func(c *Config) *time.Duration { return &c.MaximalQueueLifetime }),
	"delay_warning_time":     setDuration(func(c *Config) *time.Duration { return &c.DelayWarningTime }),
	"queue_run_delay":        setDuration(func(c *Config) *time.Duration { return &c.QueueRunDelay }),

	"double_bounce_sender": setString(func(c *Config) *string { return &c.DoubleBounceSender }),
	"postmaster_address":   setString(func(c *Config) *string { return &c.PostmasterAddress }),
	"notify_classes":       setStringList(func(c *Config) *[]string { return &c.NotifyClasses }),

	"smtpd_client_restrictions":    setStringList(func(c *Config) *[]string { return &c.SMTPDClientRestrictions }),
	"smtpd_helo_restrictions":      setStringList(func(c *Config) *[]string { return &c.SMTPDHELORestrictions }),
	"smtpd_sender_restrictions":    setStringList(func(c *Config) *[]string { return &c.SMTPDSenderRestrictions }),
	"smtpd_recipient_restrictions": setStringList(func(c *Config) *[]string { return &c.SMTPDRecipientRestrictions }),
	"smtpd_etrn_restrictions":      setStringList(func(c *Config) *[]string { return &c.SMTPDETRNRestrictions }),

	"smtpd_error_limit":        setInt(func(c *Config) *int { return &c.SMTPDErrorLimit }),
	"smtpd_junk_command_limit": setInt(func(c *Config) *int { return &c.SMTPDJunkCommandLimit }),
	"smtpd_hard_error_limit":   setInt(func(c *Config) *int { return &c.SMTPDHardErrorLimit }),
	"disable_vrfy_command":     setBool(func(c *Config) *bool { return &c.DisableVRFYCommand }),

	"monitoring_address": setString(func(c *Config) *string { return &c.MonitoringAddress }),
}

func setString(get func(*Config) *string) fieldSetter {
	return func(c *Config, v string) error {
		*get(c) = v
		return nil
	}
}

func setStringList(get func(*Config) *[]string) fieldSetter {
	return func(c *Config, v string) error {
		var out []string
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		*get(c) = out
		return nil
	}
}

func setInt(get func(*Config) *int) fieldSetter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*get(c) = n
		return nil
	}
}

func setBool(get func(*Config) *bool) fieldSetter {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*get(c) = b
		return nil
	}
}

func setDuration(get func(*Config) *time.Duration) fieldSetter {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*get(c) = d
		return nil
	}
}

// parse applies every "key = value" line in r to c. Blank lines and lines
// starting with "#" are ignored; a line beginning with whitespace is a
// continuation of the previous value (comma-joined), matching main.cf's
// convention for long lists.
func parse(c *Config, r *bufio.Scanner) error {
	var lastKey, lastValue string
	for r.Scan() {
		line := r.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') && lastKey != "" {
			set, ok := setters[lastKey]
			if !ok {
				continue
			}
			lastValue += ", " + trimmed
			if err := set(c, lastValue); err != nil {
				return fmt.Errorf("parameter %q: %v", lastKey, err)
			}
			continue
		}

		key, value, ok := strings.Cut(trimmed, "=")
		if !ok {
			return fmt.Errorf("malformed line (missing '='): %q", line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		set, ok := setters[key]
		if !ok {
			return fmt.Errorf("unknown parameter %q", key)
		}
		if err := set(c, value); err != nil {
			return fmt.Errorf("parameter %q: %v", key, err)
		}
		lastKey, lastValue = key, value
	}
	return r.Err()
}

// Load reads the parameter file at path, applies it on top of the default
// configuration, then applies overrides ("key=value" assignments separated
// by commas, as passed via -config_overrides on the command line).
func Load(path, overrides string) (*Config, error) {
	c := defaultConfig

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config at %q: %v", path, err)
		}
		defer f.Close()

		if err := parse(&c, bufio.NewScanner(f)); err != nil {
			return nil, fmt.Errorf("parsing config %q: %v", path, err)
		}
	}

	if overrides != "" {
		sc := bufio.NewScanner(strings.NewReader(strings.ReplaceAll(overrides, ",", "\n")))
		if err := parse(&c, sc); err != nil {
			return nil, fmt.Errorf("parsing overrides: %v", err)
		}
	}

	if c.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %v", err)
		}
		c.Hostname = h
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

func (c *Config) validate() error {
	if c.InitialDestinationConcurrency < 1 {
		return fmt.Errorf("initial_destination_concurrency must be >= 1")
	}
	if c.DefaultDestinationConcurrency < c.InitialDestinationConcurrency {
		return fmt.Errorf("default_destination_concurrency must be >= initial_destination_concurrency")
	}
	if c.MinimalBackoffTime <= 0 || c.MaximalBackoffTime < c.MinimalBackoffTime {
		return fmt.Errorf("minimal_backoff_time/maximal_backoff_time are inconsistent")
	}
	if c.HashDirLevels < 0 || c.HashDirLevels > 2 {
		return fmt.Errorf("hash_dir_levels must be 0, 1, or 2")
	}
	return nil
}

// LogConfig logs the effective configuration in a human-friendly way, the
// way an operator staring at startup output expects to see it.
func LogConfig(c *Config) {
	log.Infof("Configuration:")
	log.Infof("  Hostname: %q", c.Hostname)
	log.Infof("  SMTP addresses: %q", c.SMTPAddresses)
	log.Infof("  Submission addresses: %q", c.SubmissionAddresses)
	log.Infof("  LMTP addresses: %q", c.LMTPAddresses)
	log.Infof("  Queue directory: %q (hash levels %d)", c.QueueDir, c.HashDirLevels)
	log.Infof("  Max data size (MB): %d", c.MaxDataSizeMB)
	log.Infof("  Local domains: %q", c.LocalDomains)
	log.Infof("  Destination concurrency: initial=%d default=%d cohort=%d",
		c.InitialDestinationConcurrency, c.DefaultDestinationConcurrency,
		c.DestinationConcurrencyFailureCohort)
	log.Infof("  Backoff: min=%s max=%s lifetime=%s warn=%s",
		c.MinimalBackoffTime, c.MaximalBackoffTime, c.MaximalQueueLifetime, c.DelayWarningTime)
	log.Infof("  Double bounce sender: %q  Postmaster: %q", c.DoubleBounceSender, c.PostmasterAddress)
}
