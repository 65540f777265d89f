// Package config loads settings from defaults, an optional yaml file,
// an optional .env file and AULA_* environment variables, in increasing
// order of precedence. E.g. remote.host is AULA_REMOTE_HOST.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aulaforms/aulaforms/u"
	"github.com/aulaforms/aulaforms/validate"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "AULA"

type Remote struct {
	// Backend is "ssh" or "memory" (local development, nothing persists)
	Backend        string        `mapstructure:"backend" json:"backend" validate:"oneof=ssh memory"`
	Host           string        `mapstructure:"host" json:"host"`
	Port           uint          `mapstructure:"port" json:"port" validate:"min=1,max=65535"`
	User           string        `mapstructure:"user" json:"user"`
	Password       string        `mapstructure:"password" json:"-"`
	KeyPath        string        `mapstructure:"key_path" json:"key_path"`
	KeyPassphrase  string        `mapstructure:"key_passphrase" json:"-"`
	KnownHostsPath string        `mapstructure:"known_hosts" json:"known_hosts"`
	Dir            string        `mapstructure:"dir" json:"dir" validate:"notblank"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout" json:"dial_timeout"`
}

type Pool struct {
	Capacity     int           `mapstructure:"capacity" json:"capacity" validate:"min=1"`
	IdleTTL      time.Duration `mapstructure:"idle_ttl" json:"idle_ttl"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" json:"probe_timeout"`
}

type Lock struct {
	Attempts int           `mapstructure:"attempts" json:"attempts" validate:"min=1"`
	Interval time.Duration `mapstructure:"interval" json:"interval"`
	Lease    time.Duration `mapstructure:"lease" json:"lease"`
}

type Retry struct {
	Attempts   int           `mapstructure:"attempts" json:"attempts" validate:"min=1"`
	Delay      time.Duration `mapstructure:"delay" json:"delay"`
	Multiplier float64       `mapstructure:"multiplier" json:"multiplier"`
	OpTimeout  time.Duration `mapstructure:"op_timeout" json:"op_timeout"`
}

type Mail struct {
	// Transport is "smtp", "sendgrid" or "console"
	Transport string `mapstructure:"transport" json:"transport" validate:"oneof=smtp sendgrid console"`
	From      string `mapstructure:"from" json:"from" validate:"omitempty,mail"`
	FromName  string `mapstructure:"from_name" json:"from_name"`
	// Admin gets registration notifications
	Admin           string `mapstructure:"admin" json:"admin" validate:"omitempty,mail"`
	MaxAttachmentMB int    `mapstructure:"max_attachment_mb" json:"max_attachment_mb" validate:"min=1"`
}

type SMTP struct {
	Host     string        `mapstructure:"host" json:"host"`
	Port     int           `mapstructure:"port" json:"port"`
	User     string        `mapstructure:"user" json:"user"`
	Password string        `mapstructure:"password" json:"-"`
	Timeout  time.Duration `mapstructure:"timeout" json:"timeout"`
}

type SendGrid struct {
	APIKey string `mapstructure:"api_key" json:"-"`
}

type Grading struct {
	// File is the grades record file, relative to remote.dir
	File string `mapstructure:"file" json:"file" validate:"notblank"`
	// Quiz is a yaml quiz bank, empty means the built-in one
	Quiz     string `mapstructure:"quiz" json:"quiz"`
	PassMark int    `mapstructure:"pass_mark" json:"pass_mark" validate:"min=0"`
}

type Enroll struct {
	// File is the master registration file
	File string `mapstructure:"file" json:"file" validate:"notblank"`
	// Subjects maps subject name to its own record file
	Subjects map[string]string `mapstructure:"subjects" json:"subjects"`
	// AdminPasswordHash is a bcrypt hash guarding teacher actions
	AdminPasswordHash string        `mapstructure:"admin_password_hash" json:"-"`
	BroadcastPause    time.Duration `mapstructure:"broadcast_pause" json:"broadcast_pause"`
}

type Attendance struct {
	Dir          string `mapstructure:"dir" json:"dir"`
	FilePrefix   string `mapstructure:"file_prefix" json:"file_prefix" validate:"notblank"`
	PasswordHash string `mapstructure:"password_hash" json:"-"`
	Name         string `mapstructure:"name" json:"name"`
	Position     string `mapstructure:"position" json:"position"`
	Shift        string `mapstructure:"shift" json:"shift"`
	// TimeZone for dates in records, e.g. America/Mexico_City
	TimeZone string `mapstructure:"time_zone" json:"time_zone"`
}

type Backup struct {
	Endpoint string `mapstructure:"endpoint" json:"endpoint"`
	Bucket   string `mapstructure:"bucket" json:"bucket"`
	Access   string `mapstructure:"access" json:"-"`
	Secret   string `mapstructure:"secret" json:"-"`
	Region   string `mapstructure:"region" json:"region"`
	Prefix   string `mapstructure:"prefix" json:"prefix"`
	Insecure bool   `mapstructure:"insecure" json:"insecure"`
	// Codec is "br" or "zstd"
	Codec string `mapstructure:"codec" json:"codec" validate:"oneof=br zstd"`
}

type Logtastic struct {
	Server string `mapstructure:"server" json:"server"`
	APIKey string `mapstructure:"api_key" json:"-"`
}

type Log struct {
	Dir     string `mapstructure:"dir" json:"dir"`
	Verbose bool   `mapstructure:"verbose" json:"verbose"`
}

type HTTP struct {
	Addr string `mapstructure:"addr" json:"addr" validate:"notblank"`
}

// Settings is the whole configuration
type Settings struct {
	Remote     Remote     `mapstructure:"remote" json:"remote"`
	Pool       Pool       `mapstructure:"pool" json:"pool"`
	Lock       Lock       `mapstructure:"lock" json:"lock"`
	Retry      Retry      `mapstructure:"retry" json:"retry"`
	Mail       Mail       `mapstructure:"mail" json:"mail"`
	SMTP       SMTP       `mapstructure:"smtp" json:"smtp"`
	SendGrid   SendGrid   `mapstructure:"sendgrid" json:"sendgrid"`
	Grading    Grading    `mapstructure:"grading" json:"grading"`
	Enroll     Enroll     `mapstructure:"enroll" json:"enroll"`
	Attendance Attendance `mapstructure:"attendance" json:"attendance"`
	Backup     Backup     `mapstructure:"backup" json:"backup"`
	Logtastic  Logtastic  `mapstructure:"logtastic" json:"logtastic"`
	Log        Log        `mapstructure:"log" json:"log"`
	HTTP       HTTP       `mapstructure:"http" json:"http"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("remote.backend", "ssh")
	v.SetDefault("remote.host", "")
	v.SetDefault("remote.port", 22)
	v.SetDefault("remote.user", "")
	v.SetDefault("remote.password", "")
	v.SetDefault("remote.key_path", "")
	v.SetDefault("remote.key_passphrase", "")
	v.SetDefault("remote.known_hosts", "")
	v.SetDefault("remote.dir", "/srv/aulaforms")
	v.SetDefault("remote.dial_timeout", 15*time.Second)

	v.SetDefault("pool.capacity", 10)
	v.SetDefault("pool.idle_ttl", 300*time.Second)
	v.SetDefault("pool.probe_timeout", 5*time.Second)

	v.SetDefault("lock.attempts", 10)
	v.SetDefault("lock.interval", 500*time.Millisecond)
	v.SetDefault("lock.lease", 60*time.Second)

	v.SetDefault("retry.attempts", 2)
	v.SetDefault("retry.delay", time.Second)
	v.SetDefault("retry.multiplier", 1.0)
	v.SetDefault("retry.op_timeout", 60*time.Second)

	v.SetDefault("mail.transport", "console")
	v.SetDefault("mail.from", "")
	v.SetDefault("mail.from_name", "Departamento Académico")
	v.SetDefault("mail.admin", "")
	v.SetDefault("mail.max_attachment_mb", 10)

	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.user", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.timeout", 30*time.Second)
	v.SetDefault("sendgrid.api_key", "")

	v.SetDefault("grading.file", "calificaciones.csv")
	v.SetDefault("grading.quiz", "")
	v.SetDefault("grading.pass_mark", 4)

	v.SetDefault("enroll.file", "materias.csv")
	v.SetDefault("enroll.subjects", map[string]string{})
	v.SetDefault("enroll.admin_password_hash", "")
	v.SetDefault("enroll.broadcast_pause", 500*time.Millisecond)

	v.SetDefault("attendance.dir", "asistencia")
	v.SetDefault("attendance.file_prefix", "asistencia_")
	v.SetDefault("attendance.password_hash", "")
	v.SetDefault("attendance.name", "")
	v.SetDefault("attendance.position", "")
	v.SetDefault("attendance.shift", "")
	v.SetDefault("attendance.time_zone", "America/Mexico_City")

	v.SetDefault("backup.endpoint", "")
	v.SetDefault("backup.bucket", "")
	v.SetDefault("backup.access", "")
	v.SetDefault("backup.secret", "")
	v.SetDefault("backup.region", "")
	v.SetDefault("backup.prefix", "aulaforms")
	v.SetDefault("backup.insecure", false)
	v.SetDefault("backup.codec", "zstd")

	v.SetDefault("logtastic.server", "")
	v.SetDefault("logtastic.api_key", "")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.verbose", false)
	v.SetDefault("http.addr", "localhost:8080")
}

// Options for Load
type Options struct {
	// ConfigFile is a yaml file. Empty means look for aulaforms.yaml
	// in the current directory; a missing default file is not an error.
	ConfigFile string
	// DotEnv is a .env file loaded into the environment if it exists,
	// default ".env"
	DotEnv string
}

// Load reads settings and validates them
func Load(opts Options) (*Settings, error) {
	dotEnv := opts.DotEnv
	if dotEnv == "" {
		dotEnv = ".env"
	}
	if u.FileExists(dotEnv) {
		if err := godotenv.Load(dotEnv); err != nil {
			return nil, fmt.Errorf("config: godotenv.Load(%s): %w", dotEnv, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("aulaforms")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: reading config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks field tags and rules that span fields
func (s *Settings) Validate() error {
	errs := validate.Errors{}
	if err := validate.Struct(s); err != nil {
		var verrs validate.Errors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("config: %w", err)
		}
		for k, v := range verrs {
			errs[k] = v
		}
	}
	if s.Remote.Backend == "ssh" {
		if s.Remote.Host == "" {
			errs["remote.host"] = "remote.host is required for ssh backend"
		}
		if s.Remote.User == "" {
			errs["remote.user"] = "remote.user is required for ssh backend"
		}
		if s.Remote.Password == "" && s.Remote.KeyPath == "" {
			errs["remote.password"] = "one of remote.password or remote.key_path is required"
		}
	}
	switch s.Mail.Transport {
	case "smtp":
		if s.SMTP.Host == "" {
			errs["smtp.host"] = "smtp.host is required for smtp transport"
		}
		if s.Mail.From == "" {
			errs["mail.from"] = "mail.from is required for smtp transport"
		}
	case "sendgrid":
		if s.SendGrid.APIKey == "" {
			errs["sendgrid.api_key"] = "sendgrid.api_key is required for sendgrid transport"
		}
		if s.Mail.From == "" {
			errs["mail.from"] = "mail.from is required for sendgrid transport"
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid settings: %w", errs)
	}
	return nil
}

// BackupConfigured returns true if snapshots can be uploaded
func (s *Settings) BackupConfigured() bool {
	b := s.Backup
	return b.Endpoint != "" && b.Bucket != "" && b.Access != "" && b.Secret != ""
}
