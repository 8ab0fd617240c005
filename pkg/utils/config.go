package utils

import "time"

type SslConfig struct {
	Enabled               bool   `mapstructure:"enabled"`
	CaCertPath            string `mapstructure:"ca-cert-path"`
	AdapterCertPath       string `mapstructure:"adapter-cert-path"`
	AdapterPrivateKeyPath string `mapstructure:"adapter-private-key-path"`
}

type MonitorConfig struct {
	Port int `mapstructure:"port"`
}

// AWSConfig 托管平台访问配置
type AWSConfig struct {
	Region        string `mapstructure:"region"`
	Profile       string `mapstructure:"profile"`
	Endpoint      string `mapstructure:"endpoint"`
	RoleArn       string `mapstructure:"role-arn"`
	DefaultBucket string `mapstructure:"default-bucket"`
}

type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
	QPS      float32       `mapstructure:"qps"`
	Burst    int           `mapstructure:"burst"`
}

type DatabaseConfig struct {
	DbHost        string `mapstructure:"host"`
	DbPort        int    `mapstructure:"port"`
	DbUser        string `mapstructure:"user"`
	DbPassword    string `mapstructure:"password"`
	DbName        string `mapstructure:"db-name"`
	DbReplSetName string `mapstructure:"repl-set-name"`
}

type StoreConfig struct {
	Type  string         `mapstructure:"type"`
	Path  string         `mapstructure:"path"`
	Mongo DatabaseConfig `mapstructure:"mongo"`
}

type Config struct {
	BindPort int           `mapstructure:"bind-port"`
	LogLevel string        `mapstructure:"log-level"`
	LogFile  string        `mapstructure:"log-file"`
	AWS      AWSConfig     `mapstructure:"aws"`
	Poll     PollConfig    `mapstructure:"poll"`
	Store    StoreConfig   `mapstructure:"store"`
	Ssl      SslConfig     `mapstructure:"ssl"`
	Monitor  MonitorConfig `mapstructure:"monitor"`
}

// PollInterval 返回轮询间隔，未配置时使用默认值
func (c *Config) PollInterval() time.Duration {
	if c.Poll.Interval <= 0 {
		return DefaultPollInterval
	}
	return c.Poll.Interval
}
