package zlog

import (
	"fmt"
)

// FileConfig 本地日志文件轮转策略
type FileConfig struct {
	Path       string `mapstructure:"path"`        // 日志文件路径，为空则不写文件
	MaxSizeMB  int    `mapstructure:"max_size"`    // 单个文件最大容量（MB）
	MaxBackups int    `mapstructure:"max_backups"` // 保留旧文件数量
	MaxAgeDay  int    `mapstructure:"max_age"`     // 最长保存天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

// Config 日志配置
type Config struct {
	Service      string     `mapstructure:"service"`       // 归属服务名
	Level        string     `mapstructure:"level"`         // debug|info|warn|error
	Encoding     string     `mapstructure:"encoding"`      // json|console
	Stdout       bool       `mapstructure:"stdout"`        // 是否同时输出到控制台
	File         FileConfig `mapstructure:"file"`          // 文件输出配置
	EnableMetric bool       `mapstructure:"enable_metric"` // 是否上报 Prometheus 指标
}

// Validate 校验配置合法性
func (c *Config) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("zlog: service 不能为空")
	}

	switch c.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("zlog: level 只能是 debug/info/warn/error")
	}

	switch c.Encoding {
	case "", "json", "console":
	default:
		return fmt.Errorf("zlog: encoding 只能是 json/console")
	}

	if !c.Stdout && c.File.Path == "" {
		return fmt.Errorf("zlog: stdout 为 false 时 file.path 不能为空")
	}

	return nil
}
