package zipkindb

import (
	"flag"
	"time"
)

type Config struct {
	DataPath     string        `yaml:"data_path"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.DataPath, prefix+".data-path", "./zipkin.db", "Path to the sqlite database file holding spans.")
	f.DurationVar(&cfg.QueryTimeout, prefix+".query-timeout", 30*time.Second, "Timeout applied to trace queries. 0 disables it.")
}
