package config

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		AccessTTLMinutes int `mapstructure:"accessTtlMinutes"`
		RefreshTTLHours  int `mapstructure:"refreshTtlHours"`
	} `mapstructure:"auth"`
	Collab struct {
		OpLogCap        int `mapstructure:"opLogCap"`
		CheckpointEvery int `mapstructure:"checkpointEvery"`
	} `mapstructure:"collab"`
}
