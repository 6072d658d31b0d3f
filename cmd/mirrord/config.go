package main

import (
	"github.com/kelseyhightower/envconfig"
	"github.com/pyropy/mirror/core/volume"
)

type Config struct {
	Server struct {
		Host string `envconfig:"SERVER_HOST"`
		Port int    `envconfig:"SERVER_PORT" default:"1234"`
	}
	Metadata struct {
		Path string `envconfig:"METADATA_PATH" default:"metadata"`
	}
	Metrics struct {
		Addr string `envconfig:"METRICS_ADDR" default:":9327"`
	}
	Backend struct {
		QueueDepth int `envconfig:"BACKEND_QUEUE_DEPTH" default:"64"`
	}
	Volume volume.Config
}

func GetConfig() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
