package common

import (
	"bytes"
	"testing"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: defaults plus the adapter endpoints make a complete config
	{
		config := []byte(`---
adapters:
  endpoints:
    - http://127.0.0.1:9001
    - http://127.0.0.1:9002`)
		InstallDefaultConfigValues()
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("grip", cfg.Publisher.Backend)
		assert.Equal("memory", cfg.Cache.Backend)
		assert.Equal(uint16(5000), cfg.Session.HTTPSetting.Server.Port)
		assert.Equal(100, cfg.Adapters.DefaultPollInterval)
		assert.Len(cfg.Adapters.Endpoints, 2)
	}

	// Case 2: invalid config
	{
		config := []byte(`---
adapters:
  endpoints:
    - http://127.0.0.1:9001
session:
  api_server:
    server_config:
      listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: invalid config
	{
		config := []byte(`---
adapters:
  endpoints:
    - http://127.0.0.1:9001
publisher:
  backend: carrier-pigeon`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}
}
