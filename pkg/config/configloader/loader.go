package configloader

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	defaultConfigFile = "config.yaml"
	defaultEnvFile    = ".env"
)

type Validator interface {
	Validate() error
}

// Sources lists where configuration is read from, in increasing priority.
type Sources struct {
	ConfigFile string
	EnvFile    string
	EnvPrefix  string
}

// Load reads the configuration of the named service from config.yaml, .env and
// the process environment. Environment variables are expected as <SERVICE>_<KEY>,
// with "_" separating nested keys: CART_SERVER_PORT -> server.port.
func Load[T Validator](serviceName string) (T, error) {
	return LoadFrom[T](Sources{
		ConfigFile: defaultConfigFile,
		EnvFile:    defaultEnvFile,
		EnvPrefix:  fmt.Sprintf("%s_", strings.ToUpper(serviceName)),
	})
}

// LoadFrom is Load with explicit sources.
func LoadFrom[T Validator](src Sources) (T, error) {
	var cfg T
	k := koanf.New(".")

	// 1. Load configuration from yaml file
	if src.ConfigFile != "" {
		if err := k.Load(file.Provider(src.ConfigFile), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				log.Printf("WARN: error loading YAML config file '%s': %v", src.ConfigFile, err)
			}
		}
	}

	envTransformer := func(key string) string {
		key = strings.ToLower(key)
		key = strings.TrimPrefix(key, strings.ToLower(src.EnvPrefix))
		return strings.ReplaceAll(key, "_", ".")
	}

	// 2. Load environment variables from .env file
	if src.EnvFile != "" {
		if envFileMap, err := godotenv.Read(src.EnvFile); err == nil {
			envMap := make(map[string]any)
			for key, value := range envFileMap {
				if !strings.HasPrefix(strings.ToLower(key), strings.ToLower(src.EnvPrefix)) {
					continue
				}
				envMap[envTransformer(key)] = value
			}
			if err := k.Load(confmap.Provider(envMap, "."), nil); err != nil {
				log.Printf("WARN: error loading .env config: %v", err)
			}
		} else if !os.IsNotExist(err) {
			log.Printf("WARN: error reading .env file: %v", err)
		}
	}

	// 3. Load environment variables from the system, the highest priority
	if err := k.Load(env.Provider(src.EnvPrefix, ".", envTransformer), nil); err != nil {
		log.Printf("WARN: error loading system env vars: %v", err)
	}

	// 4. Unmarshal the configuration into the Config struct
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("error unmarshalling config: %w", err)
	}

	// 5. Validate the configuration
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}
