package app

import (
	"errors"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/Blackdeer1524/StorageCore/src/pkg/utils"
)

type Environment string

const (
	EnvDev  Environment = "dev"
	EnvProd Environment = "prod"
)

const envPrefix = "STORAGE"

type envVars struct {
	Environment Environment `envconfig:"ENVIRONMENT" default:"dev"`

	DataDir      string        `envconfig:"DATA_DIR"      default:"./data"`
	PageSize     int           `envconfig:"PAGE_SIZE"     default:"4096"`
	PoolCapacity uint64        `envconfig:"POOL_CAPACITY" default:"50"`
	LockTimeout  time.Duration `envconfig:"LOCK_TIMEOUT"  default:"100ms"`

	// self-abort | abort-others
	DeadlockPolicy string `envconfig:"DEADLOCK_POLICY" default:"self-abort"`

	// relative paths are resolved against DataDir
	LogFile string `envconfig:"LOG_FILE" default:"wal.log"`
}

// loadEnv reads the optional dotenv files first, real environment variables
// take precedence over them.
func loadEnv(configPaths ...string) (envVars, error) {
	for _, path := range configPaths {
		if path == "" {
			continue
		}
		err := godotenv.Load(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return envVars{}, err
		}
	}

	var env envVars
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return envVars{}, err
	}
	return env, nil
}

func mustLoadEnv(configPaths ...string) envVars {
	return utils.Must(loadEnv(configPaths...))
}
