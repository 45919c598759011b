package config

import (
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/lipcall/lipcall/pkg/configs"
)

// AppConfig is the full application configuration.
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`
	LogFile  string `mapstructure:"log_file"`

	WebsocketHost string `mapstructure:"websocket_host" validate:"required"`
	WebsocketPort int    `mapstructure:"websocket_port" validate:"required"`

	SSLCertFile string `mapstructure:"ssl_cert_file" validate:"required"`
	SSLKeyFile  string `mapstructure:"ssl_key_file" validate:"required"`

	// Path to the PEM-encoded RSA private key for RS256 token signing.
	// The verification key is derived from it.
	JWTRSAPrivateKey string `mapstructure:"jwt_rsa_private_key" validate:"required"`

	AccessTokenExpireMinutes int `mapstructure:"access_token_expire_minutes" validate:"required"`
	RefreshTokenExpireDays   int `mapstructure:"refresh_token_expire_days" validate:"required"`

	PostgresConfig configs.PostgresConfig `mapstructure:"postgres" validate:"required"`
}

// InitConfig reads configuration from an env file or the environment.
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("no env file found, reading from environment variables")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	v.SetDefault("SERVICE_NAME", "lipcall")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "logs/server.log")

	v.SetDefault("WEBSOCKET_HOST", "0.0.0.0")
	v.SetDefault("WEBSOCKET_PORT", 8765)

	v.SetDefault("SSL_CERT_FILE", "certs/cert.pem")
	v.SetDefault("SSL_KEY_FILE", "certs/key.pem")

	v.SetDefault("JWT_RSA_PRIVATE_KEY", "certs/jwt_rsa")

	v.SetDefault("ACCESS_TOKEN_EXPIRE_MINUTES", 15)
	v.SetDefault("REFRESH_TOKEN_EXPIRE_DAYS", 7)

	v.SetDefault("POSTGRES__HOST", "localhost")
	v.SetDefault("POSTGRES__PORT", 5432)
	v.SetDefault("POSTGRES__DB_NAME", "lipcall")
	v.SetDefault("POSTGRES__AUTH__USER", "lipcall")
	v.SetDefault("POSTGRES__AUTH__PASSWORD", "")
	v.SetDefault("POSTGRES__MAX_OPEN_CONNECTION", 10)
	v.SetDefault("POSTGRES__MAX_IDEAL_CONNECTION", 10)
	v.SetDefault("POSTGRES__SSL_MODE", "disable")
}

// GetApplicationConfig unmarshals and validates the application config.
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	if err := v.Unmarshal(&config); err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}
	return &config, nil
}
