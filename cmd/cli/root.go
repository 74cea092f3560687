package cli

import (
	"fmt"
	"os"

	"automator/internal/app"
	"automator/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "AUTOMATOR"

var (
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "automator",
	Short: "Rule-based automation engine",
	Long: `automator evaluates user-defined automation rules (trigger, conditions, actions)
on a fixed interval and fires the due ones exactly once per window.

Rules can also be fired manually over the API or by signed inbound webhooks.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yml)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := config.BindEnv(viper.GetViper(), envPrefix); err != nil {
		fmt.Println("Error binding environment:", err)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error if it's not explicitly set
		} else {
			fmt.Println("Error reading config file:", err)
		}
	}
}

// loadConfig 加载配置并初始化日志
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := config.InitLogger(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

// newApp 为一次性命令组装引擎，不启动后台循环
func newApp() (*app.App, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(cfg, logger, app.Options{Version: Version})
}
