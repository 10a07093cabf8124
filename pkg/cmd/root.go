package cmd

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stleox/runspan/pkg/cmd/demo"
	"github.com/stleox/runspan/pkg/cmd/replay"
	"github.com/stleox/runspan/pkg/config"
)

// NewViper creates a new viper instance configured.
func NewViper() *viper.Viper {
	vp := viper.New()

	// read config from a file
	vp.SetConfigName("config") // name of config file (without extension)
	vp.SetConfigType("yaml")   // useful if the given config file does not have the extension in the name
	vp.AddConfigPath(".")      // look for a config in the working directory first
	vp.AddConfigPath("$HOME/.config/runspan")

	// read config from environment variables
	vp.SetEnvPrefix("runspan") // env var must start with RUNSPAN_
	// replace - by _ for environment variable names
	// (eg: the env var for idle-eviction-seconds is RUNSPAN_IDLE_EVICTION_SECONDS)
	vp.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	vp.AutomaticEnv() // read in environment variables that match
	return vp
}

func New(vp *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:          "runspan",
		Short:        "Collapse agent-graph traces into run spans",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			config.InitLogrus()
			if config.Debug {
				logrus.Info("enabled debug mode")
			}

			if err := vp.ReadInConfig(); err != nil {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					return err
				}
			} else {
				logrus.WithField("file", vp.ConfigFileUsed()).Debug("loaded config file")
			}
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&config.Debug, "debug", false, "Enable debug mode")
	return root
}

func Execute() {
	// 全局初始化 VP 配置
	vp := NewViper()

	root := New(vp)
	root.AddCommand(replay.New(vp))
	root.AddCommand(demo.New(vp))

	err := root.Execute()
	if err != nil {
		os.Exit(1)
	}
}
