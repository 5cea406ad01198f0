// Command master runs one Master group against the configured Coordinator,
// driving the map and reduce executables named in the configuration.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nopper/pomegranate"
)

func main() {
	var (
		configPath string
		nick       string
	)

	cmd := &cobra.Command{
		Use:   "master",
		Short: "Run a MapReduce master group",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := pomegranate.LoadConfig(configPath)
			if err != nil {
				return err
			}

			var store pomegranate.BlobStore
			if conf.DFSEnabled {
				store, err = pomegranate.NewLocalStore(conf.DFSConf["root"], conf.DataDir)
				if err != nil {
					return err
				}
			}

			if err := os.MkdirAll(conf.OutputDir(), 0o777); err != nil {
				return err
			}

			master, err := pomegranate.NewMaster(
				nick,
				conf,
				pomegranate.NewExecMapper(conf),
				pomegranate.NewExecReducer(conf),
				store,
			)
			if err != nil {
				return err
			}
			return master.Run()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the configuration file")
	cmd.Flags().StringVarP(&nick, "nick", "n", "", "friendly group name")
	cmd.MarkFlagRequired("nick")

	if err := cmd.Execute(); err != nil {
		logrus.WithError(err).Fatal("master failed")
	}
}
