// Command coordinator runs the global Coordinator with the directory input
// source, serving the wire protocol and the monitor on master-host:port.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nopper/pomegranate"
)

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run the global MapReduce coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := pomegranate.LoadConfig(configPath)
			if err != nil {
				return err
			}

			gen, err := pomegranate.OpenInput(conf)
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

			co := pomegranate.NewCoordinator(conf, gen, store)
			srv := pomegranate.NewServer(co)

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-interrupt
				logrus.Info("interrupt received, shutting down")
				srv.Close()
			}()

			return srv.Run()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the configuration file")

	if err := cmd.Execute(); err != nil {
		logrus.WithError(err).Fatal("coordinator failed")
	}
}
