/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/couchbase/stellar-router/contrib/coordstore/etcdstore"
	"github.com/couchbase/stellar-router/utils/secretsmanager"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func getBuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "devel"
	}
	return info.Main.Version
}

var rootCmd = &cobra.Command{
	Version: getBuildVersion(),

	Use:   "stellar-router",
	Short: "A cluster-aware request router for partitioned search collections",

	SilenceUsage: true,
}

var cfgFile string

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "specifies a config file to load")

	commonFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	commonFlags.String("log-level", "info", "the log level to run at")
	commonFlags.String("etcd-endpoints", "localhost:2379", "comma separated etcd endpoints of the coordination store")
	commonFlags.String("etcd-user", "", "the etcd username")
	commonFlags.String("etcd-pass", "", "the etcd password")
	commonFlags.String("etcd-prefix", "/stellar-router", "the key prefix all cluster state lives under")
	commonFlags.String("etcd-creds-secret", "", "cloud secret holding etcd credentials, as provider:location:secret-id")
	commonFlags.Int("session-ttl", 10, "the lease ttl backing ephemeral records, in seconds")
	rootCmd.PersistentFlags().AddFlagSet(commonFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("str")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(commonFlags)

	cobra.OnInitialize(func() {
		if cfgFile == "" {
			return
		}
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load specified config file: %s\n", err)
			os.Exit(1)
		}
	})

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(prsCmd)
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stdout), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

func applyLogLevel(logger *zap.Logger, logLevel zap.AtomicLevel, levelStr string) {
	parsedLogLevel, err := zapcore.ParseLevel(levelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead")
		parsedLogLevel = zapcore.InfoLevel
	}
	logLevel.SetLevel(parsedLogLevel)
}

type storeConfig struct {
	etcdEndpoints   []string
	etcdUser        string
	etcdPass        string
	etcdPrefix      string
	etcdCredsSecret string
	sessionTTL      int
}

func readStoreConfig() *storeConfig {
	var endpoints []string
	for _, ep := range strings.Split(viper.GetString("etcd-endpoints"), ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			endpoints = append(endpoints, ep)
		}
	}

	return &storeConfig{
		etcdEndpoints:   endpoints,
		etcdUser:        viper.GetString("etcd-user"),
		etcdPass:        viper.GetString("etcd-pass"),
		etcdPrefix:      viper.GetString("etcd-prefix"),
		etcdCredsSecret: viper.GetString("etcd-creds-secret"),
		sessionTTL:      viper.GetInt("session-ttl"),
	}
}

// openStore connects to etcd and returns the coordination store over it.
// The returned client must be closed after the store.
func openStore(ctx context.Context, logger *zap.Logger, config *storeConfig) (*etcd.Client, *etcdstore.Store, error) {
	if config.etcdCredsSecret != "" {
		if config.etcdUser != "" || config.etcdPass != "" {
			return nil, nil, fmt.Errorf("cannot use etcd-user or etcd-pass when fetching creds from cloud provider")
		}

		src, err := secretsmanager.ParseSource(config.etcdCredsSecret)
		if err != nil {
			return nil, nil, err
		}

		logger.Info("fetching etcd credentials from secret store",
			zap.String("provider", string(src.Provider)))

		creds, err := secretsmanager.Fetch(ctx, src)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to fetch etcd credentials: %w", err)
		}
		config.etcdUser = creds.Username
		config.etcdPass = creds.Password
	}

	client, err := etcd.New(etcd.Config{
		Endpoints:   config.etcdEndpoints,
		Username:    config.etcdUser,
		Password:    config.etcdPass,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	store, err := etcdstore.NewStore(etcdstore.StoreOptions{
		EtcdClient: client,
		KeyPrefix:  config.etcdPrefix,
		Logger:     logger.Named("coordstore"),
		SessionTTL: config.sessionTTL,
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	return client, store, nil
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
