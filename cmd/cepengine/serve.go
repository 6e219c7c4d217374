/*
 * Copyright 2023 The RuleGo Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rulego/cep"
	"github.com/rulego/cep/api/server"
	"github.com/rulego/cep/api/types"
	"github.com/rulego/cep/config"
	"github.com/rulego/cep/sink"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the listeners, the dispatch ring and the operator API",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := config.DefaultConfig
		if configFile != "" {
			loaded, err := config.Load(configFile)
			if err != nil {
				return err
			}
			c = loaded
		}
		logger, logCloser := newLogger(c)
		if logCloser != nil {
			defer logCloser.Close()
		}
		logger.Printf("use config file=%s", configFile)

		a, err := setup(context.Background(), c, logger)
		if err != nil {
			return err
		}
		if err := a.start(); err != nil {
			_ = a.shutdown(context.Background())
			return err
		}
		logger.Printf("started, languages=%s listeners=%d", a.engine.Languages(), len(c.Listeners))

		sigs := make(chan os.Signal, 1)
		// 监听系统信号，包括中断信号和终止信号
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		<-sigs

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = a.shutdown(ctx)
		logger.Printf("stopped server")
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// newLogger writes to stdout, or to a rotating file when log_file is set.
func newLogger(c config.Config) (*log.Logger, io.Closer) {
	if c.LogFile == "" {
		return log.New(os.Stdout, "", log.LstdFlags), nil
	}
	w := &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    c.LogMaxSize,
		MaxBackups: c.LogMaxBackups,
	}
	return log.New(w, "", log.LstdFlags), w
}

type app struct {
	logger         types.Logger
	engine         *cep.Engine
	api            *server.Server
	closeDirectory config.Closer
}

// setup builds everything the config describes without starting anything.
func setup(ctx context.Context, c config.Config, logger types.Logger) (*app, error) {
	dir, closeDirectory, err := config.BuildDirectory(ctx, c.Directory, logger)
	if err != nil {
		return nil, fmt.Errorf("rule directory: %w", err)
	}
	resultSink, hub, err := config.BuildSink(ctx, c, logger)
	if err != nil {
		_ = closeDirectory()
		return nil, fmt.Errorf("result sink: %w", err)
	}
	e, err := cep.New(c.EngineConfig(logger), dir, cep.WithResultSink(resultSink))
	if err != nil {
		_ = sink.Close(resultSink)
		_ = closeDirectory()
		return nil, err
	}
	a := &app{logger: logger, engine: e, closeDirectory: closeDirectory}
	for _, def := range c.Listeners {
		if _, err := e.NewListener(def); err != nil {
			_ = a.shutdown(ctx)
			return nil, fmt.Errorf("listener %s: %w", def.Id, err)
		}
	}
	if c.Api.Server != "" {
		a.api = server.New(e, hub, server.Config{Server: c.Api.Server, Users: c.Users})
	}
	return a, nil
}

func (a *app) start() error {
	if err := a.engine.Start(); err != nil {
		return err
	}
	if a.api != nil {
		if err := a.api.Start(); err != nil {
			return fmt.Errorf("operator api: %w", err)
		}
	}
	return nil
}

func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if a.api != nil {
		if err := a.api.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.engine.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.closeDirectory(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
