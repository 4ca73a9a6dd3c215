// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"

	"github.com/mstarongithub/w2gcore/capability"
	"github.com/mstarongithub/w2gcore/config"
	"github.com/sirupsen/logrus"
)

var (
	configPath *string = flag.String("config", "", "Path to the config file, defaults to "+config.DefaultPath())
	toolMode   *bool   = flag.Bool("tool", false, "Start as a tool instead of a compositor")
	help       *bool   = flag.Bool("help", false, "Show the help message for the selected mode")
)

func main() {
	flag.Parse()
	conf, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("loading config")
	}
	level, _ := logrus.ParseLevel(conf.LogLevel)
	logrus.SetLevel(level)
	logrus.WithField("capabilities", capability.Compiled()).Debugln("Config loaded")

	if *toolMode {
		utilMain(conf)
	} else {
		compositorMain(conf)
	}
}

func compositorMain(conf *config.Config) {
	if *help {
		compositorHelpMessage()
		return
	}
	server, err := NewServer(conf, capability.Compiled(), nil, Extensions{})
	if err != nil {
		logrus.WithError(err).Fatal("initializing server")
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err = server.Start(ctx); err != nil {
		logrus.WithError(err).Fatal("starting server")
	}

	switch conf.StartType {
	case config.START_REPL:
		go replRunner(server)
	case config.START_SINGLE_COMMAND:
		startCommand(*conf.StartCommand)
	case config.START_NONE:
	}

	if err = server.Run(ctx); err != nil {
		logrus.WithError(err).Fatal("running server")
	}
}

func startCommand(command string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return
	}
	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		logrus.WithError(err).WithField("command", command).Errorln("Start command failed")
		return
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			logrus.WithError(err).WithField("command", command).Warnln("Start command exited")
		}
	}()
}

func compositorHelpMessage() {
	fmt.Println("---- Help message for Way2Gay in compositor mode ----")
	fmt.Println("\nShows a test pattern on every output of the configured backend")
	fmt.Println("\nGeneral flags:")
	fmt.Println("\t-config: Path to the config file. Default is " + config.DefaultPath())
	fmt.Println("\t-tool: Start as a tool instead of a compositor")
	fmt.Println("\t-help: Show this help message (or the one for tool mode if -tool is set)")
	fmt.Println("\nRepl commands:")
	fmt.Println(replHelp)
}
