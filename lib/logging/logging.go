/*
Copyright 2024 The Shellway Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging configures the process-wide logrus logger used by every
// Supervisor component, the way lib/utils.InitLogger configures teleport's.
package logging

import (
	"io"
	"os"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Purpose distinguishes daemon-grade logging (always on, written to stderr)
// from CLI-grade logging (discarded unless -debug was passed).
type Purpose int

const (
	ForDaemon Purpose = iota
	ForCLI
)

// Init configures the standard logger for purpose at level.
func Init(purpose Purpose, level logrus.Level) {
	logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	logrus.SetLevel(level)

	switch purpose {
	case ForCLI:
		if level == logrus.DebugLevel {
			logrus.SetFormatter(&trace.TextFormatter{})
			logrus.SetOutput(os.Stderr)
		} else {
			logrus.SetOutput(io.Discard)
		}
	case ForDaemon:
		logrus.SetFormatter(&trace.TextFormatter{})
		logrus.SetOutput(os.Stderr)
	}
}

// Component returns a logger entry scoped to a named component, the same
// shape every Config.Log field in this codebase expects.
func Component(name string) *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger()).WithField(trace.Component, name)
}
