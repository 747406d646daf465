// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lfilog is the runtime's internal logging facade. It exposes
// the same free-function, leveled call sites the rest of the tree uses
// (Debugf/Infof/Warningf) regardless of which emitter backs them, and is
// backed by logrus rather than a hand-rolled emitter.
package lfilog

import (
	"github.com/sirupsen/logrus"
)

// std is the package-wide logger. Components should not construct their
// own; they should call the free functions below, or log through the
// entry returned by Component to tag their output.
var std = logrus.New()

func init() {
	std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetLevel sets the minimum level that will be emitted. Valid values are
// "debug", "info", "warning"/"warn", "error".
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	std.SetLevel(lvl)
	return nil
}

// Component returns a logger scoped to a named component (e.g.
// "boxmap", "proc"), which prefixes every entry with component=name.
func Component(name string) *logrus.Entry {
	return std.WithField("component", name)
}

// Debugf logs at debug level, used for per-page bookkeeping detail.
func Debugf(format string, args ...interface{}) {
	std.Debugf(format, args...)
}

// Infof logs at info level, used for lifecycle events.
func Infof(format string, args ...interface{}) {
	std.Infof(format, args...)
}

// Warningf logs at warning level, used for recoverable races against
// the host (e.g. a displaced mapping that had to be re-reserved).
func Warningf(format string, args ...interface{}) {
	std.Warnf(format, args...)
}
