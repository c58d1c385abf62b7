// Copyright 2024 The psyscall Authors.
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

package psyscall

import (
	"io"

	"github.com/sirupsen/logrus"
)

// logger receives attach/detach/probe lifecycle events and the ambiguous
// RET-candidate warning the probe can emit. It discards everything by
// default so the library is silent until a caller opts in with SetLogger.
var logger = newDiscardLogger()

func newDiscardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// SetLogger replaces the package logger. Pass nil to restore the default
// discard-all logger.
func SetLogger(l *logrus.Logger) {
	if l == nil {
		logger = newDiscardLogger()
		return
	}
	logger = l
}
