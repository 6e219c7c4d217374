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

// Package runtime formats goroutine stacks for panic logs.
package runtime

import (
	"fmt"
	"runtime"
	"strings"
)

// Stack returns the caller's stack, one "function file:line" per line,
// skipping Stack itself and its caller's recover frame.
func Stack() string {
	pc := make([]uintptr, 32)
	n := runtime.Callers(3, pc)
	frames := runtime.CallersFrames(pc[:n])
	var b strings.Builder
	for {
		f, more := frames.Next()
		b.WriteString(fmt.Sprintf(" %s %s:%d\n", f.Function, f.File, f.Line))
		if !more {
			break
		}
	}
	return b.String()
}
