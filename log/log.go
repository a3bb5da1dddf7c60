// Copyright © 2020 Intel Corporation
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

// Package log provides the leveled, tagged logging used across the update
// pipeline. The file backing it is the update session's log.txt, held open
// for the worker's lifetime.
package log

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Specifies the log levels
const (
	LevelError = iota + 1
	LevelWarning
	LevelInfo
	LevelDebug
	LevelVerbose // Same as Debug, but without the repeat filtering
)

// Specifies the subsystem tags used throughout the update pipeline
const (
	Updater  = "UPDATER"
	Manifest = "MANIFEST"
	Archive  = "ARCHIVE"
	Delta    = "DELTA"
	Unpack   = "UNPACK"
	Finalize = "FINALIZE"
	HTTP     = "HTTP"
)

var (
	level      = LevelInfo
	levelMap   = map[int]string{}
	fileHandle *os.File
	logging    = false
	lineLast   string
	lineCount  int
	tagMap     = map[string]bool{}
)

func init() {
	levelMap[LevelError] = "ERROR"
	levelMap[LevelWarning] = "WARNING"
	levelMap[LevelInfo] = "INFO"
	levelMap[LevelDebug] = "DEBUG"
	levelMap[LevelVerbose] = "VERBOSE"
	tagMap[Updater] = true
	tagMap[Manifest] = true
	tagMap[Archive] = true
	tagMap[Delta] = true
	tagMap[Unpack] = true
	tagMap[Finalize] = true
	tagMap[HTTP] = true
}

// SetLogLevel sets the default log level to l
func SetLogLevel(l int) {
	if l < LevelError {
		level = LevelError
		logTag("WRN", Updater, "Log Level '%d' too low, forcing to %s (%d)", l, levelMap[level], level)
	} else if l > LevelVerbose {
		level = LevelVerbose
		logTag("WRN", Updater, "Log Level '%d' too high, forcing to %s (%d)", l, levelMap[level], level)
	} else {
		level = l
		Debug(Updater, "Log Level set to %s (%d)", levelMap[level], l)
	}
}

// SetOutputFilename sets the log output to filename instead of stdout/stderr.
// The file is opened in append mode and held open for the caller's lifetime;
// the caller must call CloseLogHandler when done.
func SetOutputFilename(logFile string) (*os.File, error) {
	var err error
	fileHandle, err = os.OpenFile(logFile, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}

	log.SetOutput(fileHandle)
	logging = true
	return fileHandle, nil
}

// CloseLogHandler closes the file handle backing the log, if one is open.
func CloseLogHandler() {
	if logging {
		if err := fileHandle.Close(); err != nil {
			fmt.Printf("WARNING: couldn't close file for log: %s\n", err)
		}
		logging = false
	}
}

func logTag(tag string, subsystem, format string, a ...interface{}) {
	// If there are no variables to pass to the format,
	// then we can escape any % signs.
	if len(a) < 1 {
		format = strings.ReplaceAll(format, "%", "%%")
	}

	f := "[" + tag + "]" + "[" + subsystem + "] " + format + "\n"
	output := fmt.Sprintf(f, a...)

	if level >= LevelVerbose {
		log.Print(output)
		return
	}

	if output != lineLast {
		// output the previous repeated line
		if lineCount > 0 {
			plural := ""
			if lineCount > 1 {
				plural = "s"
			}

			repeat := fmt.Sprintf("[%s] [Previous line repeated %d time%s]\n", tag, lineCount, plural)
			log.Print(repeat)
		}

		log.Print(output)

		lineLast = output
		lineCount = 0
	} else { // Repeated line
		lineCount++
	}
}

func normalizeTag(subsystem string) string {
	if _, ok := tagMap[subsystem]; !ok {
		return Updater
	}
	return subsystem
}

// Debug prints a debug log entry with DBG tag
func Debug(subsystem, format string, a ...interface{}) {
	if level < LevelDebug || !logging {
		return
	}
	logTag("DBG", normalizeTag(subsystem), format, a...)
}

// Error prints an error log entry with ERR tag. Errors are always echoed to
// stdout even when file logging hasn't been configured yet.
func Error(subsystem, format string, a ...interface{}) {
	fmt.Printf("Error: "+format+"\n", a...)
	if !logging {
		return
	}
	logTag("ERR", normalizeTag(subsystem), format, a...)
}

// Info prints an info log entry with INF tag
func Info(subsystem, format string, a ...interface{}) {
	fmt.Printf(format+"\n", a...)
	if level < LevelInfo || !logging {
		return
	}
	logTag("INF", normalizeTag(subsystem), format, a...)
}

// Warning prints a warning log entry with WRN tag
func Warning(subsystem, format string, a ...interface{}) {
	fmt.Printf("Warning: "+format+"\n", a...)
	if level < LevelWarning || !logging {
		return
	}
	logTag("WRN", normalizeTag(subsystem), format, a...)
}

// Verbose prints a verbose log entry with VRB tag, without repeat-line
// suppression. Useful for the delta tool's line-by-line passthrough, which
// is often repetitive.
func Verbose(subsystem, format string, a ...interface{}) {
	if level < LevelVerbose || !logging {
		return
	}
	logTag("VRB", normalizeTag(subsystem), format, a...)
}
