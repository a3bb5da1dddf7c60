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

package main

import (
	"github.com/BurntSushi/toml"
)

// fileConfig is the optional TOML configuration file loaded via -config.
// Every key is optional; zero values mean "use the flag or built-in
// default instead".
type fileConfig struct {
	LogLevel           int
	LogFile            string
	HTTPTimeoutSeconds int
}

func loadFileConfig(filename string) (fileConfig, error) {
	var cfg fileConfig
	if filename == "" {
		return cfg, nil
	}
	_, err := toml.DecodeFile(filename, &cfg)
	return cfg, err
}
