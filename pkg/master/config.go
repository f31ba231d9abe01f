// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package master

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/cache"
	"github.com/smartdc/amon/pkg/directory"
	"github.com/smartdc/amon/pkg/mapi"
	"github.com/smartdc/amon/pkg/notify/email"
	"github.com/smartdc/amon/pkg/notify/webhook"
)

// Config is the master's JSON config file.
type Config struct {
	// Port the public API listens on. Defaults to 8080.
	Port int `json:"port,omitempty"`

	// UFDS locates the directory holding accounts and Amon entities.
	UFDS directory.LDAPConfig `json:"ufds"`

	// MAPI locates the machine API.
	MAPI mapi.Config `json:"mapi"`

	// NotificationPlugins enables and configures delivery media. At least
	// one must be configured or the master has no way to reach anyone.
	NotificationPlugins NotificationConfig `json:"notificationPlugins"`

	// AccountCache bounds the login/account/operator cache; ProbeCache
	// bounds the entity and manifest cache.
	AccountCache cache.Config `json:"accountCache,omitempty"`
	ProbeCache   cache.Config `json:"probeCache,omitempty"`
}

// NotificationConfig holds one section per medium. A nil section leaves
// that medium unregistered.
type NotificationConfig struct {
	Email   *email.Config   `json:"email,omitempty"`
	Webhook *webhook.Config `json:"webhook,omitempty"`
}

// LoadConfig reads and validates a config file.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate applies defaults and rejects configs the master cannot run on.
func (c *Config) Validate() error {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Port < 0 || c.Port > 65535 {
		return api.Invalidf("port %d out of range", c.Port)
	}
	if c.UFDS.URL == "" {
		return api.Missingf("ufds.url is required")
	}
	if c.MAPI.URL == "" {
		return api.Missingf("mapi.url is required")
	}
	if c.NotificationPlugins.Email == nil && c.NotificationPlugins.Webhook == nil {
		return api.Missingf("at least one notification plugin must be configured")
	}
	return nil
}
