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

// Package api holds the wire-level vocabulary shared by the Amon master,
// relay and agent: the error envelope returned by all HTTP surfaces, the
// event format, and the manifest content hashing used for probe sync.
package api

// ClientName and Version identify Amon components in User-Agent headers
// and the /ping response.
const (
	ClientName = "amon"
	Version    = "1.4.0"
)
