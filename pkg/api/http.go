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

package api

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// ContentMD5 returns the base64 MD5 digest of b, the value carried in
// Content-MD5 headers and the relay's .content-md5 manifest sidecars.
func ContentMD5(b []byte) string {
	sum := md5.Sum(b)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// WriteJSON marshals v and writes it with the given status code. Marshal
// failures degrade to a generic InternalError envelope.
func WriteJSON(logger log.Logger, w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")

	b, err := json.Marshal(v)
	if err != nil {
		_ = level.Error(logger).Log("msg", "marshaling response failed", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		if _, err := w.Write([]byte(`{"code":"InternalError","message":"response serialization failed"}`)); err != nil {
			_ = level.Error(logger).Log("msg", "writing error response failed", "err", err)
		}
		return
	}
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		_ = level.Error(logger).Log("msg", "writing response failed", "err", err)
	}
}

// WriteError maps err onto the error envelope and status of its code.
// Errors without a code become InternalError and are logged with full
// context since they indicate a bug or corrupt record.
func WriteError(logger log.Logger, w http.ResponseWriter, err error) {
	code := CodeOf(err)
	if code == CodeInternalError {
		_ = level.Error(logger).Log("msg", "internal error", "err", err)
	}
	msg := err.Error()
	var apiErr *Error
	if errors.As(err, &apiErr) {
		msg = apiErr.Message
	}
	WriteJSON(logger, w, code.HTTPStatus(), &Error{Code: code, Message: msg})
}
