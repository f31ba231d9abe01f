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

package directory

import (
	"testing"

	ldap "github.com/go-ldap/ldap/v3"

	"github.com/smartdc/amon/pkg/api"
)

func TestTranslateLDAPError(t *testing.T) {
	for _, tc := range []struct {
		name       string
		err        error
		wantCode   api.Code
		wantExists bool
	}{
		{"no such object", ldap.NewError(ldap.LDAPResultNoSuchObject, nil), api.CodeResourceNotFound, false},
		{"already exists", ldap.NewError(ldap.LDAPResultEntryAlreadyExists, nil), api.CodeConstraint, true},
		{"constraint violation", ldap.NewError(ldap.LDAPResultConstraintViolation, nil), api.CodeConstraint, false},
		{"non-leaf delete", ldap.NewError(ldap.LDAPResultNotAllowedOnNonLeaf, nil), api.CodeConstraint, false},
		{"network", ldap.NewError(ldap.ErrorNetwork, nil), api.CodeUnavailable, false},
		{"server busy", ldap.NewError(ldap.LDAPResultBusy, nil), api.CodeUnavailable, false},
		{"unavailable", ldap.NewError(ldap.LDAPResultUnavailable, nil), api.CodeUnavailable, false},
		{"anything else", ldap.NewError(ldap.LDAPResultOther, nil), api.CodeInternalError, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := translateLDAPError("search", tc.err)
			if code := api.CodeOf(got); code != tc.wantCode {
				t.Fatalf("code = %s, want %s", code, tc.wantCode)
			}
			if IsExists(got) != tc.wantExists {
				t.Fatalf("IsExists = %v, want %v", IsExists(got), tc.wantExists)
			}
		})
	}
}

func TestExistsErr(t *testing.T) {
	err := ExistsErr("amoncontact=oncall, uuid=x, ou=users, o=smartdc")
	if !IsExists(err) {
		t.Fatal("ExistsErr must satisfy IsExists")
	}
	if api.CodeOf(err) != api.CodeConstraint {
		t.Fatalf("ExistsErr code = %s, want Constraint", api.CodeOf(err))
	}
}
